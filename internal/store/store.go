// Package store persists every durable record of the platform to Postgres:
// candles, the versioned feature cache, the append-only order event stream,
// trade logs, position snapshots, AI model snapshots, and the control plane
// (commands, system config, audits).
//
// Conventions:
//   - Writes that can replay are idempotent: INSERT ... ON CONFLICT DO
//     NOTHING on the natural key.
//   - Instants are stored in UTC. *_hk columns carry the Hong Kong wall-clock
//     rendering of the same instant for operator queries.
//   - Migrations are embedded NNNN_name.sql files applied in lexical order,
//     one transaction per file, tracked in schema_migrations. A failed
//     migration aborts startup.
package store

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"asv8/internal/clock"
	"asv8/internal/config"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps the Postgres connection pool.
type Store struct {
	db     *sqlx.DB
	clk    clock.Clock
	logger *slog.Logger
}

// Open connects, verifies the connection, and applies pending migrations.
func Open(ctx context.Context, cfg config.DatabaseConfig, clk clock.Clock, logger *slog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{db: db, clk: clk, logger: logger.With("component", "store")}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection, for tests and tools. No migrations
// are applied.
func NewWithDB(db *sqlx.DB, clk clock.Clock, logger *slog.Logger) *Store {
	return &Store{db: db, clk: clk, logger: logger.With("component", "store")}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies embedded migration files not yet recorded in
// schema_migrations, in lexical filename order.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename   TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := s.db.GetContext(ctx, &applied,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename = $1)`, name); err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}

		raw, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, name, string(raw)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		s.logger.Info("migration applied", "file", name)
	}
	return nil
}

// applyMigration runs every statement of one file inside one transaction and
// records the filename on success.
func (s *Store) applyMigration(ctx context.Context, name, raw string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range splitStatements(raw) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, name); err != nil {
		return err
	}
	return tx.Commit()
}

// splitStatements strips -- line comments and /* */ blocks, then splits the
// remainder on semicolons. Good enough for our own migration files, which
// never embed semicolons in literals.
func splitStatements(raw string) []string {
	var sb strings.Builder
	inLineComment, inBlockComment := false, false
	for i := 0; i < len(raw); i++ {
		switch {
		case inLineComment:
			if raw[i] == '\n' {
				inLineComment = false
				sb.WriteByte('\n')
			}
		case inBlockComment:
			if raw[i] == '*' && i+1 < len(raw) && raw[i+1] == '/' {
				inBlockComment = false
				i++
			}
		case raw[i] == '-' && i+1 < len(raw) && raw[i+1] == '-':
			inLineComment = true
		case raw[i] == '/' && i+1 < len(raw) && raw[i+1] == '*':
			inBlockComment = true
		default:
			sb.WriteByte(raw[i])
		}
	}

	var stmts []string
	for _, part := range strings.Split(sb.String(), ";") {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

func firstLine(stmt string) string {
	if i := strings.IndexByte(stmt, '\n'); i > 0 {
		return stmt[:i]
	}
	return stmt
}
