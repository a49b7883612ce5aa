package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const archiveBatchSize = 5000

// archiveTargets pins which tables may be archived and where their rows go.
// Both sides of each pair share the same column list.
var archiveTargets = map[string]string{
	"market_data":       "market_data_history",
	"market_data_cache": "market_data_cache_history",
}

// ArchiveOldRows runs one archive pass over every archivable table and
// returns rows moved per table. The first failing table aborts the run; its
// audit row carries the error, and the returned map still reports whatever
// already moved.
func (s *Store) ArchiveOldRows(ctx context.Context, cutoffMs int64, traceID string) (map[string]int64, error) {
	moved := make(map[string]int64, len(archiveTargets))
	for _, table := range []string{"market_data", "market_data_cache"} {
		n, err := s.ArchiveTable(ctx, table, cutoffMs, traceID)
		moved[table] = n
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// ArchiveTable moves rows older than cutoffMs into the table's history twin,
// in batches of open-time ranges. Each batch runs one transaction doing an
// insert-ignore followed by a delete over the same range, so a crash between
// batches never loses rows. One archive_audit row records the run.
func (s *Store) ArchiveTable(ctx context.Context, table string, cutoffMs int64, traceID string) (int64, error) {
	history, ok := archiveTargets[table]
	if !ok {
		return 0, fmt.Errorf("archive table: %q is not archivable", table)
	}

	var fromMs int64
	err := s.db.GetContext(ctx, &fromMs, fmt.Sprintf(
		`SELECT COALESCE(MIN(open_time_ms), 0) FROM %s WHERE open_time_ms < $1`, table), cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("archive %s: min open time: %w", table, err)
	}

	var moved int64
	for {
		n, err := s.archiveBatch(ctx, table, history, cutoffMs)
		if err != nil {
			s.writeArchiveAudit(ctx, table, fromMs, cutoffMs, moved, traceID, "ERROR", err.Error())
			return moved, err
		}
		if n == 0 {
			break
		}
		moved += n
	}

	s.writeArchiveAudit(ctx, table, fromMs, cutoffMs, moved, traceID, "OK", "")
	s.logger.Info("archive run finished", "table", table, "moved", moved, "cutoff_ms", cutoffMs)
	return moved, nil
}

// archiveBatch moves at most one open-time-bounded batch and returns how many
// rows it deleted from the source.
func (s *Store) archiveBatch(ctx context.Context, table, history string, cutoffMs int64) (int64, error) {
	// The bound is the open time of the batch-th oldest row; everything at or
	// below it moves in this pass.
	var boundMs int64
	err := s.db.GetContext(ctx, &boundMs, fmt.Sprintf(`
		SELECT open_time_ms FROM %s
		WHERE open_time_ms < $1
		ORDER BY open_time_ms
		OFFSET $2 LIMIT 1`, table), cutoffMs, archiveBatchSize-1)
	if errors.Is(err, sql.ErrNoRows) {
		boundMs = cutoffMs - 1
	} else if err != nil {
		return 0, fmt.Errorf("batch bound: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("batch begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s SELECT * FROM %s
		WHERE open_time_ms <= $1 AND open_time_ms < $2
		ON CONFLICT DO NOTHING`, history, table), boundMs, cutoffMs); err != nil {
		return 0, fmt.Errorf("batch insert: %w", err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE open_time_ms <= $1 AND open_time_ms < $2`, table), boundMs, cutoffMs)
	if err != nil {
		return 0, fmt.Errorf("batch delete: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("batch rows: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("batch commit: %w", err)
	}
	return deleted, nil
}

func (s *Store) writeArchiveAudit(ctx context.Context, table string, fromMs, toMs, moved int64, traceID, status, message string) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_audit (table_name, from_open_time, to_open_time, moved_rows, trace_id, status, message)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		table, fromMs, toMs, moved, traceID, status, message)
	if err != nil {
		s.logger.Error("archive audit write failed", "table", table, "error", err)
	}
}
