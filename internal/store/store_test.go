package store

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

// fixedClock pins Now for deterministic timestamp stamping.
type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 3, 14, 7, 15, 3, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewWithDB(db, fixedClock{now: testNow}, testLogger()), mock
}

func expectMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	raw := `-- bootstrap tables
CREATE TABLE a (
	id BIGINT PRIMARY KEY -- surrogate key
);

/* index block
   spans lines */
CREATE INDEX idx_a ON a (id);
`
	stmts := splitStatements(raw)
	if len(stmts) != 2 {
		t.Fatalf("statements = %d, want 2: %q", len(stmts), stmts)
	}
	if got, want := firstLine(stmts[0]), "CREATE TABLE a ("; got != want {
		t.Errorf("first statement starts %q, want %q", got, want)
	}
	if got, want := stmts[1], "CREATE INDEX idx_a ON a (id)"; got != want {
		t.Errorf("second statement = %q, want %q", got, want)
	}
}

func TestSplitStatementsCommentOnly(t *testing.T) {
	t.Parallel()
	if stmts := splitStatements("-- nothing here\n/* or here */"); len(stmts) != 0 {
		t.Errorf("statements = %q, want none", stmts)
	}
}

func TestApplyMigrationOneTransaction(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX idx_widgets").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("0099_widgets.sql").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	raw := "-- widgets\nCREATE TABLE widgets (id INT);\nCREATE INDEX idx_widgets ON widgets (id);"
	if err := s.applyMigration(context.Background(), "0099_widgets.sql", raw); err != nil {
		t.Fatalf("applyMigration: %v", err)
	}
	expectMet(t, mock)
}

func TestApplyMigrationRollsBackOnFailure(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE widgets").WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	err := s.applyMigration(context.Background(), "0099_widgets.sql", "CREATE TABLE widgets (id INT);")
	if err == nil {
		t.Fatal("applyMigration succeeded, want error")
	}
	expectMet(t, mock)
}

func TestMigrateSkipsApplied(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("0001_init.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("0002_archive.sql").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	expectMet(t, mock)
}
