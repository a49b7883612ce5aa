package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestArchiveTableMovesInBatches(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	const cutoff = int64(1_700_000_000_000)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))

	// Full batch: the 5000th oldest open time bounds the range.
	mock.ExpectQuery("SELECT open_time_ms FROM market_data").
		WithArgs(cutoff, archiveBatchSize-1).
		WillReturnRows(sqlmock.NewRows([]string{"open_time_ms"}).AddRow(int64(900)))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_data_history").
		WithArgs(int64(900), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5000))
	mock.ExpectExec("DELETE FROM market_data").
		WithArgs(int64(900), cutoff).
		WillReturnResult(sqlmock.NewResult(0, 5000))
	mock.ExpectCommit()

	// Short batch: fewer than 5000 rows left, bound falls back to the cutoff.
	mock.ExpectQuery("SELECT open_time_ms FROM market_data").
		WithArgs(cutoff, archiveBatchSize-1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_data_history").
		WithArgs(cutoff-1, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectExec("DELETE FROM market_data").
		WithArgs(cutoff-1, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 42))
	mock.ExpectCommit()

	// Empty batch ends the loop.
	mock.ExpectQuery("SELECT open_time_ms FROM market_data").
		WithArgs(cutoff, archiveBatchSize-1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_data_history").
		WithArgs(cutoff-1, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM market_data").
		WithArgs(cutoff-1, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	mock.ExpectExec("INSERT INTO archive_audit").
		WithArgs("market_data", int64(100), cutoff, int64(5042), "tr-7", "OK", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	moved, err := s.ArchiveTable(context.Background(), "market_data", cutoff, "tr-7")
	if err != nil {
		t.Fatalf("ArchiveTable: %v", err)
	}
	if moved != 5042 {
		t.Errorf("moved = %d, want 5042", moved)
	}
	expectMet(t, mock)
}

func TestArchiveTableRejectsUnknownTable(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)

	if _, err := s.ArchiveTable(context.Background(), "order_events", 1, "tr"); err == nil {
		t.Fatal("ArchiveTable accepted a non-archivable table")
	}
}

func TestArchiveTableRecordsFailure(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	const cutoff = int64(1_700_000_000_000)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(100)))
	mock.ExpectQuery("SELECT open_time_ms FROM market_data_cache").
		WithArgs(cutoff, archiveBatchSize-1).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO market_data_cache_history").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()
	mock.ExpectExec("INSERT INTO archive_audit").
		WithArgs("market_data_cache", int64(100), cutoff, int64(0), "tr-8", "ERROR", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	moved, err := s.ArchiveTable(context.Background(), "market_data_cache", cutoff, "tr-8")
	if err == nil {
		t.Fatal("ArchiveTable succeeded, want error")
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
	expectMet(t, mock)
}

func TestArchiveOldRowsCoversBothTables(t *testing.T) {
	t.Parallel()
	s, mock := newTestStore(t)

	const cutoff = int64(1_700_000_000_000)
	for _, table := range []string{"market_data", "market_data_cache"} {
		mock.ExpectQuery("SELECT COALESCE").
			WithArgs(cutoff).
			WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
		mock.ExpectQuery("SELECT open_time_ms FROM " + table).
			WithArgs(cutoff, archiveBatchSize-1).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO " + table + "_history").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("DELETE FROM " + table).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()
		mock.ExpectExec("INSERT INTO archive_audit").
			WithArgs(table, int64(0), cutoff, int64(0), "tr-9", "OK", "").
			WillReturnResult(sqlmock.NewResult(1, 1))
	}

	moved, err := s.ArchiveOldRows(context.Background(), cutoff, "tr-9")
	if err != nil {
		t.Fatalf("ArchiveOldRows: %v", err)
	}
	if len(moved) != 2 {
		t.Fatalf("len(moved) = %d, want 2", len(moved))
	}
	for table, n := range moved {
		if n != 0 {
			t.Errorf("moved[%s] = %d, want 0", table, n)
		}
	}
	expectMet(t, mock)
}
