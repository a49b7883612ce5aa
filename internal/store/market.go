package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"asv8/pkg/types"
)

// UpsertCandles inserts closed bars, skipping rows already present. Returns
// how many rows were new.
func (s *Store) UpsertCandles(ctx context.Context, candles []types.Candle) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("upsert candles: begin: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for _, c := range candles {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO market_data (symbol, interval, open_time_ms, open, high, low, close, volume, close_time_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (symbol, interval, open_time_ms) DO NOTHING`,
			c.Symbol, c.Interval, c.OpenTimeMs, c.Open, c.High, c.Low, c.Close, c.Volume, c.CloseTimeMs)
		if err != nil {
			return 0, fmt.Errorf("upsert candle %s/%d: %w", c.Symbol, c.OpenTimeMs, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("upsert candle rows: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("upsert candles: commit: %w", err)
	}
	return inserted, nil
}

// LatestOpenTime returns the newest stored bar open for a series, 0 when the
// series is empty.
func (s *Store) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error) {
	var openMs int64
	err := s.db.GetContext(ctx, &openMs, `
		SELECT COALESCE(MAX(open_time_ms), 0) FROM market_data
		WHERE symbol = $1 AND interval = $2`, symbol, interval)
	if err != nil {
		return 0, fmt.Errorf("latest open time: %w", err)
	}
	return openMs, nil
}

// OpenTimesBetween returns stored bar opens in [fromMs, toMs], ascending.
// Gap detection walks this against the expected grid.
func (s *Store) OpenTimesBetween(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]int64, error) {
	var opens []int64
	err := s.db.SelectContext(ctx, &opens, `
		SELECT open_time_ms FROM market_data
		WHERE symbol = $1 AND interval = $2 AND open_time_ms BETWEEN $3 AND $4
		ORDER BY open_time_ms`, symbol, interval, fromMs, toMs)
	if err != nil {
		return nil, fmt.Errorf("open times between: %w", err)
	}
	return opens, nil
}

// CandlesEndingAt returns the n candles up to and including the bar opened at
// endOpenMs, ascending. Indicator computation needs this trailing window.
func (s *Store) CandlesEndingAt(ctx context.Context, symbol, interval string, endOpenMs int64, n int) ([]types.Candle, error) {
	var candles []types.Candle
	err := s.db.SelectContext(ctx, &candles, `
		SELECT * FROM (
			SELECT * FROM market_data
			WHERE symbol = $1 AND interval = $2 AND open_time_ms <= $3
			ORDER BY open_time_ms DESC
			LIMIT $4
		) w ORDER BY open_time_ms`, symbol, interval, endOpenMs, n)
	if err != nil {
		return nil, fmt.Errorf("candles ending at %d: %w", endOpenMs, err)
	}
	return candles, nil
}

// UpsertFeatureRow writes one feature cache row. Rows are deterministic per
// (bar, version), so an existing row is left untouched.
func (s *Store) UpsertFeatureRow(ctx context.Context, row *types.FeatureRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO market_data_cache (symbol, interval, open_time_ms, feature_version, features_json)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (symbol, interval, open_time_ms, feature_version) DO NOTHING`,
		row.Symbol, row.Interval, row.OpenTimeMs, row.FeatureVersion, row.FeaturesJSON)
	if err != nil {
		return fmt.Errorf("upsert feature row %s/%d: %w", row.Symbol, row.OpenTimeMs, err)
	}
	return nil
}

// FeatureRowAt fetches the cache row for one bar at one version, nil when the
// cache has no row (caller decides whether that is stale).
func (s *Store) FeatureRowAt(ctx context.Context, symbol, interval string, openTimeMs int64, version int) (*types.FeatureRow, error) {
	var row types.FeatureRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM market_data_cache
		WHERE symbol = $1 AND interval = $2 AND open_time_ms = $3 AND feature_version = $4`,
		symbol, interval, openTimeMs, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("feature row at %d: %w", openTimeMs, err)
	}
	return &row, nil
}

// LastTwoFeatureRows returns the newest two cache rows for a series at one
// version, newest first. The entry evaluator needs the closed bar and the one
// before it; fewer than two rows means the cache is not warm yet.
func (s *Store) LastTwoFeatureRows(ctx context.Context, symbol, interval string, version int) ([]types.FeatureRow, error) {
	var rows []types.FeatureRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM market_data_cache
		WHERE symbol = $1 AND interval = $2 AND feature_version = $3
		ORDER BY open_time_ms DESC
		LIMIT 2`, symbol, interval, version)
	if err != nil {
		return nil, fmt.Errorf("last two feature rows: %w", err)
	}
	return rows, nil
}

// EnqueuePrecomputeTasks inserts PENDING back-fill tasks, one per missing
// bar. Tasks already queued for the same (bar, version) are skipped.
func (s *Store) EnqueuePrecomputeTasks(ctx context.Context, tasks []types.PrecomputeTask) (int64, error) {
	if len(tasks) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("enqueue tasks: begin: %w", err)
	}
	defer tx.Rollback()

	var inserted int64
	for _, t := range tasks {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO precompute_tasks (symbol, interval, open_time_ms, feature_version, status, trace_id)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (symbol, interval, open_time_ms, feature_version) DO NOTHING`,
			t.Symbol, t.Interval, t.OpenTimeMs, t.FeatureVersion, types.TaskPending, t.TraceID)
		if err != nil {
			return 0, fmt.Errorf("enqueue task %s/%d: %w", t.Symbol, t.OpenTimeMs, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("enqueue task rows: %w", err)
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("enqueue tasks: commit: %w", err)
	}
	return inserted, nil
}

// PendingPrecomputeTasks returns up to limit open tasks, oldest first. Tasks
// that already failed stay eligible; try_count records the attempts.
func (s *Store) PendingPrecomputeTasks(ctx context.Context, limit int) ([]types.PrecomputeTask, error) {
	var tasks []types.PrecomputeTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT * FROM precompute_tasks
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, types.TaskPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending precompute tasks: %w", err)
	}
	return tasks, nil
}

// CompletePrecomputeTask marks one task DONE.
func (s *Store) CompletePrecomputeTask(ctx context.Context, t *types.PrecomputeTask) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE precompute_tasks
		SET status = $1, try_count = try_count + 1, last_error = NULL, updated_at = now()
		WHERE symbol = $2 AND interval = $3 AND open_time_ms = $4 AND feature_version = $5`,
		types.TaskDone, t.Symbol, t.Interval, t.OpenTimeMs, t.FeatureVersion)
	if err != nil {
		return fmt.Errorf("complete task %s/%d: %w", t.Symbol, t.OpenTimeMs, err)
	}
	return nil
}

// FailPrecomputeTask bumps try_count and records the error. Status returns to
// PENDING so the next sweep retries it; callers park tasks in ERROR once the
// retry budget is spent.
func (s *Store) FailPrecomputeTask(ctx context.Context, t *types.PrecomputeTask, taskErr error, final bool) error {
	status := types.TaskPending
	if final {
		status = types.TaskError
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE precompute_tasks
		SET status = $1, try_count = try_count + 1, last_error = $2, updated_at = now()
		WHERE symbol = $3 AND interval = $4 AND open_time_ms = $5 AND feature_version = $6`,
		status, taskErr.Error(), t.Symbol, t.Interval, t.OpenTimeMs, t.FeatureVersion)
	if err != nil {
		return fmt.Errorf("fail task %s/%d: %w", t.Symbol, t.OpenTimeMs, err)
	}
	return nil
}
