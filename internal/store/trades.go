package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"asv8/pkg/types"
)

// InsertTradeLog opens the lifecycle row for a new position and returns its id.
func (s *Store) InsertTradeLog(ctx context.Context, t *types.TradeLog) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, `
		INSERT INTO trade_logs (
			symbol, side, qty, leverage, entry_price, stop_price, stop_dist_pct,
			client_order_id, exchange_order_id, robot_score, ai_prob,
			open_reason_code, open_reason, features_json, entry_time_ms, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING id`,
		t.Symbol, t.Side, t.Qty, t.Leverage, t.EntryPrice, t.StopPrice, t.StopDistPct,
		t.ClientOrderID, t.ExchangeOrderID, t.RobotScore, t.AiProb,
		t.OpenReasonCode, t.OpenReason, t.FeaturesJSON, t.EntryTimeMs, types.TradeOpen)
	if err != nil {
		return 0, fmt.Errorf("insert trade log %s: %w", t.ClientOrderID, err)
	}
	return id, nil
}

// CloseTradeLog completes an open trade with its exit fill and close reason.
func (s *Store) CloseTradeLog(ctx context.Context, id int64, exitPrice, pnl decimal.Decimal, exitTimeMs int64, reasonCode types.ReasonCode, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trade_logs
		SET status = $1, exit_price = $2, pnl = $3, exit_time_ms = $4,
		    close_reason_code = $5, close_reason = $6
		WHERE id = $7 AND status = $8`,
		types.TradeClosed, exitPrice, pnl, exitTimeMs, reasonCode, reason, id, types.TradeOpen)
	if err != nil {
		return fmt.Errorf("close trade log %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close trade log rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("close trade log %d: no open trade", id)
	}
	return nil
}

// OpenTrade returns the open trade for a symbol, nil when flat.
func (s *Store) OpenTrade(ctx context.Context, symbol string) (*types.TradeLog, error) {
	var t types.TradeLog
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM trade_logs
		WHERE symbol = $1 AND status = $2
		ORDER BY id DESC LIMIT 1`, symbol, types.TradeOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open trade for %s: %w", symbol, err)
	}
	return &t, nil
}

// OpenTrades returns every open trade across symbols.
func (s *Store) OpenTrades(ctx context.Context) ([]types.TradeLog, error) {
	var trades []types.TradeLog
	err := s.db.SelectContext(ctx, &trades, `
		SELECT * FROM trade_logs WHERE status = $1 ORDER BY id`, types.TradeOpen)
	if err != nil {
		return nil, fmt.Errorf("open trades: %w", err)
	}
	return trades, nil
}

// SavePositionSnapshot appends one inventory record.
func (s *Store) SavePositionSnapshot(ctx context.Context, snap *types.PositionSnapshot) error {
	if len(snap.MetaJSON) == 0 {
		snap.MetaJSON = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO position_snapshots (symbol, base_qty, avg_entry_price, meta_json)
		VALUES ($1,$2,$3,$4)`,
		snap.Symbol, snap.BaseQty, snap.AvgEntryPrice, snap.MetaJSON)
	if err != nil {
		return fmt.Errorf("save position snapshot %s: %w", snap.Symbol, err)
	}
	return nil
}

// SaveAIModel persists a scorer snapshot and flips is_current to it in the
// same transaction, so readers always see exactly one current row per model.
func (s *Store) SaveAIModel(ctx context.Context, m *types.AIModel) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save ai model: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE ai_models SET is_current = false
		WHERE model_name = $1 AND is_current`, m.ModelName); err != nil {
		return fmt.Errorf("save ai model: clear current: %w", err)
	}
	if len(m.MetricsJSON) == 0 {
		m.MetricsJSON = []byte(`{}`)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ai_models (model_name, impl, version, metrics_json, blob, is_current)
		VALUES ($1,$2,$3,$4,$5,true)`,
		m.ModelName, m.Impl, m.Version, m.MetricsJSON, m.Blob); err != nil {
		return fmt.Errorf("save ai model: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save ai model: commit: %w", err)
	}
	return nil
}

// CurrentAIModel returns the current snapshot for a model name, nil when the
// model has never been persisted (cold start).
func (s *Store) CurrentAIModel(ctx context.Context, modelName string) (*types.AIModel, error) {
	var m types.AIModel
	err := s.db.GetContext(ctx, &m, `
		SELECT * FROM ai_models
		WHERE model_name = $1 AND is_current
		LIMIT 1`, modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("current ai model %s: %w", modelName, err)
	}
	return &m, nil
}
