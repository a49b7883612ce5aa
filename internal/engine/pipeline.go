package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"asv8/internal/exchange"
	"asv8/internal/features"
	"asv8/internal/lock"
	"asv8/internal/risk"
	"asv8/internal/signal"
	"asv8/pkg/types"
)

// qtyScale is the decimal precision quantities are rounded to before
// submission. Futures lot filters are coarser than this for every symbol in
// the default universe.
const qtyScale = 3

var errConfirmTimeout = errors.New("order confirmation timed out")

// entryPlan carries one approved entry from sizing to the exchange.
type entryPlan struct {
	symbol     string
	clientID   string
	traceID    string
	qty        decimal.Decimal
	entryHint  decimal.Decimal
	stopPrice  decimal.Decimal
	sizing     risk.Sizing
	decision   signal.Decision
	feats      *types.Features
	barCloseTs int64
}

// enterSymbol is the per-symbol entry pipeline for one closed bar.
func (e *Engine) enterSymbol(ctx context.Context, symbol string, barMs int64, equity float64, traceID string) error {
	log := e.logger.With("symbol", symbol, "trace_id", traceID)

	// 1. One decision per symbol across instances: take the trade lock and
	//    skip quietly when another holder is already deciding.
	lease, err := e.locker.Acquire(ctx, symbol, e.cfg.Trading.LockTTL())
	if errors.Is(err, lock.ErrLockHeld) {
		log.Info("trade lock held elsewhere, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("trade lock %s: %w", symbol, err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := lease.Release(rctx); err != nil {
			log.Warn("trade lock release failed", "error", err)
		}
	}()

	// 2. Never stack entries: an open trade is managed by the exit sweep.
	open, err := e.store.OpenTrade(ctx, symbol)
	if err != nil {
		return fmt.Errorf("open trade check %s: %w", symbol, err)
	}
	if open != nil {
		log.Debug("position already open", "trade_id", open.ID)
		return nil
	}

	// 3. Read the two newest cached bars; refuse to trade on stale data.
	curr, prev, err := e.latestFeatures(ctx, symbol, barMs)
	if errors.Is(err, features.ErrStale) {
		e.recordSkip(ctx, symbol, traceID, types.ReasonStaleCache, err.Error())
		return nil
	}
	if err != nil {
		return err
	}

	// 4. Score the bar and evaluate the entry template.
	aiScore := e.model.Score(curr.X)
	e.met.AIPredictionsTotal.WithLabelValues(symbol).Inc()
	dec := signal.EvaluateSetupB(curr, prev, aiScore, e.cfg.Strategy)
	if !dec.Long {
		log.Debug("no entry",
			"reason", dec.Reason, "robot_score", dec.RobotScore, "ai_score", aiScore)
		return nil
	}
	log.Info("entry signal",
		"reason_code", dec.ReasonCode, "robot_score", dec.RobotScore, "ai_score", aiScore)

	// 5. Mint the idempotency key and dedupe across restarts before any
	//    sizing or exchange work. The decision bar closes at this tick's
	//    bar open.
	barCloseTs := barMs / 1000
	id := types.NewClientOrderID(symbol, types.BUY, e.cfg.Trading.Timeframe, barCloseTs, traceID)
	prefix := types.EntryIDPrefix(symbol, types.BUY, e.cfg.Trading.Timeframe, barCloseTs)
	seen, err := e.store.EntryEventExists(ctx, prefix)
	if err != nil {
		return fmt.Errorf("entry dedupe %s: %w", symbol, err)
	}
	if seen {
		log.Warn("entry already attempted for this bar, skipping", "id_prefix", prefix)
		return nil
	}

	// 6. Size within the risk budget; rejections are recorded, not retried.
	stop := signal.StopPrice(curr.Close, curr.Atr, e.cfg.Strategy.StopAtrMult)
	sz := e.sizer.Size(equity, dec.RobotScore, aiScore, e.model.ColdStart(), curr.Close, stop)
	if !sz.Approved {
		log.Warn("entry rejected by risk budget", "reason", sz.Reason)
		return e.appendEvent(ctx, &types.OrderEvent{
			TraceID:       traceID,
			Symbol:        symbol,
			ClientOrderID: id.String(),
			EventType:     types.EventRejected,
			Side:          types.BUY,
			Status:        "REJECTED",
			ReasonCode:    sz.ReasonCode,
			Reason:        sz.Reason,
			Action:        "ENTRY",
			RawPayloadJSON: types.MarshalScrubbed(map[string]any{
				"equity": equity, "margin_usd": sz.MarginUSD, "stop_dist_pct": sz.StopDistPct,
			}),
		})
	}

	plan := entryPlan{
		symbol:     symbol,
		clientID:   id.String(),
		traceID:    traceID,
		qty:        decimal.NewFromFloat(sz.Qty).Round(qtyScale),
		entryHint:  decimal.NewFromFloat(curr.Close),
		stopPrice:  decimal.NewFromFloat(stop),
		sizing:     sz,
		decision:   dec,
		feats:      curr,
		barCloseTs: barCloseTs,
	}
	if plan.qty.IsZero() {
		log.Warn("sized quantity rounds to zero, skipping", "qty", sz.Qty)
		return nil
	}

	// 7. Dry-run gate: evaluate and log, but never submit.
	if !e.cfg.Trading.EnableTrading {
		log.Info("dry run, entry suppressed",
			"client_order_id", plan.clientID, "qty", plan.qty, "leverage", sz.Leverage,
			"entry", plan.entryHint, "stop", plan.stopPrice)
		return nil
	}

	return e.openPosition(ctx, plan)
}

// openPosition submits one approved entry and settles its bookkeeping.
func (e *Engine) openPosition(ctx context.Context, p entryPlan) error {
	log := e.logger.With("symbol", p.symbol, "trace_id", p.traceID, "client_order_id", p.clientID)

	// 8. CREATED is the intent record: it must land before any exchange
	//    call so a crash can never leave an untracked order.
	err := e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       p.traceID,
		Symbol:        p.symbol,
		ClientOrderID: p.clientID,
		EventType:     types.EventCreated,
		Side:          types.BUY,
		Qty:           p.qty,
		Price:         decimal.NewNullDecimal(p.entryHint),
		Status:        "CREATED",
		ReasonCode:    p.decision.ReasonCode,
		Reason:        p.decision.Reason,
		Action:        "ENTRY",
		RawPayloadJSON: types.MarshalScrubbed(map[string]any{
			"robot_score": p.decision.RobotScore,
			"ai_score":    p.decision.AIScore,
			"margin_usd":  p.sizing.MarginUSD,
			"leverage":    p.sizing.Leverage,
			"risk_usd":    p.sizing.RiskUSD,
			"amplified":   p.sizing.Amplified,
		}),
	})
	if err != nil {
		return fmt.Errorf("entry intent write: %w", err)
	}

	// 9. Leverage, then the market order, both through the circuit breaker.
	//    The paper venue fills at the last observed mark.
	e.exch.ObserveMark(p.symbol, p.entryHint)
	err = e.breaker.Exec(func() error {
		return e.exch.SetLeverage(ctx, p.symbol, p.sizing.Leverage)
	})
	if err != nil {
		e.recordOrderError(ctx, p.symbol, p.clientID, p.traceID, "ENTRY", fmt.Errorf("set leverage: %w", err))
		return fmt.Errorf("set leverage %s: %w", p.symbol, err)
	}

	var ack *types.OrderAck
	err = e.breaker.Exec(func() error {
		var perr error
		ack, perr = e.exch.PlaceOrder(ctx, types.OrderRequest{
			Symbol:        p.symbol,
			Side:          types.BUY,
			Type:          "MARKET",
			Qty:           p.qty,
			ClientOrderID: p.clientID,
		})
		return perr
	})
	if err != nil {
		e.met.OrdersTotal.WithLabelValues(e.exch.Name(), p.symbol, "error").Inc()
		e.recordOrderError(ctx, p.symbol, p.clientID, p.traceID, "ENTRY", err)
		return fmt.Errorf("place order %s: %w", p.clientID, err)
	}

	e.met.OrdersTotal.WithLabelValues(e.exch.Name(), p.symbol, "submitted").Inc()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         p.traceID,
		Symbol:          p.symbol,
		ClientOrderID:   p.clientID,
		ExchangeOrderID: nullString(ack.ExchangeOrderID),
		EventType:       types.EventSubmitted,
		Side:            types.BUY,
		Qty:             p.qty,
		Status:          ack.Status,
		ReasonCode:      p.decision.ReasonCode,
		Action:          "ENTRY",
		RawPayloadJSON:  types.MarshalScrubbed(ack.Raw),
	})

	// 10. Poll until the fill confirms or the deadline passes. An
	//     unconfirmed order is never assumed dead; reconciliation owns it.
	st, err := e.confirmFill(ctx, p.symbol, p.clientID)
	if errors.Is(err, errConfirmTimeout) {
		e.appendEvent(ctx, &types.OrderEvent{
			TraceID:       p.traceID,
			Symbol:        p.symbol,
			ClientOrderID: p.clientID,
			EventType:     types.EventError,
			Side:          types.BUY,
			Status:        "UNCONFIRMED",
			ReasonCode:    types.ReasonOrderConfirmTimeout,
			Reason:        fmt.Sprintf("no terminal state within %s", e.cfg.Schedule.OrderConfirmTimeout()),
			Action:        "ENTRY",
		})
		e.notifier.SendSystemAlert(ctx, string(types.ReasonOrderConfirmTimeout), p.traceID, map[string]string{
			"symbol":          p.symbol,
			"client_order_id": p.clientID,
		})
		return fmt.Errorf("confirm %s: %w", p.clientID, err)
	}
	if err != nil {
		return fmt.Errorf("confirm %s: %w", p.clientID, err)
	}
	if !st.Filled() {
		et, _ := eventForStatus(st.Status)
		e.appendEvent(ctx, &types.OrderEvent{
			TraceID:         p.traceID,
			Symbol:          p.symbol,
			ClientOrderID:   p.clientID,
			ExchangeOrderID: nullString(st.ExchangeOrderID),
			EventType:       et,
			Side:            types.BUY,
			Qty:             st.ExecutedQty,
			Status:          st.Status,
			ReasonCode:      types.ReasonExchangeError,
			Reason:          fmt.Sprintf("entry ended %s without filling", st.Status),
			Action:          "ENTRY",
		})
		log.Warn("entry did not fill", "status", st.Status)
		return nil
	}

	e.met.OrdersTotal.WithLabelValues(e.exch.Name(), p.symbol, "filled").Inc()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         p.traceID,
		Symbol:          p.symbol,
		ClientOrderID:   p.clientID,
		ExchangeOrderID: nullString(st.ExchangeOrderID),
		EventType:       types.EventFilled,
		Side:            types.BUY,
		Qty:             st.ExecutedQty,
		Price:           decimal.NewNullDecimal(st.AvgPrice),
		Status:          st.Status,
		ReasonCode:      p.decision.ReasonCode,
		Action:          "ENTRY",
		RawPayloadJSON:  types.MarshalScrubbed(st.Raw),
	})

	// 11. The durable trade record plus an inventory snapshot.
	trade := &types.TradeLog{
		Symbol:          p.symbol,
		Side:            types.BUY,
		Qty:             st.ExecutedQty,
		Leverage:        p.sizing.Leverage,
		EntryPrice:      st.AvgPrice,
		StopPrice:       p.stopPrice,
		StopDistPct:     decimal.NewFromFloat(p.sizing.StopDistPct),
		ClientOrderID:   p.clientID,
		ExchangeOrderID: nullString(st.ExchangeOrderID),
		RobotScore:      p.decision.RobotScore,
		AiProb:          nullFloat(p.decision.AIScore / 100),
		OpenReasonCode:  p.decision.ReasonCode,
		OpenReason:      p.decision.Reason,
		FeaturesJSON:    types.MarshalScrubbed(p.feats),
		EntryTimeMs:     e.clk.Now().UnixMilli(),
		Status:          types.TradeOpen,
	}
	tradeID, err := e.store.InsertTradeLog(ctx, trade)
	if err != nil {
		return fmt.Errorf("trade log %s: %w", p.clientID, err)
	}
	trade.ID = tradeID
	e.met.TradesOpenTotal.WithLabelValues(p.symbol).Inc()

	e.snapshotPosition(ctx, p.symbol, st.ExecutedQty, st.AvgPrice, map[string]any{
		"note":            "entry",
		"trade_id":        tradeID,
		"client_order_id": p.clientID,
		"trace_id":        p.traceID,
	})

	// 12. Arm the protective stop; failure falls back to the software stop.
	e.armStop(ctx, p, st)

	e.notifier.SendTradeAlert(ctx, "TRADE_OPENED", p.traceID, map[string]string{
		"symbol":      p.symbol,
		"side":        string(types.BUY),
		"qty":         st.ExecutedQty.String(),
		"entry_price": st.AvgPrice.String(),
		"stop_price":  p.stopPrice.String(),
		"leverage":    fmt.Sprintf("%d", p.sizing.Leverage),
		"robot_score": fmt.Sprintf("%.1f", p.decision.RobotScore),
		"ai_score":    fmt.Sprintf("%.1f", p.decision.AIScore),
	})
	log.Info("trade opened",
		"trade_id", tradeID, "qty", st.ExecutedQty, "entry", st.AvgPrice,
		"stop", p.stopPrice, "leverage", p.sizing.Leverage)
	return nil
}

// armStop places the reduce-only stop order for a filled entry. When the
// venue refuses, the trade stays protected by the software stop in the exit
// sweep, and the fallback is recorded and alerted.
func (e *Engine) armStop(ctx context.Context, p entryPlan, fill *types.OrderState) {
	stopID := types.StopOrderID(p.clientID)

	var ack *types.OrderAck
	err := e.breaker.Exec(func() error {
		var serr error
		ack, serr = e.exch.SetStop(ctx, p.symbol, types.SELL, fill.ExecutedQty, p.stopPrice, stopID)
		return serr
	})
	if err != nil {
		e.logger.Error("stop arm failed, falling back to software stop",
			"symbol", p.symbol, "client_order_id", stopID, "error", err)
		e.appendEvent(ctx, &types.OrderEvent{
			TraceID:       p.traceID,
			Symbol:        p.symbol,
			ClientOrderID: stopID,
			EventType:     types.EventError,
			Side:          types.SELL,
			Qty:           fill.ExecutedQty,
			Price:         decimal.NewNullDecimal(p.stopPrice),
			Status:        "FALLBACK",
			ReasonCode:    types.ReasonStopArmFallback,
			Reason:        err.Error(),
			Action:        "STOP",
		})
		e.notifier.SendSystemAlert(ctx, string(types.ReasonStopArmFallback), p.traceID, map[string]string{
			"symbol":          p.symbol,
			"client_order_id": stopID,
			"stop_price":      p.stopPrice.String(),
		})
		return
	}

	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         p.traceID,
		Symbol:          p.symbol,
		ClientOrderID:   stopID,
		ExchangeOrderID: nullString(ack.ExchangeOrderID),
		EventType:       types.EventStopArmed,
		Side:            types.SELL,
		Qty:             fill.ExecutedQty,
		Price:           decimal.NewNullDecimal(p.stopPrice),
		Status:          ack.Status,
		ReasonCode:      types.ReasonStopLoss,
		Action:          "STOP",
	})
}

// confirmFill polls the venue until the order reaches a terminal state or
// the confirmation deadline passes.
func (e *Engine) confirmFill(ctx context.Context, symbol, clientID string) (*types.OrderState, error) {
	deadline := e.clk.Now().Add(e.cfg.Schedule.OrderConfirmTimeout())
	for {
		st, err := e.exch.GetOrder(ctx, symbol, clientID)
		if err == nil && st.Terminal() {
			return st, nil
		}
		if err != nil {
			e.logger.Warn("order poll failed", "client_order_id", clientID, "error", err)
		}
		if !e.clk.Now().Before(deadline) {
			return nil, errConfirmTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.confirmEvery):
		}
	}
}

// latestFeatures loads and decodes the two newest cached bars for a symbol.
// Anything older than the just-closed bar's window is reported as ErrStale.
func (e *Engine) latestFeatures(ctx context.Context, symbol string, barMs int64) (curr, prev *types.Features, err error) {
	rows, err := e.store.LastTwoFeatureRows(ctx, symbol, e.cfg.Trading.Timeframe, e.cfg.Features.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("feature rows %s: %w", symbol, err)
	}
	if len(rows) < 2 {
		return nil, nil, fmt.Errorf("%w: only %d cached bars for %s", features.ErrStale, len(rows), symbol)
	}
	if !features.Fresh(rows[0].OpenTimeMs, barMs, e.intervalMs) {
		return nil, nil, fmt.Errorf("%w: newest cached bar %d vs tick bar %d",
			features.ErrStale, rows[0].OpenTimeMs, barMs)
	}
	if curr, err = features.Decode(&rows[0]); err != nil {
		return nil, nil, err
	}
	if prev, err = features.Decode(&rows[1]); err != nil {
		return nil, nil, err
	}
	return curr, prev, nil
}

// recordSkip persists a non-error skip so degraded inputs stay auditable.
func (e *Engine) recordSkip(ctx context.Context, symbol, traceID string, code types.ReasonCode, detail string) {
	e.logger.Warn("entry skipped",
		"symbol", symbol, "reason_code", code, "detail", detail, "trace_id", traceID)
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        symbol,
		ClientOrderID: traceID,
		EventType:     types.EventError,
		Status:        "SKIPPED",
		ReasonCode:    code,
		Reason:        detail,
		Action:        "ENTRY",
	})
}

// recordOrderError writes the ERROR row for a failed exchange mutation,
// classifying the failure through the gateway's taxonomy.
func (e *Engine) recordOrderError(ctx context.Context, symbol, clientID, traceID, action string, orderErr error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
	}
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        symbol,
		ClientOrderID: clientID,
		EventType:     types.EventError,
		Status:        "ERROR",
		ReasonCode:    exchange.ReasonCodeFor(orderErr),
		Reason:        orderErr.Error(),
		Action:        action,
	})
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: f, Valid: true}
}
