package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"asv8/internal/features"
	"asv8/internal/signal"
	"asv8/pkg/types"
)

// managePositions sweeps every open trade once per tick. Exits always run,
// halted or not: a halt blocks new risk, never protection of existing risk.
func (e *Engine) managePositions(ctx context.Context, traceID string, ctrl *ControlState) {
	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		e.recordLoopError(ctx, "", traceID, fmt.Errorf("open trades: %w", err))
		return
	}
	for i := range trades {
		if ctx.Err() != nil {
			return
		}
		t := &trades[i]
		if err := e.manageTrade(ctx, t, traceID, ctrl); err != nil {
			e.recordLoopError(ctx, t.Symbol, traceID, fmt.Errorf("manage trade %d: %w", t.ID, err))
		}
	}
}

// manageTrade applies the exit rules to one open position, in priority
// order: emergency exit, stop loss, then take profit.
func (e *Engine) manageTrade(ctx context.Context, t *types.TradeLog, traceID string, ctrl *ControlState) error {
	if ctrl.EmergencyExit {
		if mark, err := e.markPrice(ctx, t.Symbol); err == nil {
			e.exch.ObserveMark(t.Symbol, mark)
		}
		return e.exitPosition(ctx, t, types.ReasonEmergencyExit, "emergency exit flag set", traceID)
	}

	stopID := types.StopOrderID(t.ClientOrderID)
	armed, err := e.store.HasOrderEvent(ctx, stopID, types.EventStopArmed)
	if err != nil {
		return fmt.Errorf("stop state %s: %w", stopID, err)
	}

	// An exchange-armed stop may have filled since the last sweep; the
	// event stream is behind the venue, so poll and settle.
	if armed {
		st, err := e.exch.GetOrder(ctx, t.Symbol, stopID)
		if err != nil {
			return fmt.Errorf("poll stop %s: %w", stopID, err)
		}
		if st.Filled() {
			e.appendEvent(ctx, &types.OrderEvent{
				TraceID:         traceID,
				Symbol:          t.Symbol,
				ClientOrderID:   stopID,
				ExchangeOrderID: nullString(st.ExchangeOrderID),
				EventType:       types.EventStopFilled,
				Side:            t.Side.Opposite(),
				Qty:             st.ExecutedQty,
				Price:           decimal.NewNullDecimal(st.AvgPrice),
				Status:          st.Status,
				ReasonCode:      types.ReasonStopLoss,
				Reason:          "protective stop filled",
				Action:          "STOP",
			})
			return e.closeTrade(ctx, t, st.AvgPrice, types.ReasonStopLoss, "protective stop filled", traceID)
		}
	}

	mark, err := e.markPrice(ctx, t.Symbol)
	if err != nil {
		return err
	}
	e.exch.ObserveMark(t.Symbol, mark)

	// Software stop: positions whose exchange stop never armed are
	// protected by this comparison until they close.
	if !armed && stopBreached(t, mark) {
		e.appendEvent(ctx, &types.OrderEvent{
			TraceID:       traceID,
			Symbol:        t.Symbol,
			ClientOrderID: stopID,
			EventType:     types.EventStopTriggered,
			Side:          t.Side.Opposite(),
			Qty:           t.Qty,
			Price:         decimal.NewNullDecimal(mark),
			Status:        "TRIGGERED",
			ReasonCode:    types.ReasonStopLoss,
			Reason:        fmt.Sprintf("software stop: mark %s crossed stop %s", mark, t.StopPrice),
			Action:        "STOP",
		})
		return e.exitPosition(ctx, t, types.ReasonStopLoss,
			fmt.Sprintf("software stop: mark %s crossed stop %s", mark, t.StopPrice), traceID)
	}

	if targetReached(t, mark, e.cfg.Strategy.TakeProfitRR) {
		return e.exitPosition(ctx, t, types.ReasonTakeProfit,
			fmt.Sprintf("mark %s reached profit target", mark), traceID)
	}
	return nil
}

// stopBreached reports whether the mark has crossed the protective stop.
func stopBreached(t *types.TradeLog, mark decimal.Decimal) bool {
	if t.Side == types.BUY {
		return mark.LessThanOrEqual(t.StopPrice)
	}
	return mark.GreaterThanOrEqual(t.StopPrice)
}

// targetReached reports whether the mark has crossed the profit target
// implied by the entry, the stop distance, and the reward multiple.
func targetReached(t *types.TradeLog, mark decimal.Decimal, rr float64) bool {
	entry, _ := t.EntryPrice.Float64()
	stop, _ := t.StopPrice.Float64()
	target := decimal.NewFromFloat(signal.TakeProfitPrice(entry, stop, rr))
	if t.Side == types.BUY {
		return mark.GreaterThanOrEqual(target)
	}
	return mark.LessThanOrEqual(target)
}

// exitPosition flattens one open trade with a reduce-only market order and
// settles the close. The exit id is derived from the entry id, so replays of
// an interrupted close converge instead of double-selling.
func (e *Engine) exitPosition(ctx context.Context, t *types.TradeLog, code types.ReasonCode, reason, traceID string) error {
	exitID := types.ExitOrderID(t.ClientOrderID)
	log := e.logger.With("symbol", t.Symbol, "trade_id", t.ID, "client_order_id", exitID, "trace_id", traceID)

	// A previous attempt may have filled before the process died; finish
	// the bookkeeping instead of submitting again.
	if prev, err := e.store.LatestEventFor(ctx, exitID); err != nil {
		return fmt.Errorf("exit state %s: %w", exitID, err)
	} else if prev != nil && prev.EventType == types.EventFilled {
		log.Warn("exit already filled, settling bookkeeping")
		return e.closeTrade(ctx, t, prev.Price.Decimal, code, reason, traceID)
	}

	side := t.Side.Opposite()
	err := e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        t.Symbol,
		ClientOrderID: exitID,
		EventType:     types.EventCreated,
		Side:          side,
		Qty:           t.Qty,
		Status:        "CREATED",
		ReasonCode:    code,
		Reason:        reason,
		Action:        "EXIT",
	})
	if err != nil {
		return fmt.Errorf("exit intent write: %w", err)
	}

	// Exits bypass the order breaker: flattening must stay possible while
	// the breaker is open and entries are halted.
	ack, err := e.exch.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        t.Symbol,
		Side:          side,
		Type:          "MARKET",
		Qty:           t.Qty,
		ClientOrderID: exitID,
		ReduceOnly:    true,
	})
	if err != nil {
		e.met.OrdersTotal.WithLabelValues(e.exch.Name(), t.Symbol, "error").Inc()
		e.recordOrderError(ctx, t.Symbol, exitID, traceID, "EXIT", err)
		return fmt.Errorf("place exit %s: %w", exitID, err)
	}
	e.met.OrdersTotal.WithLabelValues(e.exch.Name(), t.Symbol, "submitted").Inc()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         traceID,
		Symbol:          t.Symbol,
		ClientOrderID:   exitID,
		ExchangeOrderID: nullString(ack.ExchangeOrderID),
		EventType:       types.EventSubmitted,
		Side:            side,
		Qty:             t.Qty,
		Status:          ack.Status,
		ReasonCode:      code,
		Action:          "EXIT",
	})

	st, err := e.confirmFill(ctx, t.Symbol, exitID)
	if errors.Is(err, errConfirmTimeout) {
		e.appendEvent(ctx, &types.OrderEvent{
			TraceID:       traceID,
			Symbol:        t.Symbol,
			ClientOrderID: exitID,
			EventType:     types.EventError,
			Side:          side,
			Status:        "UNCONFIRMED",
			ReasonCode:    types.ReasonOrderConfirmTimeout,
			Reason:        fmt.Sprintf("exit unconfirmed within %s", e.cfg.Schedule.OrderConfirmTimeout()),
			Action:        "EXIT",
		})
		e.notifier.SendSystemAlert(ctx, string(types.ReasonOrderConfirmTimeout), traceID, map[string]string{
			"symbol":          t.Symbol,
			"client_order_id": exitID,
		})
		return fmt.Errorf("confirm exit %s: %w", exitID, err)
	}
	if err != nil {
		return fmt.Errorf("confirm exit %s: %w", exitID, err)
	}
	if !st.Filled() {
		return fmt.Errorf("exit %s ended %s without filling", exitID, st.Status)
	}

	e.met.OrdersTotal.WithLabelValues(e.exch.Name(), t.Symbol, "filled").Inc()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         traceID,
		Symbol:          t.Symbol,
		ClientOrderID:   exitID,
		ExchangeOrderID: nullString(st.ExchangeOrderID),
		EventType:       types.EventFilled,
		Side:            side,
		Qty:             st.ExecutedQty,
		Price:           decimal.NewNullDecimal(st.AvgPrice),
		Status:          st.Status,
		ReasonCode:      code,
		Reason:          reason,
		Action:          "EXIT",
	})

	// The armed stop is moot once the position is flat; drop it so it
	// cannot fire against nothing.
	stopID := types.StopOrderID(t.ClientOrderID)
	if armed, err := e.store.HasOrderEvent(ctx, stopID, types.EventStopArmed); err == nil && armed {
		if err := e.exch.CancelOrder(ctx, t.Symbol, stopID); err != nil {
			log.Warn("stop cancel failed after exit", "stop_id", stopID, "error", err)
		} else {
			e.appendEvent(ctx, &types.OrderEvent{
				TraceID:       traceID,
				Symbol:        t.Symbol,
				ClientOrderID: stopID,
				EventType:     types.EventCanceled,
				Side:          side,
				Status:        "CANCELED",
				ReasonCode:    code,
				Reason:        "parent position closed",
				Action:        "STOP",
			})
		}
	}

	return e.closeTrade(ctx, t, st.AvgPrice, code, reason, traceID)
}

// closeTrade settles the bookkeeping for a flattened position: trade log,
// snapshot, metrics, online learning, and the operator alert.
func (e *Engine) closeTrade(ctx context.Context, t *types.TradeLog, exitPrice decimal.Decimal, code types.ReasonCode, reason, traceID string) error {
	pnl := pnlFor(t, exitPrice)
	if err := e.store.CloseTradeLog(ctx, t.ID, exitPrice, pnl, e.clk.Now().UnixMilli(), code, reason); err != nil {
		return fmt.Errorf("close trade %d: %w", t.ID, err)
	}

	e.snapshotPosition(ctx, t.Symbol, decimal.Zero, decimal.Decimal{}, map[string]any{
		"note":        "close",
		"trade_id":    t.ID,
		"reason_code": code,
		"trace_id":    traceID,
	})

	e.met.TradesCloseTotal.WithLabelValues(t.Symbol, string(code)).Inc()
	pf, _ := pnl.Float64()
	e.met.TradeLastPnl.WithLabelValues(t.Symbol).Set(pf)

	e.learnFromTrade(ctx, t, pnl)

	e.notifier.SendTradeAlert(ctx, "TRADE_CLOSED", traceID, map[string]string{
		"symbol":      t.Symbol,
		"reason_code": string(code),
		"exit_price":  exitPrice.String(),
		"pnl":         pnl.StringFixed(4),
	})
	e.logger.Info("trade closed",
		"symbol", t.Symbol, "trade_id", t.ID, "reason_code", code,
		"exit_price", exitPrice, "pnl", pnl, "trace_id", traceID)
	return nil
}

// pnlFor is the realized profit of a closed position, before fees.
func pnlFor(t *types.TradeLog, exit decimal.Decimal) decimal.Decimal {
	diff := exit.Sub(t.EntryPrice)
	if t.Side == types.SELL {
		diff = diff.Neg()
	}
	return diff.Mul(t.Qty)
}

// learnFromTrade feeds the realized outcome back into the online scorer.
func (e *Engine) learnFromTrade(ctx context.Context, t *types.TradeLog, pnl decimal.Decimal) {
	var f types.Features
	if err := json.Unmarshal(t.FeaturesJSON, &f); err != nil || len(f.X) == 0 {
		e.logger.Warn("entry features unavailable, skipping online update",
			"trade_id", t.ID, "error", err)
		return
	}
	label := 0
	if pnl.IsPositive() {
		label = 1
	}
	e.model.Learn(ctx, f.X, label)
	e.met.AITrainingTotal.WithLabelValues(t.Symbol).Inc()
}

// markPrice is the close of the newest cached bar, the engine's reference
// price between ticks.
func (e *Engine) markPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	rows, err := e.store.LastTwoFeatureRows(ctx, symbol, e.cfg.Trading.Timeframe, e.cfg.Features.Version)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("mark price %s: %w", symbol, err)
	}
	if len(rows) == 0 {
		return decimal.Decimal{}, fmt.Errorf("mark price %s: no cached bars", symbol)
	}
	f, err := features.Decode(&rows[0])
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromFloat(f.Close), nil
}

// snapshotPosition appends one inventory record; failures are logged only.
func (e *Engine) snapshotPosition(ctx context.Context, symbol string, qty, avgEntry decimal.Decimal, meta map[string]any) {
	snap := &types.PositionSnapshot{
		Symbol:   symbol,
		BaseQty:  qty,
		MetaJSON: types.MarshalScrubbed(meta),
	}
	if !avgEntry.IsZero() {
		snap.AvgEntryPrice = decimal.NewNullDecimal(avgEntry)
	}
	if err := e.store.SavePositionSnapshot(ctx, snap); err != nil {
		e.logger.Error("position snapshot failed", "symbol", symbol, "error", err)
	}
}

// runUpdates consumes the user-data stream and folds order pushes into the
// event stream. Stop fills settle their parent trade immediately instead of
// waiting for the next sweep.
func (e *Engine) runUpdates() {
	for {
		select {
		case <-e.ctx.Done():
			return
		case upd, ok := <-e.updates:
			if !ok {
				return
			}
			e.handleOrderUpdate(upd)
		}
	}
}

func (e *Engine) handleOrderUpdate(upd types.OrderUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	et, known := eventForStatus(upd.Status)
	if !known {
		e.logger.Debug("order update ignored", "client_order_id", upd.ClientOrderID, "status", upd.Status)
		return
	}

	traceID := types.NewTraceID("ustream")
	parent, isStop := types.ParentOfStopOrderID(upd.ClientOrderID)
	if isStop && upd.Status == "FILLED" {
		et = types.EventStopFilled
	}

	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         traceID,
		Symbol:          upd.Symbol,
		ClientOrderID:   upd.ClientOrderID,
		ExchangeOrderID: nullString(upd.ExchangeOrderID),
		EventType:       et,
		Side:            upd.Side,
		Qty:             upd.ExecutedQty,
		Price:           decimal.NewNullDecimal(upd.AvgPrice),
		Status:          upd.Status,
		ReasonCode:      types.ReasonSystem,
		Reason:          "user stream push",
		Action:          "STREAM",
	})

	if !isStop || upd.Status != "FILLED" {
		return
	}

	t, err := e.store.OpenTrade(ctx, upd.Symbol)
	if err != nil {
		e.logger.Error("stop fill settle failed", "symbol", upd.Symbol, "error", err)
		return
	}
	if t == nil || t.ClientOrderID != parent {
		e.logger.Warn("stop fill without matching open trade",
			"symbol", upd.Symbol, "client_order_id", upd.ClientOrderID)
		return
	}
	if err := e.closeTrade(ctx, t, upd.AvgPrice, types.ReasonStopLoss, "protective stop filled", traceID); err != nil {
		e.logger.Error("stop fill close failed", "trade_id", t.ID, "error", err)
	}
}
