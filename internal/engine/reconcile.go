package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"asv8/internal/exchange"
	"asv8/pkg/types"
)

// reconcile chases orders whose newest event is still CREATED or SUBMITTED
// after the configured age. Crashes and confirm timeouts leave such rows
// behind; the venue knows how those orders actually ended.
func (e *Engine) reconcile(ctx context.Context, traceID string) {
	e.met.ReconcileRunsTotal.Inc()

	cutoff := e.clk.Now().Add(-e.cfg.Schedule.ReconcileMaxAge())
	stale, err := e.store.StaleActiveOrders(ctx, cutoff, reconcileBatch)
	if err != nil {
		e.recordLoopError(ctx, "", traceID, fmt.Errorf("stale orders: %w", err))
		return
	}
	for i := range stale {
		if ctx.Err() != nil {
			return
		}
		e.reconcileOrder(ctx, &stale[i], traceID)
	}
}

// reconcileOrder resolves one stale submission against the venue and settles
// whatever bookkeeping its terminal state implies.
func (e *Engine) reconcileOrder(ctx context.Context, ev *types.OrderEvent, traceID string) {
	log := e.logger.With("symbol", ev.Symbol, "client_order_id", ev.ClientOrderID, "trace_id", traceID)

	st, err := e.exch.GetOrder(ctx, ev.Symbol, ev.ClientOrderID)
	if err != nil {
		// A terminal refusal means the venue has no such order: it never
		// arrived, or was already purged. Either way it is not live.
		var apiErr *exchange.APIError
		if errors.As(err, &apiErr) && apiErr.Category() == exchange.CategoryTerminal {
			e.settleUnknownOrder(ctx, ev, traceID, err)
			return
		}
		log.Warn("reconcile poll failed", "error", err)
		return
	}
	if !st.Terminal() {
		return
	}

	et, known := eventForStatus(st.Status)
	if !known {
		log.Warn("reconcile found unmapped status", "status", st.Status)
		return
	}

	_, isStop := types.ParentOfStopOrderID(ev.ClientOrderID)
	if isStop && st.Filled() {
		et = types.EventStopFilled
	}

	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:         traceID,
		Symbol:          ev.Symbol,
		ClientOrderID:   ev.ClientOrderID,
		ExchangeOrderID: nullString(st.ExchangeOrderID),
		EventType:       et,
		Side:            ev.Side,
		Qty:             st.ExecutedQty,
		Price:           decimal.NewNullDecimal(st.AvgPrice),
		Status:          st.Status,
		ReasonCode:      types.ReasonReconcile,
		Reason:          "terminal state recovered from venue",
		Action:          "RECONCILE",
	})
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        ev.Symbol,
		ClientOrderID: ev.ClientOrderID,
		EventType:     types.EventReconciled,
		Side:          ev.Side,
		Status:        st.Status,
		ReasonCode:    types.ReasonReconcile,
		Reason:        fmt.Sprintf("stale since %s, venue reports %s", ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"), st.Status),
		Action:        "RECONCILE",
	})
	e.met.ReconcileFixedTotal.WithLabelValues(ev.Symbol, st.Status).Inc()
	log.Info("stale order reconciled", "status", st.Status)

	if st.Filled() {
		e.settleReconciledFill(ctx, ev, st, traceID)
	}
}

// settleReconciledFill finishes the trade bookkeeping a fill implies when the
// process died between the fill and the write.
func (e *Engine) settleReconciledFill(ctx context.Context, ev *types.OrderEvent, st *types.OrderState, traceID string) {
	log := e.logger.With("symbol", ev.Symbol, "client_order_id", ev.ClientOrderID, "trace_id", traceID)

	open, err := e.store.OpenTrade(ctx, ev.Symbol)
	if err != nil {
		log.Error("reconcile settle failed", "error", err)
		return
	}

	// Stop fill: the parent position is flat on the venue; close its book.
	if parent, ok := types.ParentOfStopOrderID(ev.ClientOrderID); ok {
		if open != nil && open.ClientOrderID == parent {
			if err := e.closeTrade(ctx, open, st.AvgPrice, types.ReasonStopLoss,
				"stop fill recovered by reconciliation", traceID); err != nil {
				log.Error("reconcile close failed", "trade_id", open.ID, "error", err)
			}
		}
		return
	}

	// Exit fill: same crash window, one step later in the close path.
	if parent, ok := types.ParentOfExitOrderID(ev.ClientOrderID); ok {
		if open != nil && open.ClientOrderID == parent {
			code := ev.ReasonCode
			if code == "" {
				code = types.ReasonReconcile
			}
			if err := e.closeTrade(ctx, open, st.AvgPrice, code,
				"exit fill recovered by reconciliation", traceID); err != nil {
				log.Error("reconcile close failed", "trade_id", open.ID, "error", err)
			}
		}
		return
	}

	// Entry fill with no matching trade row: there is a live position no
	// book tracks. That needs a human, not an invented record.
	if open == nil || open.ClientOrderID != ev.ClientOrderID {
		log.Error("filled entry has no trade log, manual intervention required")
		e.notifier.SendSystemAlert(ctx, string(types.ReasonReconcile), traceID, map[string]string{
			"symbol":          ev.Symbol,
			"client_order_id": ev.ClientOrderID,
			"filled_qty":      st.ExecutedQty.String(),
			"avg_price":       st.AvgPrice.String(),
			"detail":          "filled entry has no trade log",
		})
	}
}

// settleUnknownOrder retires a stale submission the venue has never heard
// of, so the row stops resurfacing in every sweep.
func (e *Engine) settleUnknownOrder(ctx context.Context, ev *types.OrderEvent, traceID string, cause error) {
	e.logger.Warn("stale order unknown to venue, retiring",
		"symbol", ev.Symbol, "client_order_id", ev.ClientOrderID, "error", cause)
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        ev.Symbol,
		ClientOrderID: ev.ClientOrderID,
		EventType:     types.EventCanceled,
		Side:          ev.Side,
		Status:        "NOT_FOUND",
		ReasonCode:    types.ReasonReconcile,
		Reason:        "venue has no record of this order",
		Action:        "RECONCILE",
	})
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        ev.Symbol,
		ClientOrderID: ev.ClientOrderID,
		EventType:     types.EventReconciled,
		Side:          ev.Side,
		Status:        "NOT_FOUND",
		ReasonCode:    types.ReasonReconcile,
		Reason:        "retired without venue state",
		Action:        "RECONCILE",
	})
	e.met.ReconcileFixedTotal.WithLabelValues(ev.Symbol, "NOT_FOUND").Inc()
}
