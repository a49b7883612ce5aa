package engine

import (
	"context"
	"encoding/json"
	"time"

	"asv8/internal/clock"
	"asv8/pkg/types"
)

// runSnapshots persists held inventory on the configured cadence, giving the
// book a restore point independent of trade lifecycle writes.
func (e *Engine) runSnapshots() {
	ticker := time.NewTicker(e.cfg.Schedule.SnapshotInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(e.ctx, opTimeout)
			e.snapshotOpenPositions(ctx, "periodic_snapshot")
			cancel()
		}
	}
}

// snapshotOpenPositions writes one inventory record per open trade.
func (e *Engine) snapshotOpenPositions(ctx context.Context, note string) {
	trades, err := e.store.OpenTrades(ctx)
	if err != nil {
		e.logger.Error("snapshot sweep failed", "error", err)
		return
	}
	for i := range trades {
		t := &trades[i]
		e.snapshotPosition(ctx, t.Symbol, t.Qty, t.EntryPrice, map[string]any{
			"note":     note,
			"trade_id": t.ID,
		})
	}
}

// runHeartbeat reports liveness immediately and then on the configured
// cadence. The first successful write closes Ready.
func (e *Engine) runHeartbeat() {
	e.heartbeatPass()

	ticker := time.NewTicker(e.cfg.Schedule.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.heartbeatPass()
		}
	}
}

func (e *Engine) heartbeatPass() {
	ctx, cancel := context.WithTimeout(e.ctx, opTimeout)
	defer cancel()
	e.heartbeat(ctx)
}

func (e *Engine) heartbeat(ctx context.Context) {
	now := e.clk.Now()

	openCount := 0
	if trades, err := e.store.OpenTrades(ctx); err == nil {
		openCount = len(trades)
	} else {
		e.logger.Error("open trades read failed", "error", err)
	}

	recentErrors := 0
	if evs, err := e.store.RecentErrors(ctx, types.ServiceStrategyEngine, 10); err == nil {
		recentErrors = len(evs)
	} else {
		e.logger.Error("recent errors read failed", "error", err)
	}

	ctrl := e.controlState()
	lastTick := ""
	if ms := e.lastTickMs.Load(); ms > 0 {
		lastTick = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}

	snap, err := json.Marshal(map[string]any{
		"now_utc":        now.UTC().Format(time.RFC3339),
		"now_hk":         clock.ToHK(now).Format("2006-01-02 15:04:05"),
		"last_tick_utc":  lastTick,
		"symbols":        e.cfg.Trading.Symbols,
		"open_trades":    openCount,
		"recent_errors":  recentErrors,
		"halt_trading":   ctrl.HaltTrading,
		"emergency_exit": ctrl.EmergencyExit,
		"paper_trading":  e.cfg.Trading.PaperTrading,
		"enable_trading": e.cfg.Trading.EnableTrading,
	})
	if err != nil {
		e.logger.Error("heartbeat marshal failed", "error", err)
		return
	}

	if err := e.store.UpsertServiceStatus(ctx, &types.ServiceStatus{
		ServiceName: types.ServiceStrategyEngine,
		InstanceID:  e.instanceID,
		StatusJSON:  snap,
	}); err != nil {
		e.logger.Error("heartbeat write failed", "error", err)
		return
	}
	e.readyOnce.Do(func() { close(e.ready) })
}
