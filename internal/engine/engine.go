// Package engine is the central orchestrator of the strategy service.
//
// It wires together all subsystems:
//
//  1. A tick scheduler fires on Hong Kong wall-clock bar boundaries and
//     dedupes by bar open, so restarts inside the grace window never run a
//     bar twice.
//  2. Each tick dispatches the per-symbol entry pipeline onto a bounded
//     worker pool under the tick budget; symbols that miss the budget are
//     deferred to the next bar with an auditable reason.
//  3. Exit sweeps run before entries: armed stops are polled, software
//     stops and profit targets are checked against the latest mark, and the
//     emergency-exit flag flattens everything.
//  4. A control consumer claims operator commands from the database queue
//     and applies them through the audited config path.
//  5. The circuit breaker watches order failures, rate-limit pressure, and
//     daily drawdown, and halts entries durably when a limit is breached.
//  6. Heartbeats, periodic position snapshots, and reconciliation of stale
//     submissions keep the persisted view convergent with the venue.
//
// Lifecycle: New() -> Start() -> [runs until SIGINT] -> Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"

	"asv8/internal/ai"
	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/lock"
	"asv8/internal/notify"
	"asv8/internal/risk"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

const (
	// maxTickWorkers caps the pool driving per-symbol pipelines in one tick.
	maxTickWorkers = 4

	// reconcileBatch bounds how many stale orders one sweep chases.
	reconcileBatch = 32

	// opTimeout bounds best-effort writes that outlive their tick context,
	// such as error events and lock releases.
	opTimeout = 3 * time.Second

	defaultConfirmEvery = 500 * time.Millisecond
)

// Store is the persistence surface the engine consumes.
type Store interface {
	AppendOrderEvent(ctx context.Context, ev *types.OrderEvent) (bool, error)
	HasOrderEvent(ctx context.Context, clientOrderID string, et types.OrderEventType) (bool, error)
	EntryEventExists(ctx context.Context, prefix string) (bool, error)
	LatestEventFor(ctx context.Context, clientOrderID string) (*types.OrderEvent, error)
	RecentErrors(ctx context.Context, service string, limit int) ([]types.OrderEvent, error)
	StaleActiveOrders(ctx context.Context, cutoff time.Time, limit int) ([]types.OrderEvent, error)

	ClaimNextCommand(ctx context.Context) (*types.ControlCommand, error)
	FailCommand(ctx context.Context, id int64) error
	AllSystemConfig(ctx context.Context) (map[string]string, error)
	WriteSystemConfig(ctx context.Context, key, value, actor, traceID string, reasonCode types.ReasonCode, reason string) error
	UpsertServiceStatus(ctx context.Context, st *types.ServiceStatus) error

	InsertTradeLog(ctx context.Context, t *types.TradeLog) (int64, error)
	CloseTradeLog(ctx context.Context, id int64, exitPrice, pnl decimal.Decimal, exitTimeMs int64, reasonCode types.ReasonCode, reason string) error
	OpenTrade(ctx context.Context, symbol string) (*types.TradeLog, error)
	OpenTrades(ctx context.Context) ([]types.TradeLog, error)
	SavePositionSnapshot(ctx context.Context, snap *types.PositionSnapshot) error

	LastTwoFeatureRows(ctx context.Context, symbol, interval string, version int) ([]types.FeatureRow, error)
}

// Exchange is the venue surface the engine consumes; the gateway satisfies it.
type Exchange interface {
	Name() string
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)
	SetStop(ctx context.Context, symbol string, side types.Side, qty, stopPrice decimal.Decimal, clientOrderID string) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error)
	GetAccount(ctx context.Context) (*types.AccountState, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	ObserveMark(symbol string, price decimal.Decimal)
}

// Locker hands out per-symbol trade leases; lock.Locker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, symbol string, ttl time.Duration) (*lock.Lease, error)
}

// Engine orchestrates the trading loops for one process. It owns the
// lifecycle of all goroutines; New wires it, Start launches it, Stop drains it.
type Engine struct {
	cfg      *config.Config
	store    Store
	exch     Exchange
	locker   Locker
	model    *ai.Model
	sizer    *risk.Sizer
	notifier notify.Notifier
	breaker  *Breaker
	met      *telemetry.Metrics
	clk      clock.Clock
	logger   *slog.Logger

	interval   time.Duration
	intervalMs int64
	instanceID string

	// pool runs the per-symbol pipelines inside one tick.
	pool *ants.Pool

	// updates carries order pushes from the user-data stream; nil in paper
	// mode, where fills are confirmed by polling alone.
	updates <-chan types.OrderUpdate

	// control is the lock-free snapshot of system_config flags.
	control atomic.Pointer[ControlState]

	// lastBarMs dedupes ticks: one run per bar open, however often the
	// scheduler wakes inside the grace window.
	lastBarMs  atomic.Int64
	lastTickMs atomic.Int64

	confirmEvery time.Duration

	ready     chan struct{}
	readyOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the engine. The updates channel may be nil when no user-data
// stream exists (paper trading).
func New(cfg *config.Config, st Store, exch Exchange, locker Locker, model *ai.Model,
	notifier notify.Notifier, updates <-chan types.OrderUpdate,
	met *telemetry.Metrics, clk clock.Clock, logger *slog.Logger) (*Engine, error) {

	interval, err := cfg.Trading.Interval()
	if err != nil {
		return nil, fmt.Errorf("new engine: %w", err)
	}

	workers := len(cfg.Trading.Symbols)
	if workers > maxTickWorkers {
		workers = maxTickWorkers
	}
	pool, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("new engine: worker pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:          cfg,
		store:        st,
		exch:         exch,
		locker:       locker,
		model:        model,
		sizer:        risk.NewSizer(cfg.Risk, cfg.Strategy),
		notifier:     notifier,
		met:          met,
		clk:          clk,
		logger:       logger.With("component", "engine"),
		interval:     interval,
		intervalMs:   interval.Milliseconds(),
		instanceID:   config.InstanceID(),
		pool:         pool,
		updates:      updates,
		confirmEvery: defaultConfirmEvery,
		ready:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	e.breaker = newBreaker(st, notifier, met, clk, logger, e.halted)
	return e, nil
}

// Ready is closed after the first successful heartbeat.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// NoteRateLimitWindow feeds the rate-limiter hook into the circuit breaker.
func (e *Engine) NoteRateLimitWindow(group string, countInWindow int) {
	e.breaker.ObserveRateLimit(group, countInWindow)
}

// NoteBackoff records a rate-limit backoff window in the event stream so the
// audit trail shows when and why admission slowed down.
func (e *Engine) NoteBackoff(group string, wait time.Duration, status int) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       types.NewTraceID("ratelimit"),
		Symbol:        group,
		ClientOrderID: fmt.Sprintf("backoff-%s-%d", group, e.clk.Now().UnixMilli()),
		EventType:     types.EventError,
		Status:        "BACKOFF",
		ReasonCode:    types.ReasonRateLimitBackoff,
		Reason:        fmt.Sprintf("status %d armed %s backoff on group %s", status, wait, group),
		Action:        "RATE_LIMIT",
	})
}

// Start launches all background goroutines: the tick scheduler, the control
// consumer, the user-stream consumer, periodic snapshots, and heartbeats.
func (e *Engine) Start() error {
	e.logger.Info("strategy engine starting",
		"symbols", e.cfg.Trading.Symbols,
		"timeframe", e.cfg.Trading.Timeframe,
		"paper_trading", e.cfg.Trading.PaperTrading,
		"enable_trading", e.cfg.Trading.EnableTrading,
		"instance_id", e.instanceID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runTicks()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runControl()
	}()

	if e.updates != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.runUpdates()
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSnapshots()
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runHeartbeat()
	}()

	return nil
}

// Stop gracefully shuts down: cancels all loops, waits for goroutines,
// persists the scorer, and releases the worker pool.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()
	e.pool.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.model.Persist(ctx); err != nil {
		e.logger.Error("final model persist failed", "error", err)
	}
	e.snapshotOpenPositions(ctx, "shutdown")

	e.logger.Info("shutdown complete")
}

// runTicks sleeps to each HK bar boundary and runs at most one tick per bar.
// The boundary check also passes at startup when the process comes up inside
// the grace window, so a crash at second one does not lose the bar.
func (e *Engine) runTicks() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := e.clk.Now()
		if clock.IsTickBoundary(now, e.interval) {
			barMs := clock.BarOpenMs(now, e.interval)
			if e.lastBarMs.Swap(barMs) != barMs {
				e.runTick(now, barMs)
			}
		}
		timer.Reset(clock.NextTickDelay(e.clk.Now(), e.interval))
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// runTick is one scheduled pass over every configured symbol.
func (e *Engine) runTick(now time.Time, barMs int64) {
	traceID := types.NewTraceID("tick")
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Schedule.TickBudget())
	defer cancel()

	log := e.logger.With("trace_id", traceID, "bar_open_ms", barMs)
	log.Info("tick fired", "hk_time", clock.ToHK(now).Format("2006-01-02 15:04:05"))

	// 1. Refresh control flags so this tick sees the newest operator state.
	ctrl := e.refreshControl(ctx)

	// 2. One account snapshot per tick: equity feeds sizing and the
	//    drawdown trip.
	var equity float64
	acct, err := e.exch.GetAccount(ctx)
	if err != nil {
		e.recordLoopError(ctx, "", traceID, fmt.Errorf("account snapshot: %w", err))
	} else {
		equity, _ = acct.Equity.Float64()
		e.breaker.ObserveEquity(equity, now)
	}

	// 3. Protective exits run before any entry: armed stops, software
	//    stops, profit targets, and the emergency-exit sweep.
	e.managePositions(ctx, traceID, ctrl)

	// 4. Chase submissions left CREATED/SUBMITTED by earlier runs.
	e.reconcile(ctx, traceID)

	// 5. New entries, unless halted or the account read failed.
	if ctrl.HaltTrading || ctrl.EmergencyExit {
		log.Warn("entries blocked",
			"halt_trading", ctrl.HaltTrading, "emergency_exit", ctrl.EmergencyExit)
		e.lastTickMs.Store(now.UnixMilli())
		return
	}
	if acct == nil {
		log.Warn("entries skipped, account snapshot unavailable")
		return
	}
	e.dispatchSymbols(ctx, barMs, equity, traceID)

	e.lastTickMs.Store(now.UnixMilli())
	log.Info("tick complete")
}

// dispatchSymbols fans the entry pipeline out over the worker pool and waits
// for every symbol to finish or give up on the budget.
func (e *Engine) dispatchSymbols(ctx context.Context, barMs int64, equity float64, traceID string) {
	var wg sync.WaitGroup
	for _, symbol := range e.cfg.Trading.Symbols {
		if ctx.Err() != nil {
			e.deferSymbol(symbol, traceID)
			continue
		}
		symbol := symbol
		wg.Add(1)
		err := e.pool.Submit(func() {
			defer wg.Done()
			e.tickSymbol(ctx, symbol, barMs, equity, traceID)
		})
		if err != nil {
			wg.Done()
			e.recordLoopError(ctx, symbol, traceID, fmt.Errorf("pool submit: %w", err))
		}
	}
	wg.Wait()
}

// tickSymbol wraps one symbol's pipeline with metrics and deferral handling.
func (e *Engine) tickSymbol(ctx context.Context, symbol string, barMs int64, equity float64, traceID string) {
	started := time.Now()
	defer func() {
		e.met.TickDurationSeconds.WithLabelValues(symbol).Observe(time.Since(started).Seconds())
	}()

	err := e.enterSymbol(ctx, symbol, barMs, equity, traceID)
	switch {
	case err == nil:
		e.met.LastTickSuccess.WithLabelValues(symbol).Set(1)
	case errors.Is(err, context.DeadlineExceeded):
		e.met.TickErrorsTotal.WithLabelValues(symbol).Inc()
		e.met.LastTickSuccess.WithLabelValues(symbol).Set(0)
		e.deferSymbol(symbol, traceID)
	default:
		e.met.TickErrorsTotal.WithLabelValues(symbol).Inc()
		e.met.LastTickSuccess.WithLabelValues(symbol).Set(0)
		e.recordLoopError(ctx, symbol, traceID, err)
	}
}

// deferSymbol records that a symbol missed the tick budget. The next bar
// picks it up again; the event keeps the gap auditable.
func (e *Engine) deferSymbol(symbol, traceID string) {
	e.logger.Warn("symbol deferred, tick budget exhausted", "symbol", symbol, "trace_id", traceID)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        symbol,
		ClientOrderID: traceID,
		EventType:     types.EventError,
		Status:        "DEFERRED",
		ReasonCode:    types.ReasonTickTimeout,
		Reason:        fmt.Sprintf("tick budget %s exhausted before %s completed", e.cfg.Schedule.TickBudget(), symbol),
		Action:        "ENTRY",
	})
}

// recordLoopError logs and persists a loop-boundary failure. Loop errors
// never kill the engine; they surface in heartbeats and RecentErrors.
func (e *Engine) recordLoopError(ctx context.Context, symbol, traceID string, loopErr error) {
	e.logger.Error("tick pass failed", "symbol", symbol, "error", loopErr, "trace_id", traceID)
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
	}
	e.appendEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Symbol:        symbol,
		ClientOrderID: traceID,
		EventType:     types.EventError,
		Status:        "ERROR",
		ReasonCode:    types.ReasonSystem,
		Reason:        loopErr.Error(),
		Action:        "TICK",
	})
}

// appendEvent stamps service, exchange, and actor defaults and writes one
// event row. Append failures are logged as well as returned so call sites
// where the write is load-bearing can abort.
func (e *Engine) appendEvent(ctx context.Context, ev *types.OrderEvent) error {
	ev.Service = types.ServiceStrategyEngine
	if ev.Exchange == "" {
		ev.Exchange = e.exch.Name()
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	if _, err := e.store.AppendOrderEvent(ctx, ev); err != nil {
		e.logger.Error("event append failed",
			"client_order_id", ev.ClientOrderID, "event_type", ev.EventType, "error", err)
		return err
	}
	return nil
}

// halted reports the last-read halt flag; the breaker consults it to avoid
// re-tripping an already halted system.
func (e *Engine) halted() bool {
	return e.controlState().HaltTrading
}

// eventForStatus maps an exchange order status to the event stream vocabulary.
func eventForStatus(status string) (types.OrderEventType, bool) {
	switch status {
	case "NEW":
		return types.EventAck, true
	case "PARTIALLY_FILLED":
		return types.EventPartial, true
	case "FILLED":
		return types.EventFilled, true
	case "CANCELED", "EXPIRED":
		return types.EventCanceled, true
	case "REJECTED":
		return types.EventRejected, true
	}
	return "", false
}
