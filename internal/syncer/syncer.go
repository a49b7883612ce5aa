// Package syncer keeps market_data and the feature cache current.
//
// Each pass, per configured symbol:
//
//  1. Pull closed klines after the latest stored bar (page-limited, never a
//     bar whose close time is still in the future) and insert-ignore them.
//  2. Enqueue a precompute task per pulled bar; tasks are keyed like the
//     cache, so replays are no-ops.
//  3. Detect grid gaps over the recent window, enqueue tasks for the missing
//     bars, and re-pull the range to heal market_data.
//  4. Drain pending tasks: recompute indicators over a trailing window and
//     write the cache row at the current feature version. Failures retry up
//     to a budget, then park in ERROR.
//  5. Alert on data lag (per-symbol cooldown), archive once per HK day, and
//     heartbeat into service_status.
//
// Loop failures never kill the pass: they are logged and recorded as ERROR
// rows on order_events with service="data-syncer".
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/notify"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

const (
	// klinePageLimit is the venue page cap per request and also the bootstrap
	// depth for an empty series.
	klinePageLimit = 500

	// lookbackBars is the trailing context re-read when computing one bar's
	// indicators. Covers every warmup plus enough tail for the rolling
	// correlation to reach the newest bars.
	lookbackBars = 100

	// gapScanBars bounds how far back each pass re-checks the bar grid.
	gapScanBars = 500

	taskBatchSize = 64
	maxTaskTries  = 3

	archiveRetention = 90 * 24 * time.Hour

	// btcSymbol feeds the optional rolling correlation.
	btcSymbol = "BTCUSDT"
)

// Store is the persistence surface the syncer consumes.
type Store interface {
	LatestOpenTime(ctx context.Context, symbol, interval string) (int64, error)
	UpsertCandles(ctx context.Context, candles []types.Candle) (int64, error)
	OpenTimesBetween(ctx context.Context, symbol, interval string, fromMs, toMs int64) ([]int64, error)
	CandlesEndingAt(ctx context.Context, symbol, interval string, endOpenMs int64, n int) ([]types.Candle, error)
	UpsertFeatureRow(ctx context.Context, row *types.FeatureRow) error
	EnqueuePrecomputeTasks(ctx context.Context, tasks []types.PrecomputeTask) (int64, error)
	PendingPrecomputeTasks(ctx context.Context, limit int) ([]types.PrecomputeTask, error)
	CompletePrecomputeTask(ctx context.Context, t *types.PrecomputeTask) error
	FailPrecomputeTask(ctx context.Context, t *types.PrecomputeTask, taskErr error, final bool) error
	AppendOrderEvent(ctx context.Context, ev *types.OrderEvent) (bool, error)
	UpsertServiceStatus(ctx context.Context, st *types.ServiceStatus) error
	RecentErrors(ctx context.Context, service string, limit int) ([]types.OrderEvent, error)
	ArchiveOldRows(ctx context.Context, cutoffMs int64, traceID string) (map[string]int64, error)
}

// MarketData is the venue surface the syncer consumes; the exchange gateway
// satisfies it.
type MarketData interface {
	Name() string
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error)
}

// Syncer runs the ingest/precompute/archive loop for one process.
type Syncer struct {
	store    Store
	venue    MarketData
	notifier notify.Notifier
	met      *telemetry.Metrics
	clk      clock.Clock
	logger   *slog.Logger

	symbols        []string
	interval       string
	intervalMs     int64
	featureVersion int
	syncEvery      time.Duration
	lagAfter       time.Duration
	instanceID     string

	lagCooldown *gocache.Cache
	maxLagMs    int64

	lastArchiveHKDate string

	ready     chan struct{}
	readyOnce sync.Once
}

func New(cfg *config.Config, st Store, venue MarketData, notifier notify.Notifier, met *telemetry.Metrics, clk clock.Clock, logger *slog.Logger) (*Syncer, error) {
	interval, err := cfg.Trading.Interval()
	if err != nil {
		return nil, fmt.Errorf("new syncer: %w", err)
	}
	cooldown := cfg.Features.LagAlertCooldown()
	return &Syncer{
		store:          st,
		venue:          venue,
		notifier:       notifier,
		met:            met,
		clk:            clk,
		logger:         logger.With("component", "syncer"),
		symbols:        cfg.Trading.Symbols,
		interval:       cfg.Trading.Timeframe,
		intervalMs:     interval.Milliseconds(),
		featureVersion: cfg.Features.Version,
		syncEvery:      cfg.Schedule.SyncInterval(),
		lagAfter:       cfg.Features.LagAlertAfter(),
		instanceID:     config.InstanceID(),
		lagCooldown:    gocache.New(cooldown, 2*cooldown),
		ready:          make(chan struct{}),
	}, nil
}

// Ready is closed after the first successful heartbeat.
func (s *Syncer) Ready() <-chan struct{} { return s.ready }

// Run executes sync passes until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("data syncer starting",
		"symbols", s.symbols, "interval", s.interval, "feature_version", s.featureVersion)

	ticker := time.NewTicker(s.syncEvery)
	defer ticker.Stop()
	for {
		s.runCycle(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("data syncer stopped")
			return
		case <-ticker.C:
		}
	}
}

func (s *Syncer) runCycle(ctx context.Context) {
	traceID := types.NewTraceID("sync")

	s.maxLagMs = 0
	for _, symbol := range s.symbols {
		if ctx.Err() != nil {
			return
		}
		lagMs, err := s.syncSymbol(ctx, symbol, traceID)
		if err != nil {
			s.met.DataSyncErrorsTotal.Inc()
			s.recordLoopError(ctx, symbol, traceID, err)
			continue
		}
		if lagMs > s.maxLagMs {
			s.maxLagMs = lagMs
		}
	}

	s.processTasks(ctx, traceID)
	s.maybeArchive(ctx)
	s.heartbeat(ctx)
	s.met.DataSyncCyclesTotal.Inc()
}

// syncSymbol ingests new closed bars for one symbol and returns the series
// lag in milliseconds (now minus the latest stored bar close).
func (s *Syncer) syncSymbol(ctx context.Context, symbol, traceID string) (int64, error) {
	nowMs := s.clk.Now().UnixMilli()

	latest, err := s.store.LatestOpenTime(ctx, symbol, s.interval)
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", symbol, err)
	}
	from := latest + s.intervalMs
	if latest == 0 {
		from = nowMs - klinePageLimit*s.intervalMs
	}

	candles, err := s.pullCandles(ctx, symbol, from, 0, nowMs)
	if err != nil {
		return 0, fmt.Errorf("sync %s: %w", symbol, err)
	}
	if len(candles) > 0 {
		inserted, err := s.store.UpsertCandles(ctx, candles)
		if err != nil {
			return 0, fmt.Errorf("sync %s: %w", symbol, err)
		}
		if err := s.enqueueTasks(ctx, symbol, traceID, opensOf(candles)); err != nil {
			return 0, fmt.Errorf("sync %s: %w", symbol, err)
		}
		latest = candles[len(candles)-1].OpenTimeMs
		s.logger.Debug("bars ingested",
			"symbol", symbol, "pulled", len(candles), "inserted", inserted,
			"latest_open_ms", latest, "trace_id", traceID)
	}

	if err := s.healGaps(ctx, symbol, traceID, nowMs); err != nil {
		return 0, fmt.Errorf("sync %s: %w", symbol, err)
	}

	lagMs := nowMs - (latest + s.intervalMs)
	if latest == 0 {
		lagMs = 0
	}
	s.met.DataSyncLagMs.WithLabelValues(symbol).Set(float64(lagMs))
	s.checkLag(ctx, symbol, traceID, latest, lagMs)
	return lagMs, nil
}

// pullCandles pages klines in [fromMs, toMs] (toMs 0 means unbounded) and
// keeps only bars already closed at nowMs.
func (s *Syncer) pullCandles(ctx context.Context, symbol string, fromMs, toMs, nowMs int64) ([]types.Candle, error) {
	var out []types.Candle
	start := fromMs
	for {
		batch, err := s.venue.GetKlines(ctx, symbol, s.interval, start, toMs, klinePageLimit)
		if err != nil {
			return nil, fmt.Errorf("get klines: %w", err)
		}
		if len(batch) == 0 {
			return out, nil
		}
		for _, c := range batch {
			if c.CloseTimeMs < nowMs {
				out = append(out, c)
			}
		}
		if len(batch) < klinePageLimit {
			return out, nil
		}
		next := batch[len(batch)-1].OpenTimeMs + s.intervalMs
		if next <= start {
			return out, nil
		}
		start = next
	}
}

// healGaps walks the recent bar grid, enqueues tasks for missing bars, and
// re-pulls the covering range so market_data converges.
func (s *Syncer) healGaps(ctx context.Context, symbol, traceID string, nowMs int64) error {
	to, err := s.store.LatestOpenTime(ctx, symbol, s.interval)
	if err != nil {
		return err
	}
	if to == 0 {
		return nil
	}

	opens, err := s.store.OpenTimesBetween(ctx, symbol, s.interval, to-gapScanBars*s.intervalMs, to)
	if err != nil {
		return err
	}
	var missing []int64
	for i := 1; i < len(opens); i++ {
		for t := opens[i-1] + s.intervalMs; t < opens[i]; t += s.intervalMs {
			missing = append(missing, t)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	s.met.DataSyncGapsTotal.WithLabelValues(symbol).Add(float64(len(missing)))
	s.logger.Warn("kline gap detected",
		"symbol", symbol, "missing_bars", len(missing),
		"first_missing_ms", missing[0], "trace_id", traceID)

	if err := s.enqueueTasks(ctx, symbol, traceID, missing); err != nil {
		return err
	}

	pulled, err := s.pullCandles(ctx, symbol, missing[0], missing[len(missing)-1]+s.intervalMs-1, nowMs)
	if err != nil {
		return err
	}
	if len(pulled) > 0 {
		if _, err := s.store.UpsertCandles(ctx, pulled); err != nil {
			return err
		}
	}
	return nil
}

func (s *Syncer) enqueueTasks(ctx context.Context, symbol, traceID string, opens []int64) error {
	tasks := make([]types.PrecomputeTask, 0, len(opens))
	for _, openMs := range opens {
		tasks = append(tasks, types.PrecomputeTask{
			Symbol:         symbol,
			Interval:       s.interval,
			OpenTimeMs:     openMs,
			FeatureVersion: s.featureVersion,
			TraceID:        traceID,
		})
	}
	n, err := s.store.EnqueuePrecomputeTasks(ctx, tasks)
	if err != nil {
		return err
	}
	if n > 0 {
		s.met.PrecomputeEnqueued.WithLabelValues(symbol).Add(float64(n))
	}
	return nil
}

// checkLag alerts when the latest bar close has fallen too far behind,
// throttled per symbol by the cooldown cache.
func (s *Syncer) checkLag(ctx context.Context, symbol, traceID string, latestOpenMs, lagMs int64) {
	if latestOpenMs == 0 || lagMs <= s.lagAfter.Milliseconds() {
		return
	}
	if _, held := s.lagCooldown.Get(symbol); held {
		return
	}
	s.lagCooldown.Set(symbol, struct{}{}, gocache.DefaultExpiration)

	s.notifier.SendSystemAlert(ctx, string(types.ReasonDataLag), traceID, map[string]string{
		"symbol":             symbol,
		"lag_seconds":        fmt.Sprintf("%d", lagMs/1000),
		"latest_bar_open_ms": fmt.Sprintf("%d", latestOpenMs),
	})
}

func (s *Syncer) recordLoopError(ctx context.Context, symbol, traceID string, loopErr error) {
	s.logger.Error("sync pass failed", "symbol", symbol, "error", loopErr, "trace_id", traceID)
	_, err := s.store.AppendOrderEvent(ctx, &types.OrderEvent{
		TraceID:       traceID,
		Service:       types.ServiceDataSyncer,
		Exchange:      s.venue.Name(),
		Symbol:        symbol,
		ClientOrderID: traceID,
		EventType:     types.EventError,
		Status:        "ERROR",
		ReasonCode:    types.ReasonDataSync,
		Reason:        loopErr.Error(),
		Action:        "SYNC",
		Actor:         "system",
	})
	if err != nil {
		s.logger.Error("error event write failed", "symbol", symbol, "error", err)
	}
}

// maybeArchive runs the daily archival when the HK midnight window is open
// and this process has not archived today.
func (s *Syncer) maybeArchive(ctx context.Context) {
	now := s.clk.Now()
	if !clock.ArchiveDue(now, s.lastArchiveHKDate) {
		return
	}
	traceID := types.NewTraceID("archive")
	cutoffMs := now.UTC().Add(-archiveRetention).UnixMilli()

	moved, err := s.store.ArchiveOldRows(ctx, cutoffMs, traceID)
	for table, n := range moved {
		s.met.ArchiveRowsTotal.WithLabelValues(table).Add(float64(n))
	}
	if err != nil {
		s.met.ArchiveErrorsTotal.Inc()
		s.logger.Error("archival failed", "error", err, "trace_id", traceID)
		s.notifier.SendSystemAlert(ctx, "ARCHIVE_FAILED", traceID, map[string]string{
			"error":     err.Error(),
			"cutoff_ms": fmt.Sprintf("%d", cutoffMs),
		})
		return
	}

	s.lastArchiveHKDate = clock.HKDate(now)
	s.met.ArchiveRunsTotal.Inc()
	var total int64
	for _, n := range moved {
		total += n
	}
	s.logger.Info("archival complete",
		"moved_rows", total, "cutoff_ms", cutoffMs,
		"hk_date", s.lastArchiveHKDate, "trace_id", traceID)
}

func (s *Syncer) heartbeat(ctx context.Context) {
	now := s.clk.Now()

	recentErrors := 0
	if evs, err := s.store.RecentErrors(ctx, types.ServiceDataSyncer, 10); err == nil {
		recentErrors = len(evs)
	} else {
		s.logger.Error("recent errors read failed", "error", err)
	}

	snap, err := json.Marshal(map[string]any{
		"last_sync_utc":   now.UTC().Format(time.RFC3339),
		"last_sync_hk":    clock.ToHK(now).Format("2006-01-02 15:04:05"),
		"symbols":         s.symbols,
		"feature_version": s.featureVersion,
		"sync_lag_seconds": s.maxLagMs / 1000,
		"recent_errors":   recentErrors,
	})
	if err != nil {
		s.logger.Error("heartbeat marshal failed", "error", err)
		return
	}

	if err := s.store.UpsertServiceStatus(ctx, &types.ServiceStatus{
		ServiceName: types.ServiceDataSyncer,
		InstanceID:  s.instanceID,
		StatusJSON:  snap,
	}); err != nil {
		s.logger.Error("heartbeat write failed", "error", err)
		return
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

func opensOf(candles []types.Candle) []int64 {
	opens := make([]int64, len(candles))
	for i, c := range candles {
		opens[i] = c.OpenTimeMs
	}
	return opens
}
