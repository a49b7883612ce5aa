package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"asv8/internal/clock"
	"asv8/internal/notify"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

const (
	// orderFailureTrip is the consecutive order-call failure count that
	// opens the breaker and halts entries.
	orderFailureTrip = 5

	// rateLimitWindowTrip halts entries when this many rate-limited
	// responses land inside one limiter window.
	rateLimitWindowTrip = 10

	// maxDailyDrawdown halts entries when equity falls this far below the
	// first reading of the HK trading day.
	maxDailyDrawdown = 0.05
)

// Breaker converts three danger signals into one durable action: write
// HALT_TRADING=true through the audited config path. It never clears the
// halt; resuming is an operator decision.
type Breaker struct {
	store    Store
	notifier notify.Notifier
	met      *telemetry.Metrics
	clk      clock.Clock
	logger   *slog.Logger

	// halted suppresses repeat trips while a halt is already in force.
	halted func() bool

	// orders trips on consecutive exchange-call failures in the entry path.
	orders *gobreaker.CircuitBreaker

	mu           sync.Mutex
	anchorDate   string
	anchorEquity float64
}

func newBreaker(st Store, notifier notify.Notifier, met *telemetry.Metrics,
	clk clock.Clock, logger *slog.Logger, halted func() bool) *Breaker {

	b := &Breaker{
		store:    st,
		notifier: notifier,
		met:      met,
		clk:      clk,
		logger:   logger.With("component", "breaker"),
		halted:   halted,
	}
	b.orders = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "orders",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= orderFailureTrip
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("order breaker state change",
				"name", name, "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				b.trip(types.ReasonBreakerOrderFailures,
					fmt.Sprintf("%d consecutive order call failures", orderFailureTrip))
			}
		},
	})
	return b
}

// Exec runs one entry-path exchange call through the order breaker. While
// the breaker is open the call fails fast with gobreaker.ErrOpenState.
// Risk-reducing calls must not come through here; exits bypass the breaker.
func (b *Breaker) Exec(fn func() error) error {
	_, err := b.orders.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// ObserveRateLimit receives the limiter's per-window rate-limit count and
// halts when the venue is pushing back hard enough to distrust our clock
// of record.
func (b *Breaker) ObserveRateLimit(group string, countInWindow int) {
	if countInWindow < rateLimitWindowTrip {
		return
	}
	b.trip(types.ReasonBreakerRateLimit,
		fmt.Sprintf("%d rate-limited responses in one window on group %s", countInWindow, group))
}

// ObserveEquity anchors equity at the first reading of each HK trading day
// and halts when the day's drawdown exceeds the limit.
func (b *Breaker) ObserveEquity(equity float64, now time.Time) {
	if equity <= 0 {
		return
	}

	b.mu.Lock()
	hkDate := clock.ToHK(now).Format("2006-01-02")
	if b.anchorDate != hkDate {
		b.anchorDate = hkDate
		b.anchorEquity = equity
		b.mu.Unlock()
		b.logger.Info("drawdown anchor reset", "hk_date", hkDate, "equity", equity)
		return
	}
	anchor := b.anchorEquity
	b.mu.Unlock()

	if anchor <= 0 {
		return
	}
	dd := (anchor - equity) / anchor
	if dd <= maxDailyDrawdown {
		return
	}
	b.trip(types.ReasonBreakerDrawdown,
		fmt.Sprintf("daily drawdown %.2f%% from anchor %.2f to %.2f", dd*100, anchor, equity))
}

// trip writes the durable halt. Repeat signals while already halted are
// dropped so one incident produces one audit row and one alert.
func (b *Breaker) trip(code types.ReasonCode, detail string) {
	if b.halted() {
		return
	}

	traceID := types.NewTraceID("breaker")
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	b.logger.Error("circuit breaker tripped", "reason_code", code, "detail", detail, "trace_id", traceID)
	if err := b.store.WriteSystemConfig(ctx, types.ConfigHaltTrading, "true",
		"circuit-breaker", traceID, code, detail); err != nil {
		b.logger.Error("halt write failed", "error", err, "trace_id", traceID)
	}
	b.met.BreakerTripsTotal.WithLabelValues(string(code)).Inc()
	b.notifier.SendSystemAlert(ctx, string(code), traceID, map[string]string{
		"detail": detail,
	})
}
