// Package ratelimit implements the adaptive, response-header-driven rate
// limiter shared by all exchange I/O.
//
// Three independent budgets exist, one per endpoint group: market, account,
// order. Each group combines a smoothing token bucket with the consumed
// weight the exchange reports back in response headers. A 429 or 418 puts
// the whole group into a staged exponential backoff (500ms base, factor 2,
// 30s cap, ±20% jitter); one successful non-rate-limited call resets the
// stage. No exchange call may bypass Acquire/Observe.
package ratelimit

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"asv8/internal/clock"
	"asv8/internal/telemetry"
)

// Group names one of the three independent budgets.
type Group string

const (
	GroupMarket  Group = "market"
	GroupAccount Group = "account"
	GroupOrder   Group = "order"
)

// Exchange response headers carrying budget feedback.
const (
	headerUsedWeight = "X-MBX-USED-WEIGHT-1M"
	headerOrderCount = "X-MBX-ORDER-COUNT-1M"
	headerRetryAfter = "Retry-After"
)

// Config bounds each group's budget and shapes the backoff schedule.
type Config struct {
	MarketCeiling  int // weight per minute
	AccountCeiling int // weight per minute
	OrderCeiling   int // orders per minute

	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	JitterFrac  float64
	Window429   time.Duration
}

// DefaultConfig returns the production schedule.
func DefaultConfig() Config {
	return Config{
		MarketCeiling:  2400,
		AccountCeiling: 1200,
		OrderCeiling:   300,
		BaseBackoff:    500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFrac:     0.2,
		Window429:      time.Minute,
	}
}

// Hooks let the owner react to limiter events without coupling this package
// to persistence or the circuit breaker.
type Hooks struct {
	// OnBackoff fires when a 429/418 arms a backoff window.
	OnBackoff func(group Group, wait time.Duration, status int)
	// OnRateLimitWindow fires after every 429/418 with the count of
	// rate-limited responses seen in the rolling window.
	OnRateLimitWindow func(group Group, countInWindow int)
}

// GroupStats is a point-in-time snapshot of one group's budget.
type GroupStats struct {
	Requests     int64
	WaitSeconds  float64
	Count429     int64
	UsedWeight   int
	Ceiling      int
	BackoffUntil time.Time
}

// Limiter owns the three group budgets. Safe for concurrent use.
type Limiter struct {
	cfg    Config
	clk    clock.Clock
	hooks  Hooks
	met    *telemetry.Metrics
	groups map[Group]*groupState
}

type groupState struct {
	name    Group
	bucket  *rate.Limiter
	ceiling int

	mu            sync.Mutex
	usedWeight    int
	weightResetAt time.Time
	backoffUntil  time.Time
	backoffStage  int
	recent429     []time.Time
	requests      int64
	waitSeconds   float64
	count429      int64
}

// New builds a limiter. metrics may not be nil; hooks fields may be.
func New(cfg Config, clk clock.Clock, met *telemetry.Metrics, hooks Hooks) *Limiter {
	if clk == nil {
		clk = clock.System
	}
	mk := func(name Group, ceiling int) *groupState {
		if ceiling <= 0 {
			ceiling = 1
		}
		burst := ceiling / 12
		if burst < 1 {
			burst = 1
		}
		return &groupState{
			name:    name,
			ceiling: ceiling,
			// The bucket smooths admission; the true budget is the weight
			// the exchange reports back through headers.
			bucket: rate.NewLimiter(rate.Limit(float64(ceiling)/60.0), burst),
		}
	}
	return &Limiter{
		cfg:   cfg,
		clk:   clk,
		hooks: hooks,
		met:   met,
		groups: map[Group]*groupState{
			GroupMarket:  mk(GroupMarket, cfg.MarketCeiling),
			GroupAccount: mk(GroupAccount, cfg.AccountCeiling),
			GroupOrder:   mk(GroupOrder, cfg.OrderCeiling),
		},
	}
}

// Acquire blocks until the group is under its ceiling and any backoff has
// elapsed, then takes one admission token. The returned nil error is the
// permit; ctx cancellation is the only other way out.
func (l *Limiter) Acquire(ctx context.Context, g Group) error {
	grp := l.groups[g]
	start := l.clk.Now()

	for {
		wait := grp.gateWait(l.clk.Now())
		if wait <= 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	if err := grp.bucket.Wait(ctx); err != nil {
		return err
	}

	waited := l.clk.Now().Sub(start)
	grp.mu.Lock()
	grp.requests++
	grp.waitSeconds += waited.Seconds()
	grp.mu.Unlock()
	l.met.RateLimitWaitSeconds.WithLabelValues(string(g)).Add(waited.Seconds())
	return nil
}

// gateWait returns how long the caller must wait before admission, or <= 0
// when the group is open. Expired weight windows are cleared here.
func (g *groupState) gateWait(now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	if wait := g.backoffUntil.Sub(now); wait > 0 {
		return wait
	}
	if !g.weightResetAt.IsZero() && !now.Before(g.weightResetAt) {
		g.usedWeight = 0
		g.weightResetAt = time.Time{}
	}
	if g.usedWeight >= g.ceiling {
		// Budget exhausted for this minute; reopen just after the window turns.
		return g.weightResetAt.Sub(now) + 100*time.Millisecond
	}
	return 0
}

// Observe must be called after every exchange response, including failures.
// It feeds header budget data back into the group and arms backoff on
// rate-limited statuses.
func (l *Limiter) Observe(g Group, status int, header http.Header) {
	grp := l.groups[g]
	now := l.clk.Now()

	grp.mu.Lock()

	if used, ok := headerInt(header, headerUsedWeight); ok && (g == GroupMarket || g == GroupAccount) {
		grp.usedWeight = used
		grp.weightResetAt = now.Truncate(time.Minute).Add(time.Minute)
	}
	if used, ok := headerInt(header, headerOrderCount); ok && g == GroupOrder {
		grp.usedWeight = used
		grp.weightResetAt = now.Truncate(time.Minute).Add(time.Minute)
	}

	if status == http.StatusTooManyRequests || status == 418 {
		grp.count429++
		grp.backoffStage++
		grp.recent429 = append(grp.recent429, now)
		grp.pruneWindow(now, l.cfg.Window429)
		inWindow := len(grp.recent429)

		wait := l.backoffFor(grp.backoffStage)
		if ra, ok := headerInt(header, headerRetryAfter); ok {
			if hinted := time.Duration(ra) * time.Second; hinted > wait {
				wait = hinted
			}
		}
		grp.backoffUntil = now.Add(wait)
		grp.mu.Unlock()

		l.met.RateLimit429Total.WithLabelValues(string(g)).Inc()
		l.met.RateLimitBackoffGauge.WithLabelValues(string(g)).Set(wait.Seconds())
		if l.hooks.OnBackoff != nil {
			l.hooks.OnBackoff(g, wait, status)
		}
		if l.hooks.OnRateLimitWindow != nil {
			l.hooks.OnRateLimitWindow(g, inWindow)
		}
		return
	}

	// One successful non-rate-limited call resets the schedule.
	if status > 0 && status < http.StatusInternalServerError {
		grp.backoffStage = 0
	}
	grp.mu.Unlock()
	l.met.RateLimitBackoffGauge.WithLabelValues(string(g)).Set(0)
}

// backoffFor computes the staged wait: base * 2^(stage-1), jittered ±JitterFrac,
// never above MaxBackoff.
func (l *Limiter) backoffFor(stage int) time.Duration {
	if stage < 1 {
		stage = 1
	}
	d := l.cfg.BaseBackoff
	for i := 1; i < stage; i++ {
		d *= 2
		if d >= l.cfg.MaxBackoff {
			break
		}
	}
	jitter := 1 + l.cfg.JitterFrac*(2*rand.Float64()-1)
	d = time.Duration(float64(d) * jitter)
	if d > l.cfg.MaxBackoff {
		d = l.cfg.MaxBackoff
	}
	return d
}

func (g *groupState) pruneWindow(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	kept := g.recent429[:0]
	for _, t := range g.recent429 {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.recent429 = kept
}

// Stats snapshots every group for health reporting.
func (l *Limiter) Stats() map[Group]GroupStats {
	out := make(map[Group]GroupStats, len(l.groups))
	for name, grp := range l.groups {
		grp.mu.Lock()
		out[name] = GroupStats{
			Requests:     grp.requests,
			WaitSeconds:  grp.waitSeconds,
			Count429:     grp.count429,
			UsedWeight:   grp.usedWeight,
			Ceiling:      grp.ceiling,
			BackoffUntil: grp.backoffUntil,
		}
		grp.mu.Unlock()
	}
	return out
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}
