// Package notify delivers operator alerts. Every alert carries the same
// envelope: the event name, Hong Kong and UTC timestamps, and the trace id,
// followed by the caller's summary in deterministic key order. Delivery
// failures are logged and swallowed; alerting must never stall or fail the
// trading path.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"asv8/internal/clock"
)

// Notifier fans an alert out to an operator channel. Implementations must
// not return errors into the caller; they log and move on.
type Notifier interface {
	SendSystemAlert(ctx context.Context, event, traceID string, summary map[string]string)
	SendTradeAlert(ctx context.Context, event, traceID string, summary map[string]string)
}

const (
	hkTimeLayout = "2006-01-02 15:04:05"
)

// Render builds the alert text: event title, injected envelope lines in
// fixed order, then the remaining keys sorted.
func Render(now time.Time, event, traceID string, summary map[string]string) string {
	var sb strings.Builder
	sb.WriteString(event)

	write := func(k, v string) {
		sb.WriteString(fmt.Sprintf("\n- %s: %s", k, v))
	}
	write("ts_hk", clock.ToHK(now).Format(hkTimeLayout))
	write("ts_utc", now.UTC().Format(time.RFC3339))
	write("event", event)
	write("trace_id", traceID)

	keys := make([]string, 0, len(summary))
	for k := range summary {
		switch k {
		case "ts_hk", "ts_utc", "event", "trace_id":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k, summary[k])
	}
	return sb.String()
}

// Slog writes alerts to the structured log. It is always available and is
// the fallback channel when no external sender is configured.
type Slog struct {
	clk    clock.Clock
	logger *slog.Logger
}

func NewSlog(clk clock.Clock, logger *slog.Logger) *Slog {
	return &Slog{clk: clk, logger: logger.With("component", "notify")}
}

func (s *Slog) SendSystemAlert(_ context.Context, event, traceID string, summary map[string]string) {
	s.logger.Warn("system alert", "alert", Render(s.clk.Now(), event, traceID, summary))
}

func (s *Slog) SendTradeAlert(_ context.Context, event, traceID string, summary map[string]string) {
	s.logger.Info("trade alert", "alert", Render(s.clk.Now(), event, traceID, summary))
}

// Multi fans one alert out to several channels in order.
type Multi []Notifier

func (m Multi) SendSystemAlert(ctx context.Context, event, traceID string, summary map[string]string) {
	for _, n := range m {
		n.SendSystemAlert(ctx, event, traceID, summary)
	}
}

func (m Multi) SendTradeAlert(ctx context.Context, event, traceID string, summary map[string]string) {
	for _, n := range m {
		n.SendTradeAlert(ctx, event, traceID, summary)
	}
}
