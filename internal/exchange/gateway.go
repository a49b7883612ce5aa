package exchange

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"asv8/pkg/types"
)

const (
	defaultMaxAttempts = 3
	defaultRetryWait   = 500 * time.Millisecond
	maxRetryWait       = 5 * time.Second
)

// Gateway wraps a Venue with category-aware retry. Transient and rate-limited
// failures retry with the same client order id (the venue dedupes on it);
// terminal rejections return immediately. Rate-limited retries do not sleep
// here: the venue's limiter Acquire holds them until the backoff window ends.
type Gateway struct {
	venue       Venue
	logger      *slog.Logger
	maxAttempts int
	retryWait   time.Duration
}

// NewGateway wraps venue. The same gateway is shared by the engine and data
// syncer of one process.
func NewGateway(venue Venue, logger *slog.Logger) *Gateway {
	return &Gateway{
		venue:       venue,
		logger:      logger.With("component", "gateway"),
		maxAttempts: defaultMaxAttempts,
		retryWait:   defaultRetryWait,
	}
}

func (g *Gateway) Name() string { return g.venue.Name() }

func (g *Gateway) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	var ack *types.OrderAck
	err := g.withRetry(ctx, "place_order", func() error {
		var err error
		ack, err = g.venue.PlaceOrder(ctx, req)
		return err
	})
	return ack, err
}

// SetStop arms a reduce-only STOP_MARKET protecting an open position.
func (g *Gateway) SetStop(ctx context.Context, symbol string, side types.Side, qty, stopPrice decimal.Decimal, clientOrderID string) (*types.OrderAck, error) {
	return g.PlaceOrder(ctx, types.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          "STOP_MARKET",
		Qty:           qty,
		Price:         stopPrice,
		ClientOrderID: clientOrderID,
		ReduceOnly:    true,
	})
}

func (g *Gateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return g.withRetry(ctx, "cancel_order", func() error {
		return g.venue.CancelOrder(ctx, symbol, clientOrderID)
	})
}

func (g *Gateway) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error) {
	var state *types.OrderState
	err := g.withRetry(ctx, "get_order", func() error {
		var err error
		state, err = g.venue.GetOrder(ctx, symbol, clientOrderID)
		return err
	})
	return state, err
}

func (g *Gateway) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error) {
	var candles []types.Candle
	err := g.withRetry(ctx, "get_klines", func() error {
		var err error
		candles, err = g.venue.GetKlines(ctx, symbol, interval, startMs, endMs, limit)
		return err
	})
	return candles, err
}

func (g *Gateway) GetAccount(ctx context.Context) (*types.AccountState, error) {
	var state *types.AccountState
	err := g.withRetry(ctx, "get_account", func() error {
		var err error
		state, err = g.venue.GetAccount(ctx)
		return err
	})
	return state, err
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.withRetry(ctx, "set_leverage", func() error {
		return g.venue.SetLeverage(ctx, symbol, leverage)
	})
}

// ObserveMark forwards a price observation to venues that track marks. Live
// venues do not, so this is a no-op outside paper trading.
func (g *Gateway) ObserveMark(symbol string, price decimal.Decimal) {
	if sink, ok := g.venue.(MarkSink); ok {
		sink.SetMark(symbol, price)
	}
}

func (g *Gateway) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Category() == CategoryTerminal {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == g.maxAttempts {
			break
		}

		wait := g.retryWait << (attempt - 1)
		if wait > maxRetryWait {
			wait = maxRetryWait
		}
		// Rate-limited failures skip the local sleep; the limiter gate on the
		// next call enforces the longer venue window.
		if errors.As(err, &apiErr) && apiErr.Category() == CategoryRateLimited {
			wait = 0
		}
		g.logger.Warn("retrying venue call", "op", op, "attempt", attempt, "error", err)

		if wait > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(wait):
			}
		}
	}
	return err
}
