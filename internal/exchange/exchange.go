// Package exchange implements the adaptive gateway to the derivatives venue.
//
// The REST venue (Binance) talks to the USDⓈ-M futures API for order
// management and market data:
//   - PlaceOrder:   POST   /fapi/v1/order    (signed, idempotent by client order id)
//   - CancelOrder:  DELETE /fapi/v1/order    (signed, by client order id)
//   - GetOrder:     GET    /fapi/v1/order    (signed, polled order state)
//   - GetKlines:    GET    /fapi/v1/klines   (public candle history)
//   - GetAccount:   GET    /fapi/v2/account  (signed equity + positions)
//   - SetLeverage:  POST   /fapi/v1/leverage (signed per-symbol leverage)
//
// Every request passes through the adaptive rate limiter (Acquire before,
// Observe after) so response weight headers and 429 backoff shape future
// admission. The Gateway wraps any Venue with category-aware retry: transient
// failures retry with the same client order id while terminal rejections
// surface immediately.
//
// Paper is a Venue that fills orders in memory at the caller's reference
// price, used when trading.paper_trading is set.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"asv8/pkg/types"
)

// Venue is the raw exchange surface. Implementations must return *APIError
// for venue-originated failures so callers can classify them.
type Venue interface {
	Name() string
	PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error)
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error)
	GetAccount(ctx context.Context) (*types.AccountState, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// MarkSink is implemented by venues that consume mark-price observations.
// The paper venue uses marks to trigger armed stops; live venues ignore them.
type MarkSink interface {
	SetMark(symbol string, price decimal.Decimal)
}
