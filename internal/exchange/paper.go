package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"

	"asv8/pkg/types"
)

// MarketData supplies candle history to the paper venue, normally the live
// venue's public kline endpoint.
type MarketData interface {
	GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error)
}

// Paper is an in-memory venue. MARKET orders fill instantly at the request's
// reference price, STOP_MARKET orders arm and trigger on mark observations.
// Resubmitting a known client order id returns the existing order, matching
// the live venue's id-based dedupe.
type Paper struct {
	mu        sync.Mutex
	marks     map[string]decimal.Decimal
	orders    map[string]*types.OrderState
	stops     map[string]types.OrderRequest
	positions map[string]*paperPosition
	leverage  map[string]int
	equity    decimal.Decimal
	seq       int64

	data   MarketData
	logger *slog.Logger
}

type paperPosition struct {
	qty   decimal.Decimal // signed, negative for shorts
	entry decimal.Decimal
}

// NewPaper creates a paper venue seeded with initialEquity. data may be nil
// when candles come from elsewhere.
func NewPaper(initialEquity decimal.Decimal, data MarketData, logger *slog.Logger) *Paper {
	return &Paper{
		marks:     make(map[string]decimal.Decimal),
		orders:    make(map[string]*types.OrderState),
		stops:     make(map[string]types.OrderRequest),
		positions: make(map[string]*paperPosition),
		leverage:  make(map[string]int),
		equity:    initialEquity,
		data:      data,
		logger:    logger.With("component", "paper_venue"),
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return &types.OrderAck{
			ExchangeOrderID: existing.ExchangeOrderID,
			ClientOrderID:   existing.ClientOrderID,
			Status:          existing.Status,
		}, nil
	}

	p.seq++
	exchangeID := "paper-" + strconv.FormatInt(p.seq, 10)

	switch req.Type {
	case "MARKET":
		price := req.Price
		if price.IsZero() {
			price = p.marks[req.Symbol]
		}
		if price.IsZero() {
			return nil, &APIError{Op: "place_order", Status: http.StatusBadRequest, Msg: fmt.Sprintf("no reference price for %s", req.Symbol)}
		}
		p.applyFill(req.Symbol, req.Side, req.Qty, price)
		p.orders[req.ClientOrderID] = &types.OrderState{
			ExchangeOrderID: exchangeID,
			ClientOrderID:   req.ClientOrderID,
			Symbol:          req.Symbol,
			Status:          "FILLED",
			ExecutedQty:     req.Qty,
			AvgPrice:        price,
		}
		p.logger.Debug("paper fill", "symbol", req.Symbol, "side", req.Side, "qty", req.Qty, "price", price)
		return &types.OrderAck{ExchangeOrderID: exchangeID, ClientOrderID: req.ClientOrderID, Status: "FILLED"}, nil

	case "STOP_MARKET":
		if req.Price.IsZero() {
			return nil, &APIError{Op: "place_order", Status: http.StatusBadRequest, Msg: "stop order requires a trigger price"}
		}
		p.orders[req.ClientOrderID] = &types.OrderState{
			ExchangeOrderID: exchangeID,
			ClientOrderID:   req.ClientOrderID,
			Symbol:          req.Symbol,
			Status:          "NEW",
		}
		p.stops[req.ClientOrderID] = req
		return &types.OrderAck{ExchangeOrderID: exchangeID, ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil

	default:
		return nil, &APIError{Op: "place_order", Status: http.StatusBadRequest, Msg: fmt.Sprintf("unsupported order type %q", req.Type)}
	}
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[clientOrderID]
	if !ok {
		return &APIError{Op: "cancel_order", Status: http.StatusBadRequest, VenueCode: -2011, Msg: "Unknown order sent."}
	}
	if ord.Terminal() {
		return &APIError{Op: "cancel_order", Status: http.StatusBadRequest, VenueCode: -2011, Msg: "Order already closed."}
	}
	ord.Status = "CANCELED"
	delete(p.stops, clientOrderID)
	return nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ord, ok := p.orders[clientOrderID]
	if !ok {
		return nil, &APIError{Op: "get_order", Status: http.StatusBadRequest, VenueCode: -2013, Msg: "Order does not exist."}
	}
	cp := *ord
	return &cp, nil
}

func (p *Paper) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error) {
	if p.data == nil {
		return nil, &APIError{Op: "get_klines", Status: http.StatusBadRequest, Msg: "paper venue has no market data source"}
	}
	return p.data.GetKlines(ctx, symbol, interval, startMs, endMs, limit)
}

func (p *Paper) GetAccount(ctx context.Context) (*types.AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state := &types.AccountState{
		Equity:           p.equity,
		AvailableBalance: p.equity,
	}
	for symbol, pos := range p.positions {
		unrealized := decimal.Zero
		if mark, ok := p.marks[symbol]; ok {
			unrealized = mark.Sub(pos.entry).Mul(pos.qty)
		}
		state.Positions = append(state.Positions, types.ExchangePosition{
			Symbol:        symbol,
			Qty:           pos.qty,
			EntryPrice:    pos.entry,
			UnrealizedPnl: unrealized,
			Leverage:      p.leverage[symbol],
		})
	}
	return state, nil
}

func (p *Paper) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

// SetMark records a mark price and triggers any armed stop it crosses. A SELL
// stop (protecting a long) fires at or below its trigger, a BUY stop at or
// above.
func (p *Paper) SetMark(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.marks[symbol] = price
	for id, stop := range p.stops {
		if stop.Symbol != symbol {
			continue
		}
		triggered := (stop.Side == types.SELL && price.LessThanOrEqual(stop.Price)) ||
			(stop.Side == types.BUY && price.GreaterThanOrEqual(stop.Price))
		if !triggered {
			continue
		}
		p.applyFill(stop.Symbol, stop.Side, stop.Qty, stop.Price)
		ord := p.orders[id]
		ord.Status = "FILLED"
		ord.ExecutedQty = stop.Qty
		ord.AvgPrice = stop.Price
		delete(p.stops, id)
		p.logger.Debug("paper stop triggered", "symbol", symbol, "stop", stop.Price, "mark", price)
	}
}

// Equity returns the current wallet balance, realized fills only.
func (p *Paper) Equity() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity
}

// applyFill nets a fill into the position book and realizes pnl on any
// reduced quantity. Callers hold p.mu.
func (p *Paper) applyFill(symbol string, side types.Side, qty, price decimal.Decimal) {
	signed := qty
	if side == types.SELL {
		signed = qty.Neg()
	}

	pos, ok := p.positions[symbol]
	if !ok {
		if !signed.IsZero() {
			p.positions[symbol] = &paperPosition{qty: signed, entry: price}
		}
		return
	}

	if pos.qty.Sign() == signed.Sign() {
		total := pos.qty.Add(signed)
		pos.entry = pos.entry.Mul(pos.qty).Add(price.Mul(signed)).Div(total)
		pos.qty = total
		return
	}

	closed := decimal.Min(pos.qty.Abs(), signed.Abs())
	dir := decimal.NewFromInt(int64(pos.qty.Sign()))
	pnl := price.Sub(pos.entry).Mul(closed).Mul(dir)
	p.equity = p.equity.Add(pnl)

	remainder := pos.qty.Add(signed)
	switch {
	case remainder.IsZero():
		delete(p.positions, symbol)
	case remainder.Sign() == pos.qty.Sign():
		pos.qty = remainder
	default:
		pos.qty = remainder
		pos.entry = price
	}
}
