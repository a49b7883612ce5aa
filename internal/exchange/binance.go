package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/ratelimit"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

const recvWindowMs = 5000

// Binance is the USDⓈ-M futures REST venue. All signed endpoints use
// HMAC-SHA256 over the sorted query string with the signature appended last.
type Binance struct {
	http   *resty.Client
	rl     *ratelimit.Limiter
	met    *telemetry.Metrics
	clk    clock.Clock
	name   string
	apiKey string
	secret string
	logger *slog.Logger
}

// NewBinance creates the live venue client. The limiter is shared with any
// other component talking to the same venue so budgets stay global.
func NewBinance(cfg config.ExchangeConfig, rl *ratelimit.Limiter, met *telemetry.Metrics, clk clock.Clock, logger *slog.Logger) *Binance {
	if clk == nil {
		clk = clock.System
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout()).
		SetHeader("Content-Type", "application/json")

	return &Binance{
		http:   httpClient,
		rl:     rl,
		met:    met,
		clk:    clk,
		name:   cfg.Name,
		apiKey: cfg.APIKey,
		secret: cfg.APISecret,
		logger: logger.With("component", "exchange"),
	}
}

func (b *Binance) Name() string { return b.name }

// PlaceOrder submits a MARKET or STOP_MARKET order. The caller's
// ClientOrderID is passed through unchanged; resubmitting the same id is the
// venue-side dedupe.
func (b *Binance) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", req.Type)
	params.Set("quantity", req.Qty.String())
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.Type == "STOP_MARKET" {
		params.Set("stopPrice", req.Price.String())
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := b.do(ctx, "place_order", ratelimit.GroupOrder, http.MethodPost, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var ord binanceOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, fmt.Errorf("place_order: decode response: %w", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	return &types.OrderAck{
		ExchangeOrderID: strconv.FormatInt(ord.OrderID, 10),
		ClientOrderID:   ord.ClientOrderID,
		Status:          ord.Status,
		Raw:             raw,
	}, nil
}

// CancelOrder cancels by client order id.
func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	_, err := b.do(ctx, "cancel_order", ratelimit.GroupOrder, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// GetOrder polls the current state of one order by client order id.
func (b *Binance) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("origClientOrderId", clientOrderID)

	body, err := b.do(ctx, "get_order", ratelimit.GroupAccount, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}

	var ord binanceOrder
	if err := json.Unmarshal(body, &ord); err != nil {
		return nil, fmt.Errorf("get_order: decode response: %w", err)
	}
	var raw map[string]any
	_ = json.Unmarshal(body, &raw)

	return &types.OrderState{
		ExchangeOrderID: strconv.FormatInt(ord.OrderID, 10),
		ClientOrderID:   ord.ClientOrderID,
		Symbol:          ord.Symbol,
		Status:          ord.Status,
		ExecutedQty:     parseDecimal(ord.ExecutedQty),
		AvgPrice:        parseDecimal(ord.AvgPrice),
		Raw:             raw,
	}, nil
}

// GetKlines fetches candle history. Pass startMs/endMs as 0 to omit the
// bound; limit 0 uses the venue default.
func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if startMs > 0 {
		params.Set("startTime", strconv.FormatInt(startMs, 10))
	}
	if endMs > 0 {
		params.Set("endTime", strconv.FormatInt(endMs, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	body, err := b.do(ctx, "get_klines", ratelimit.GroupMarket, http.MethodGet, "/fapi/v1/klines", params, false)
	if err != nil {
		return nil, err
	}

	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("get_klines: decode response: %w", err)
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		c, err := parseKlineRow(symbol, interval, row)
		if err != nil {
			return nil, fmt.Errorf("get_klines: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, nil
}

// GetAccount returns equity and open positions. Zero-quantity position slots
// are dropped.
func (b *Binance) GetAccount(ctx context.Context) (*types.AccountState, error) {
	body, err := b.do(ctx, "get_account", ratelimit.GroupAccount, http.MethodGet, "/fapi/v2/account", url.Values{}, true)
	if err != nil {
		return nil, err
	}

	var acct binanceAccount
	if err := json.Unmarshal(body, &acct); err != nil {
		return nil, fmt.Errorf("get_account: decode response: %w", err)
	}

	state := &types.AccountState{
		Equity:           parseDecimal(acct.TotalMarginBalance),
		AvailableBalance: parseDecimal(acct.AvailableBalance),
	}
	for _, p := range acct.Positions {
		qty := parseDecimal(p.PositionAmt)
		if qty.IsZero() {
			continue
		}
		lev, _ := strconv.Atoi(strings.TrimSpace(p.Leverage))
		state.Positions = append(state.Positions, types.ExchangePosition{
			Symbol:        p.Symbol,
			Qty:           qty,
			EntryPrice:    parseDecimal(p.EntryPrice),
			UnrealizedPnl: parseDecimal(p.UnrealizedProfit),
			Leverage:      lev,
		})
	}
	return state, nil
}

// SetLeverage sets per-symbol leverage before sizing an entry.
func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	_, err := b.do(ctx, "set_leverage", ratelimit.GroupAccount, http.MethodPost, "/fapi/v1/leverage", params, true)
	return err
}

// ListenKey opens (or refreshes) the user-data stream key.
func (b *Binance) ListenKey(ctx context.Context) (string, error) {
	body, err := b.do(ctx, "listen_key", ratelimit.GroupAccount, http.MethodPost, "/fapi/v1/listenKey", url.Values{}, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("listen_key: decode response: %w", err)
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream key. The venue expires keys
// after 60 minutes without a keepalive.
func (b *Binance) KeepAliveListenKey(ctx context.Context) error {
	_, err := b.do(ctx, "listen_key_keepalive", ratelimit.GroupAccount, http.MethodPut, "/fapi/v1/listenKey", url.Values{}, false)
	return err
}

// do runs one REST call through the limiter: Acquire gates admission,
// Observe feeds the response back. Returns the raw body on 200.
func (b *Binance) do(ctx context.Context, op string, g ratelimit.Group, method, path string, params url.Values, signed bool) ([]byte, error) {
	if err := b.rl.Acquire(ctx, g); err != nil {
		return nil, fmt.Errorf("%s: acquire permit: %w", op, err)
	}

	qs := params.Encode()
	if signed {
		if qs != "" {
			qs += "&"
		}
		qs += "recvWindow=" + strconv.Itoa(recvWindowMs)
		qs += "&timestamp=" + strconv.FormatInt(b.clk.Now().UnixMilli(), 10)
		qs += "&signature=" + b.sign(qs)
	}
	target := path
	if qs != "" {
		target += "?" + qs
	}

	req := b.http.R().SetContext(ctx)
	if b.apiKey != "" {
		req.SetHeader("X-MBX-APIKEY", b.apiKey)
	}

	started := time.Now()
	resp, err := req.Execute(method, target)
	b.met.ExchangeLatencySeconds.WithLabelValues(b.name, op).Observe(time.Since(started).Seconds())
	if err != nil {
		b.met.ExchangeRequestsTotal.WithLabelValues(b.name, op, "transport_error").Inc()
		return nil, &APIError{Op: op, Msg: err.Error(), Err: err}
	}

	b.rl.Observe(g, resp.StatusCode(), resp.Header())
	b.met.ExchangeRequestsTotal.WithLabelValues(b.name, op, strconv.Itoa(resp.StatusCode())).Inc()

	if resp.StatusCode() != http.StatusOK {
		return nil, b.apiError(op, resp)
	}
	return resp.Body(), nil
}

// sign computes HMAC-SHA256 over the query string exactly as sent, with the
// signature parameter appended last.
func (b *Binance) sign(qs string) string {
	mac := hmac.New(sha256.New, []byte(b.secret))
	mac.Write([]byte(qs))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *Binance) apiError(op string, resp *resty.Response) *APIError {
	apiErr := &APIError{
		Op:     op,
		Status: resp.StatusCode(),
		Msg:    strings.TrimSpace(resp.String()),
	}
	var envelope struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Msg != "" {
		apiErr.VenueCode = envelope.Code
		apiErr.Msg = envelope.Msg
	}
	if ra := resp.Header().Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return apiErr
}

// binanceOrder is the order shape shared by the place, cancel, and query
// endpoints.
type binanceOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	UpdateTime    int64  `json:"updateTime"`
}

type binanceAccount struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	AvailableBalance   string `json:"availableBalance"`
	Positions          []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		UnrealizedProfit string `json:"unrealizedProfit"`
		Leverage         string `json:"leverage"`
	} `json:"positions"`
}

// parseKlineRow decodes one venue kline row:
// [openTime, open, high, low, close, volume, closeTime, ...].
// Times arrive as JSON numbers, prices and volume as strings.
func parseKlineRow(symbol, interval string, row []any) (types.Candle, error) {
	if len(row) < 7 {
		return types.Candle{}, fmt.Errorf("kline row has %d fields, want >= 7", len(row))
	}
	openTime, ok := row[0].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("kline open time is %T, want number", row[0])
	}
	closeTime, ok := row[6].(float64)
	if !ok {
		return types.Candle{}, fmt.Errorf("kline close time is %T, want number", row[6])
	}

	prices := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		s, ok := row[i].(string)
		if !ok {
			return types.Candle{}, fmt.Errorf("kline field %d is %T, want string", i, row[i])
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Candle{}, fmt.Errorf("kline field %d: %w", i, err)
		}
		prices[i-1] = d
	}

	return types.Candle{
		Symbol:      symbol,
		Interval:    interval,
		OpenTimeMs:  int64(openTime),
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      prices[4],
		CloseTimeMs: int64(closeTime),
	}, nil
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
