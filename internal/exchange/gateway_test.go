package exchange

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"asv8/pkg/types"
)

// scriptedVenue returns queued errors before succeeding, recording every
// request it sees.
type scriptedVenue struct {
	mu        sync.Mutex
	placeErrs []error
	placeReqs []types.OrderRequest
}

func (v *scriptedVenue) Name() string { return "scripted" }

func (v *scriptedVenue) PlaceOrder(ctx context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placeReqs = append(v.placeReqs, req)
	if len(v.placeErrs) > 0 {
		err := v.placeErrs[0]
		v.placeErrs = v.placeErrs[1:]
		return nil, err
	}
	return &types.OrderAck{ExchangeOrderID: "1", ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (v *scriptedVenue) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	return nil
}

func (v *scriptedVenue) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.OrderState, error) {
	return &types.OrderState{ClientOrderID: clientOrderID, Status: "NEW"}, nil
}

func (v *scriptedVenue) GetKlines(ctx context.Context, symbol, interval string, startMs, endMs int64, limit int) ([]types.Candle, error) {
	return nil, nil
}

func (v *scriptedVenue) GetAccount(ctx context.Context) (*types.AccountState, error) {
	return &types.AccountState{}, nil
}

func (v *scriptedVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (v *scriptedVenue) requests() []types.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]types.OrderRequest(nil), v.placeReqs...)
}

func newTestGateway(v Venue) *Gateway {
	return &Gateway{
		venue:       v,
		logger:      testLogger(),
		maxAttempts: 3,
		retryWait:   time.Millisecond,
	}
}

func TestGatewayRetriesTransientPreservingClientOrderID(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{placeErrs: []error{
		&APIError{Op: "place_order", Status: 503, Msg: "Service unavailable"},
		&APIError{Op: "place_order", Status: 0, Msg: "connection reset"},
	}}
	g := newTestGateway(venue)

	ack, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: "MARKET",
		Qty: decimal.NewFromInt(1), ClientOrderID: "asv8-entry-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != "NEW" {
		t.Errorf("Status = %q, want NEW", ack.Status)
	}

	reqs := venue.requests()
	if len(reqs) != 3 {
		t.Fatalf("venue saw %d attempts, want 3", len(reqs))
	}
	for i, r := range reqs {
		if r.ClientOrderID != "asv8-entry-1" {
			t.Errorf("attempt %d ClientOrderID = %q, want asv8-entry-1", i+1, r.ClientOrderID)
		}
	}
}

func TestGatewayTerminalErrorNoRetry(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{placeErrs: []error{
		&APIError{Op: "place_order", Status: 400, VenueCode: -2010, Msg: "Margin is insufficient."},
	}}
	g := newTestGateway(venue)

	_, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: "MARKET",
		Qty: decimal.NewFromInt(1), ClientOrderID: "asv8-entry-1",
	})
	if err == nil {
		t.Fatal("PlaceOrder returned nil for a terminal rejection")
	}
	if got := len(venue.requests()); got != 1 {
		t.Errorf("venue saw %d attempts, want 1 (no retry on terminal)", got)
	}
}

func TestGatewayGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{placeErrs: []error{
		&APIError{Op: "place_order", Status: 500},
		&APIError{Op: "place_order", Status: 500},
		&APIError{Op: "place_order", Status: 500},
	}}
	g := newTestGateway(venue)

	_, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: "MARKET",
		Qty: decimal.NewFromInt(1), ClientOrderID: "asv8-entry-1",
	})
	if err == nil {
		t.Fatal("PlaceOrder returned nil after exhausting retries")
	}
	if got := len(venue.requests()); got != 3 {
		t.Errorf("venue saw %d attempts, want 3", got)
	}
}

func TestGatewayRateLimitedSkipsLocalSleep(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{placeErrs: []error{
		&APIError{Op: "place_order", Status: 429},
	}}
	g := newTestGateway(venue)
	g.retryWait = 5 * time.Second // would dominate if the local sleep ran

	start := time.Now()
	_, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: "MARKET",
		Qty: decimal.NewFromInt(1), ClientOrderID: "asv8-entry-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("rate-limited retry slept locally for %v", elapsed)
	}
	if got := len(venue.requests()); got != 2 {
		t.Errorf("venue saw %d attempts, want 2", got)
	}
}

func TestGatewaySetStopShape(t *testing.T) {
	t.Parallel()

	venue := &scriptedVenue{}
	g := newTestGateway(venue)

	_, err := g.SetStop(context.Background(), "BTCUSDT", types.SELL,
		decimal.NewFromInt(1), decimal.NewFromInt(95), "asv8-entry-1-stop")
	if err != nil {
		t.Fatalf("SetStop: %v", err)
	}

	reqs := venue.requests()
	if len(reqs) != 1 {
		t.Fatalf("venue saw %d requests, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Type != "STOP_MARKET" {
		t.Errorf("Type = %q, want STOP_MARKET", req.Type)
	}
	if !req.ReduceOnly {
		t.Error("stop order must be reduce-only")
	}
	if !req.Price.Equal(decimal.NewFromInt(95)) {
		t.Errorf("trigger = %s, want 95", req.Price)
	}
	if req.ClientOrderID != "asv8-entry-1-stop" {
		t.Errorf("ClientOrderID = %q, want asv8-entry-1-stop", req.ClientOrderID)
	}
}

func TestGatewayObserveMark(t *testing.T) {
	t.Parallel()

	paper := newTestPaper()
	g := NewGateway(paper, testLogger())

	g.ObserveMark("BTCUSDT", decimal.NewFromInt(40000))

	// The mark became the paper venue's reference price.
	ack, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.BUY, Type: "MARKET",
		Qty: decimal.NewFromInt(1), ClientOrderID: "asv8-entry-1",
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.Status != "FILLED" {
		t.Fatalf("Status = %q, want FILLED", ack.Status)
	}
	state, _ := paper.GetOrder(context.Background(), "BTCUSDT", "asv8-entry-1")
	if !state.AvgPrice.Equal(decimal.NewFromInt(40000)) {
		t.Errorf("fill price = %s, want mark 40000", state.AvgPrice)
	}

	// A venue without a mark sink ignores observations.
	NewGateway(&scriptedVenue{}, testLogger()).ObserveMark("BTCUSDT", decimal.NewFromInt(1))
}
