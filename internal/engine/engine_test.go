package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/shopspring/decimal"

	"asv8/internal/ai"
	"asv8/internal/clock"
	"asv8/internal/config"
	"asv8/internal/exchange"
	"asv8/internal/features"
	"asv8/internal/lock"
	"asv8/internal/telemetry"
	"asv8/pkg/types"
)

const barMs = 15 * 60 * 1000

var seriesStart = int64(1_700_000_100_000) // aligned to a 15m boundary

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

type fakeNotifier struct {
	mu     sync.Mutex
	system []string
	trade  []string
}

func (f *fakeNotifier) SendSystemAlert(_ context.Context, event, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system = append(f.system, event)
}

func (f *fakeNotifier) SendTradeAlert(_ context.Context, event, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trade = append(f.trade, event)
}

func (f *fakeNotifier) hasSystem(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.system {
		if e == event {
			return true
		}
	}
	return false
}

func (f *fakeNotifier) hasTrade(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.trade {
		if e == event {
			return true
		}
	}
	return false
}

func (f *fakeNotifier) systemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.system)
}

// fakeExchange fills market orders at the last observed mark, like the paper
// venue. Stops and unfilled orders rest as NEW until a test moves them.
type fakeExchange struct {
	mu        sync.Mutex
	orders    map[string]*types.OrderState
	placed    []types.OrderRequest
	stops     []types.OrderRequest
	cancels   []string
	leverages map[string]int
	marks     map[string]decimal.Decimal

	account    *types.AccountState
	accountErr error
	placeErr   error
	stopErr    error
	getErr     map[string]error

	// fillStatus is granted to placed market orders; FILLED by default.
	fillStatus string
	nextID     int
}

func newFakeExchange(equity float64) *fakeExchange {
	return &fakeExchange{
		orders:    map[string]*types.OrderState{},
		leverages: map[string]int{},
		marks:     map[string]decimal.Decimal{},
		getErr:    map[string]error{},
		account: &types.AccountState{
			Equity:           decimal.NewFromFloat(equity),
			AvailableBalance: decimal.NewFromFloat(equity),
		},
		fillStatus: "FILLED",
	}
}

func (x *fakeExchange) Name() string { return "paper" }

func (x *fakeExchange) PlaceOrder(_ context.Context, req types.OrderRequest) (*types.OrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.placeErr != nil {
		return nil, x.placeErr
	}
	x.placed = append(x.placed, req)
	x.nextID++
	st := &types.OrderState{
		ExchangeOrderID: fmt.Sprintf("%d", x.nextID),
		ClientOrderID:   req.ClientOrderID,
		Symbol:          req.Symbol,
		Status:          x.fillStatus,
	}
	if st.Status == "FILLED" {
		st.ExecutedQty = req.Qty
		st.AvgPrice = x.markLocked(req.Symbol)
	}
	x.orders[req.ClientOrderID] = st
	return &types.OrderAck{ExchangeOrderID: st.ExchangeOrderID, ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (x *fakeExchange) SetStop(_ context.Context, symbol string, side types.Side, qty, stopPrice decimal.Decimal, clientOrderID string) (*types.OrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.stopErr != nil {
		return nil, x.stopErr
	}
	x.stops = append(x.stops, types.OrderRequest{
		Symbol: symbol, Side: side, Type: "STOP_MARKET",
		Qty: qty, Price: stopPrice, ClientOrderID: clientOrderID, ReduceOnly: true,
	})
	x.nextID++
	x.orders[clientOrderID] = &types.OrderState{
		ExchangeOrderID: fmt.Sprintf("%d", x.nextID),
		ClientOrderID:   clientOrderID,
		Symbol:          symbol,
		Status:          "NEW",
	}
	return &types.OrderAck{ExchangeOrderID: fmt.Sprintf("%d", x.nextID), ClientOrderID: clientOrderID, Status: "NEW"}, nil
}

func (x *fakeExchange) CancelOrder(_ context.Context, _, clientOrderID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancels = append(x.cancels, clientOrderID)
	if st, ok := x.orders[clientOrderID]; ok {
		st.Status = "CANCELED"
	}
	return nil
}

func (x *fakeExchange) GetOrder(_ context.Context, _, clientOrderID string) (*types.OrderState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.getErr[clientOrderID]; err != nil {
		return nil, err
	}
	if st, ok := x.orders[clientOrderID]; ok {
		cp := *st
		return &cp, nil
	}
	return nil, &exchange.APIError{Op: "get_order", Status: 400, VenueCode: -2013, Msg: "order does not exist"}
}

func (x *fakeExchange) GetAccount(_ context.Context) (*types.AccountState, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.accountErr != nil {
		return nil, x.accountErr
	}
	cp := *x.account
	return &cp, nil
}

func (x *fakeExchange) SetLeverage(_ context.Context, symbol string, leverage int) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.leverages[symbol] = leverage
	return nil
}

func (x *fakeExchange) ObserveMark(symbol string, price decimal.Decimal) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.marks[symbol] = price
}

func (x *fakeExchange) markLocked(symbol string) decimal.Decimal {
	if m, ok := x.marks[symbol]; ok {
		return m
	}
	return decimal.NewFromInt(100)
}

// setOrder seeds the polled state for one client order id.
func (x *fakeExchange) setOrder(st types.OrderState) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cp := st
	x.orders[st.ClientOrderID] = &cp
}

func (x *fakeExchange) placedCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.placed)
}

func (x *fakeExchange) leverageFor(symbol string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.leverages[symbol]
}

func (x *fakeExchange) canceled() []string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]string(nil), x.cancels...)
}

func (x *fakeExchange) placedAt(i int) types.OrderRequest {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.placed[i]
}

type configWrite struct {
	key, value, actor string
	code              types.ReasonCode
}

// fakeEngineStore backs the engine with in-memory tables and doubles as the
// ai.Repo, so ai.Load cold-starts the scorer.
type fakeEngineStore struct {
	mu        sync.Mutex
	events    []types.OrderEvent
	trades    []*types.TradeLog
	nextTrade int64
	snapshots []types.PositionSnapshot
	statuses  []types.ServiceStatus
	configs   map[string]string
	configLog []configWrite
	commands  []*types.ControlCommand
	nextCmd   int64
	rows      map[string][]types.FeatureRow
	savedAI   []*types.AIModel
	allCfgErr error
}

func newFakeEngineStore() *fakeEngineStore {
	return &fakeEngineStore{
		configs: map[string]string{},
		rows:    map[string][]types.FeatureRow{},
	}
}

func (f *fakeEngineStore) AppendOrderEvent(_ context.Context, ev *types.OrderEvent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.Exchange == ev.Exchange && e.Symbol == ev.Symbol &&
			e.ClientOrderID == ev.ClientOrderID && e.EventType == ev.EventType {
			return false, nil
		}
	}
	cp := *ev
	cp.ID = int64(len(f.events) + 1)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	f.events = append(f.events, cp)
	return true, nil
}

func (f *fakeEngineStore) HasOrderEvent(_ context.Context, clientOrderID string, et types.OrderEventType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ClientOrderID == clientOrderID && e.EventType == et {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEngineStore) EntryEventExists(_ context.Context, prefix string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.EventType == types.EventCreated && strings.HasPrefix(e.ClientOrderID, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeEngineStore) LatestEventFor(_ context.Context, clientOrderID string) (*types.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.events) - 1; i >= 0; i-- {
		if f.events[i].ClientOrderID == clientOrderID {
			cp := f.events[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeEngineStore) RecentErrors(_ context.Context, service string, limit int) ([]types.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderEvent
	for i := len(f.events) - 1; i >= 0 && len(out) < limit; i-- {
		if f.events[i].Service == service && f.events[i].EventType == types.EventError {
			out = append(out, f.events[i])
		}
	}
	return out, nil
}

func (f *fakeEngineStore) StaleActiveOrders(_ context.Context, cutoff time.Time, limit int) ([]types.OrderEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := map[string]types.OrderEvent{}
	var order []string
	for _, e := range f.events {
		if _, ok := latest[e.ClientOrderID]; !ok {
			order = append(order, e.ClientOrderID)
		}
		latest[e.ClientOrderID] = e
	}
	var out []types.OrderEvent
	for _, id := range order {
		e := latest[id]
		if e.EventType != types.EventCreated && e.EventType != types.EventSubmitted {
			continue
		}
		if !e.CreatedAt.Before(cutoff) {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeEngineStore) ClaimNextCommand(_ context.Context) (*types.ControlCommand, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.Status == types.CommandNew {
			c.Status = types.CommandProcessed
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeEngineStore) FailCommand(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.ID == id {
			c.Status = types.CommandError
			return nil
		}
	}
	return fmt.Errorf("command %d not found", id)
}

func (f *fakeEngineStore) AllSystemConfig(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allCfgErr != nil {
		return nil, f.allCfgErr
	}
	out := make(map[string]string, len(f.configs))
	for k, v := range f.configs {
		out[k] = v
	}
	return out, nil
}

func (f *fakeEngineStore) WriteSystemConfig(_ context.Context, key, value, actor, _ string, code types.ReasonCode, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[key] = value
	f.configLog = append(f.configLog, configWrite{key: key, value: value, actor: actor, code: code})
	return nil
}

func (f *fakeEngineStore) UpsertServiceStatus(_ context.Context, st *types.ServiceStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, *st)
	return nil
}

func (f *fakeEngineStore) InsertTradeLog(_ context.Context, t *types.TradeLog) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrade++
	cp := *t
	cp.ID = f.nextTrade
	f.trades = append(f.trades, &cp)
	return cp.ID, nil
}

func (f *fakeEngineStore) CloseTradeLog(_ context.Context, id int64, exitPrice, pnl decimal.Decimal, exitTimeMs int64, code types.ReasonCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.ID == id {
			t.Status = types.TradeClosed
			t.ExitPrice = decimal.NewNullDecimal(exitPrice)
			t.Pnl = decimal.NewNullDecimal(pnl)
			t.ExitTimeMs = sql.NullInt64{Int64: exitTimeMs, Valid: true}
			t.CloseReasonCode = sql.NullString{String: string(code), Valid: true}
			t.CloseReason = sql.NullString{String: reason, Valid: true}
			return nil
		}
	}
	return fmt.Errorf("trade %d not found", id)
}

func (f *fakeEngineStore) OpenTrade(_ context.Context, symbol string) (*types.TradeLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.Symbol == symbol && t.Status == types.TradeOpen {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeEngineStore) OpenTrades(_ context.Context) ([]types.TradeLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.TradeLog
	for _, t := range f.trades {
		if t.Status == types.TradeOpen {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeEngineStore) SavePositionSnapshot(_ context.Context, snap *types.PositionSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, *snap)
	return nil
}

func (f *fakeEngineStore) LastTwoFeatureRows(_ context.Context, symbol, interval string, version int) ([]types.FeatureRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.FeatureRow
	for _, r := range f.rows[symbol] {
		if r.Interval == interval && r.FeatureVersion == version {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTimeMs > out[j].OpenTimeMs })
	if len(out) > 2 {
		out = out[:2]
	}
	return out, nil
}

func (f *fakeEngineStore) CurrentAIModel(_ context.Context, _ string) (*types.AIModel, error) {
	return nil, nil
}

func (f *fakeEngineStore) SaveAIModel(_ context.Context, m *types.AIModel) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedAI = append(f.savedAI, m)
	return nil
}

func (f *fakeEngineStore) seedRows(rows ...types.FeatureRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rows {
		f.rows[r.Symbol] = append(f.rows[r.Symbol], r)
	}
}

func (f *fakeEngineStore) seedTrade(t types.TradeLog) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrade++
	t.ID = f.nextTrade
	f.trades = append(f.trades, &t)
	return t.ID
}

func (f *fakeEngineStore) seedEvent(ev types.OrderEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev.ID = int64(len(f.events) + 1)
	if ev.Exchange == "" {
		ev.Exchange = "paper"
	}
	f.events = append(f.events, ev)
}

func (f *fakeEngineStore) enqueueCommand(cmd types.ControlCommand) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextCmd++
	cmd.ID = f.nextCmd
	cmd.Status = types.CommandNew
	f.commands = append(f.commands, &cmd)
	return cmd.ID
}

func (f *fakeEngineStore) commandStatus(id int64) types.CommandStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.commands {
		if c.ID == id {
			return c.Status
		}
	}
	return ""
}

func (f *fakeEngineStore) eventTypes(clientOrderID string) []types.OrderEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderEventType
	for _, e := range f.events {
		if e.ClientOrderID == clientOrderID {
			out = append(out, e.EventType)
		}
	}
	return out
}

func (f *fakeEngineStore) eventsOfType(et types.OrderEventType) []types.OrderEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.OrderEvent
	for _, e := range f.events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeEngineStore) findEvent(clientOrderID string, et types.OrderEventType) (types.OrderEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.ClientOrderID == clientOrderID && e.EventType == et {
			return e, true
		}
	}
	return types.OrderEvent{}, false
}

func (f *fakeEngineStore) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func (f *fakeEngineStore) tradeByID(id int64) (types.TradeLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.trades {
		if t.ID == id {
			return *t, true
		}
	}
	return types.TradeLog{}, false
}

func (f *fakeEngineStore) configValue(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.configs[key]
}

func (f *fakeEngineStore) setConfig(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[key] = value
}

func (f *fakeEngineStore) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configLog)
}

func (f *fakeEngineStore) lastWrite() (configWrite, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.configLog) == 0 {
		return configWrite{}, false
	}
	return f.configLog[len(f.configLog)-1], true
}

func testEngineConfig(symbols ...string) *config.Config {
	return &config.Config{
		Trading: config.TradingConfig{
			Symbols:             symbols,
			Timeframe:           "15m",
			EnableTrading:       true,
			PaperTrading:        true,
			PaperEquity:         10000,
			TradeLockTTLSeconds: 30,
		},
		Schedule: config.ScheduleConfig{
			TickBudgetSeconds:               10,
			ControlPollSeconds:              2,
			PositionSnapshotIntervalSeconds: 300,
			HeartbeatIntervalSeconds:        30,
			OrderConfirmTimeoutSeconds:      8,
			ReconcileMaxAgeSeconds:          180,
		},
		Strategy: config.StrategyConfig{
			AdxMin:          25,
			VolRatioMin:     1.5,
			AIScoreMin:      50,
			StopAtrMult:     2,
			TakeProfitRR:    1.5,
			AutoLeverageMin: 10,
			AutoLeverageMax: 20,
		},
		Risk: config.RiskConfig{
			MinMarginUSD:    50,
			EquityFraction:  0.10,
			AmplifyScoreMin: 85,
			ScoreAmplifier:  1.2,
			MaxRiskFraction: 0.03,
			MaxLeverage:     20,
		},
		AI: config.AIConfig{
			ModelImpl:    "online_lr",
			ModelName:    "setup_b",
			Dim:          features.Dim,
			LearningRate: 0.05,
			L2:           1e-6,
			PersistEvery: 5,
		},
		Features: config.FeatureConfig{Version: 3},
	}
}

// newTestEngine wires an engine over the fakes with a cold-started scorer
// and a redis-mocked trade locker.
func newTestEngine(t *testing.T, cfg *config.Config, st *fakeEngineStore, exch *fakeExchange, n *fakeNotifier, clk clock.Clock) (*Engine, redismock.ClientMock) {
	t.Helper()
	db, rmock := redismock.NewClientMock()
	model, err := ai.Load(context.Background(), st, cfg.AI, testLogger())
	if err != nil {
		t.Fatalf("ai.Load: %v", err)
	}
	eng, err := New(cfg, st, exch, lock.New(db, testLogger()), model, n, nil, telemetry.New("test"), clk, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		eng.cancel()
		eng.pool.Release()
	})
	return eng, rmock
}

// grantLock queues n successful SETNX grants for symbol. Lease tokens are
// random, so the value matches by pattern; release scripts go unmatched,
// which only logs.
func grantLock(rmock redismock.ClientMock, symbol string, n int) {
	for i := 0; i < n; i++ {
		rmock.Regexp().ExpectSetNX("asv8:lock:trade:"+symbol, `.+`, 30*time.Second).SetVal(true)
	}
}

func featureRow(t *testing.T, symbol string, openMs int64, f *types.Features) types.FeatureRow {
	t.Helper()
	blob, err := features.Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return types.FeatureRow{
		Symbol:         symbol,
		Interval:       "15m",
		OpenTimeMs:     openMs,
		FeatureVersion: 3,
		FeaturesJSON:   blob,
	}
}

// setupBRows returns the two newest cached bars carrying a fresh squeeze
// release: prev squeezed with momentum down, curr released and positive on
// strong trend and volume. The cold scorer grades any bar 50, exactly on
// the AI gate.
func setupBRows(t *testing.T, symbol string, tickBarMs int64) []types.FeatureRow {
	t.Helper()
	prev := types.Features{
		Close: 49850, Volume: 1200, Rsi: 52, RsiSlope: -0.2,
		Adx: 26, PlusDI: 20, MinusDI: 16, Atr: 145,
		SqueezeOn: true, Momentum: -0.4, VolRatio: 1.1,
	}
	curr := types.Features{
		Close: 50000, Volume: 2100, Rsi: 58, RsiSlope: 0.6,
		Adx: 28, PlusDI: 24, MinusDI: 12, Atr: 150,
		SqueezeOn: false, Momentum: 0.3, VolRatio: 2.1,
	}
	prev.X = features.Vector(&prev)
	curr.X = features.Vector(&curr)
	return []types.FeatureRow{
		featureRow(t, symbol, tickBarMs-2*barMs, &prev),
		featureRow(t, symbol, tickBarMs-barMs, &curr),
	}
}

func closeRow(t *testing.T, symbol string, openMs int64, close float64) types.FeatureRow {
	t.Helper()
	return featureRow(t, symbol, openMs, &types.Features{Close: close})
}

// openTradeFixture is a long 0.5 @ 50000 with the stop at 49700, entry
// features attached so the close path can learn from it.
func openTradeFixture(t *testing.T, symbol, clientID string) types.TradeLog {
	t.Helper()
	feats := types.Features{
		Close: 50000, Adx: 28, PlusDI: 24, MinusDI: 12,
		Momentum: 0.3, VolRatio: 2.1,
	}
	feats.X = features.Vector(&feats)
	blob, err := features.Encode(&feats)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return types.TradeLog{
		Symbol:         symbol,
		Side:           types.BUY,
		Qty:            decimal.NewFromFloat(0.5),
		Leverage:       10,
		EntryPrice:     decimal.NewFromInt(50000),
		StopPrice:      decimal.NewFromInt(49700),
		StopDistPct:    decimal.NewFromFloat(0.006),
		ClientOrderID:  clientID,
		RobotScore:     50,
		OpenReasonCode: types.ReasonSetupBSqueezeRelease,
		FeaturesJSON:   blob,
		EntryTimeMs:    seriesStart,
		Status:         types.TradeOpen,
	}
}

func TestRunTickOpensPosition(t *testing.T) {
	t.Parallel()

	tickBar := seriesStart + 40*barMs
	now := time.UnixMilli(tickBar)
	st := newFakeEngineStore()
	st.seedRows(setupBRows(t, "BTCUSDT", tickBar)...)
	exch := newFakeExchange(10000)
	notifier := &fakeNotifier{}
	eng, rmock := newTestEngine(t, testEngineConfig("BTCUSDT"), st, exch, notifier, &fakeClock{now: now})
	grantLock(rmock, "BTCUSDT", 1)

	eng.runTick(now, tickBar)

	if got := exch.placedCount(); got != 1 {
		t.Fatalf("orders placed = %d, want 1", got)
	}
	req := exch.placedAt(0)
	if req.Side != types.BUY || req.Type != "MARKET" || req.ReduceOnly {
		t.Errorf("entry order = %+v, want plain market buy", req)
	}
	wantPrefix := fmt.Sprintf("asv8-BTCUSDT-BUY-15m-%d-", tickBar/1000)
	if !strings.HasPrefix(req.ClientOrderID, wantPrefix) {
		t.Errorf("client order id = %q, want prefix %q", req.ClientOrderID, wantPrefix)
	}
	// Equity 10000: margin 1000, score 50 maps to 15x, qty 1000*15/50000.
	if !req.Qty.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("qty = %s, want 0.3", req.Qty)
	}
	if lev := exch.leverageFor("BTCUSDT"); lev != 15 {
		t.Errorf("leverage = %d, want 15", lev)
	}

	wantSeq := []types.OrderEventType{types.EventCreated, types.EventSubmitted, types.EventFilled}
	gotSeq := st.eventTypes(req.ClientOrderID)
	if len(gotSeq) != len(wantSeq) {
		t.Fatalf("entry events = %v, want %v", gotSeq, wantSeq)
	}
	for i := range wantSeq {
		if gotSeq[i] != wantSeq[i] {
			t.Fatalf("entry events = %v, want %v", gotSeq, wantSeq)
		}
	}

	stopID := types.StopOrderID(req.ClientOrderID)
	armed, ok := st.findEvent(stopID, types.EventStopArmed)
	if !ok {
		t.Fatal("no STOP_ARMED event for the protective stop")
	}
	if !armed.Price.Decimal.Equal(decimal.NewFromInt(49700)) {
		t.Errorf("armed stop price = %s, want 49700", armed.Price.Decimal)
	}

	tr, ok := st.tradeByID(1)
	if !ok {
		t.Fatal("no trade log row")
	}
	if tr.Status != types.TradeOpen || tr.Leverage != 15 {
		t.Errorf("trade = status %s leverage %d, want OPEN 15x", tr.Status, tr.Leverage)
	}
	if !tr.EntryPrice.Equal(decimal.NewFromInt(50000)) || !tr.StopPrice.Equal(decimal.NewFromInt(49700)) {
		t.Errorf("trade prices = entry %s stop %s, want 50000/49700", tr.EntryPrice, tr.StopPrice)
	}
	if tr.OpenReasonCode != types.ReasonSetupBSqueezeRelease {
		t.Errorf("open reason = %s, want %s", tr.OpenReasonCode, types.ReasonSetupBSqueezeRelease)
	}
	if len(st.snapshots) != 1 || !st.snapshots[0].BaseQty.Equal(decimal.NewFromFloat(0.3)) {
		t.Errorf("snapshots = %+v, want one entry snapshot of 0.3", st.snapshots)
	}
	if !notifier.hasTrade("TRADE_OPENED") {
		t.Error("TRADE_OPENED alert not sent")
	}
}

func TestRunTickHaltBlocksEntriesNotExits(t *testing.T) {
	t.Parallel()

	tickBar := seriesStart + 40*barMs
	now := time.UnixMilli(tickBar)
	st := newFakeEngineStore()
	st.setConfig(types.ConfigHaltTrading, "true")
	st.seedRows(setupBRows(t, "BTCUSDT", tickBar)...)
	// Mark 49600 breaches the 49700 stop, so the sweep must flatten even
	// while halted.
	st.seedRows(closeRow(t, "BTCUSDT", tickBar-barMs+1, 49600))
	id := st.seedTrade(openTradeFixture(t, "BTCUSDT", "asv8-BTCUSDT-BUY-15m-1700000100-abc123"))
	exch := newFakeExchange(10000)
	notifier := &fakeNotifier{}
	eng, _ := newTestEngine(t, testEngineConfig("BTCUSDT"), st, exch, notifier, &fakeClock{now: now})

	eng.runTick(now, tickBar)

	if got := exch.placedCount(); got != 1 {
		t.Fatalf("orders placed = %d, want only the exit", got)
	}
	if req := exch.placedAt(0); !req.ReduceOnly || req.Side != types.SELL {
		t.Errorf("order = %+v, want reduce-only sell", req)
	}
	tr, _ := st.tradeByID(id)
	if tr.Status != types.TradeClosed {
		t.Errorf("trade status = %s, want CLOSED while halted", tr.Status)
	}
	if created := st.eventsOfType(types.EventCreated); len(created) != 1 {
		t.Errorf("CREATED events = %d, want 1 (exit only, no entry)", len(created))
	}
}

func TestRunTickSkipsEntriesWithoutAccount(t *testing.T) {
	t.Parallel()

	tickBar := seriesStart + 40*barMs
	now := time.UnixMilli(tickBar)
	st := newFakeEngineStore()
	st.seedRows(setupBRows(t, "BTCUSDT", tickBar)...)
	exch := newFakeExchange(10000)
	exch.accountErr = &exchange.APIError{Op: "account", Status: 0, Msg: "dial tcp: i/o timeout"}
	eng, _ := newTestEngine(t, testEngineConfig("BTCUSDT"), st, exch, &fakeNotifier{}, &fakeClock{now: now})

	eng.runTick(now, tickBar)

	if got := exch.placedCount(); got != 0 {
		t.Fatalf("orders placed = %d, want 0 without an equity reading", got)
	}
	errs := st.eventsOfType(types.EventError)
	if len(errs) != 1 || errs[0].Action != "TICK" {
		t.Fatalf("error events = %+v, want one TICK loop error", errs)
	}
	if eng.lastTickMs.Load() != 0 {
		t.Error("tick marked complete despite missing account snapshot")
	}
}

func TestNoteBackoffRecordsEvent(t *testing.T) {
	t.Parallel()

	st := newFakeEngineStore()
	eng, _ := newTestEngine(t, testEngineConfig("BTCUSDT"), st, newFakeExchange(10000), &fakeNotifier{}, &fakeClock{now: time.UnixMilli(seriesStart)})

	eng.NoteBackoff("order", 2*time.Second, 429)

	errs := st.eventsOfType(types.EventError)
	if len(errs) != 1 {
		t.Fatalf("events = %d, want 1", len(errs))
	}
	ev := errs[0]
	if ev.Status != "BACKOFF" || ev.ReasonCode != types.ReasonRateLimitBackoff || ev.Symbol != "order" {
		t.Errorf("event = %+v, want BACKOFF/RATE_LIMIT_BACKOFF on group order", ev)
	}
}

func TestHeartbeatWritesStatusAndReady(t *testing.T) {
	t.Parallel()

	st := newFakeEngineStore()
	st.seedTrade(openTradeFixture(t, "BTCUSDT", "asv8-BTCUSDT-BUY-15m-1700000100-abc123"))
	eng, _ := newTestEngine(t, testEngineConfig("BTCUSDT"), st, newFakeExchange(10000), &fakeNotifier{}, &fakeClock{now: time.UnixMilli(seriesStart)})

	eng.heartbeat(context.Background())

	if len(st.statuses) != 1 {
		t.Fatalf("statuses = %d, want 1", len(st.statuses))
	}
	row := st.statuses[0]
	if row.ServiceName != types.ServiceStrategyEngine || row.InstanceID == "" {
		t.Errorf("status row = %+v, want strategy-engine with instance id", row)
	}
	var snap struct {
		OpenTrades  int  `json:"open_trades"`
		HaltTrading bool `json:"halt_trading"`
	}
	if err := json.Unmarshal(row.StatusJSON, &snap); err != nil {
		t.Fatalf("status json: %v", err)
	}
	if snap.OpenTrades != 1 || snap.HaltTrading {
		t.Errorf("snapshot = %+v, want one open trade, not halted", snap)
	}
	select {
	case <-eng.Ready():
	default:
		t.Error("Ready not closed after first heartbeat")
	}
}

func TestStartStopIdlesOffBoundary(t *testing.T) {
	t.Parallel()

	// 06:22 HK: inside a bar, so the scheduler must sleep, not tick.
	now := time.UnixMilli(seriesStart + 7*60*1000)
	st := newFakeEngineStore()
	eng, _ := newTestEngine(t, testEngineConfig("BTCUSDT"), st, newFakeExchange(10000), &fakeNotifier{}, &fakeClock{now: now})

	if err := eng.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-eng.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("engine never became ready")
	}
	eng.Stop()

	if st.eventCount() != 0 {
		t.Errorf("events = %d, want none off the bar boundary", st.eventCount())
	}
	if len(st.statuses) == 0 {
		t.Error("no heartbeat written")
	}
	if len(st.savedAI) == 0 {
		t.Error("model not persisted on shutdown")
	}
}
