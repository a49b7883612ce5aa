// Package types defines shared data structures used across all services.
//
// This package is the common vocabulary for the platform: persistent rows
// (order events, trade logs, candles, feature cache), exchange wire types,
// reason codes, and the client-order-id codec. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"database/sql"
	"time"

	sqlxtypes "github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// Service names persisted into order_events.service and service_status.
const (
	ServiceStrategyEngine = "strategy-engine"
	ServiceDataSyncer     = "data-syncer"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderEventType enumerates the append-only order event stream vocabulary.
// A given client order id can carry at most one row per event type.
type OrderEventType string

const (
	EventCreated       OrderEventType = "CREATED"
	EventSubmitted     OrderEventType = "SUBMITTED"
	EventAck           OrderEventType = "ACK"
	EventPartial       OrderEventType = "PARTIAL"
	EventFilled        OrderEventType = "FILLED"
	EventCanceled      OrderEventType = "CANCELED"
	EventRejected      OrderEventType = "REJECTED"
	EventError         OrderEventType = "ERROR"
	EventReconciled    OrderEventType = "RECONCILED"
	EventStopArmed     OrderEventType = "STOP_ARMED"
	EventStopTriggered OrderEventType = "STOP_TRIGGERED"
	EventStopFilled    OrderEventType = "STOP_FILLED"
)

// ReasonCode is the machine-matchable half of every reason pair. Each code
// travels with a human-readable sentence into events, alerts, and audits.
type ReasonCode string

const (
	// Strategy and trading.
	ReasonSetupBSqueezeRelease ReasonCode = "SETUP_B_SQUEEZE_RELEASE"
	ReasonStopLoss             ReasonCode = "STOP_LOSS"
	ReasonTakeProfit           ReasonCode = "TAKE_PROFIT"
	ReasonManualClose          ReasonCode = "MANUAL_CLOSE"
	ReasonRiskBudgetExceeded   ReasonCode = "RISK_BUDGET_EXCEEDED"
	ReasonStaleCache           ReasonCode = "STALE_CACHE"
	ReasonStopArmFallback      ReasonCode = "STOP_ARM_FAILED_FALLBACK"

	// Scheduling and timeouts.
	ReasonTickTimeout         ReasonCode = "TICK_TIMEOUT"
	ReasonOrderConfirmTimeout ReasonCode = "ORDER_CONFIRM_TIMEOUT"

	// Exchange and rate limiting.
	ReasonRateLimitBackoff ReasonCode = "RATE_LIMIT_BACKOFF"
	ReasonRateLimited      ReasonCode = "RATE_LIMIT_429"
	ReasonExchangeError    ReasonCode = "EXCHANGE_ERROR"
	ReasonExchangeTimeout  ReasonCode = "EXCHANGE_TIMEOUT"

	// Circuit breaker.
	ReasonBreakerOrderFailures ReasonCode = "CIRCUIT_BREAKER_ORDER_FAILURES"
	ReasonBreakerRateLimit     ReasonCode = "CIRCUIT_BREAKER_RATE_LIMIT"
	ReasonBreakerDrawdown      ReasonCode = "CIRCUIT_BREAKER_DRAWDOWN"

	// Admin and ops.
	ReasonAdminHalt         ReasonCode = "ADMIN_HALT"
	ReasonAdminResume       ReasonCode = "ADMIN_RESUME"
	ReasonAdminUpdateConfig ReasonCode = "ADMIN_UPDATE_CONFIG"
	ReasonEmergencyExit     ReasonCode = "EMERGENCY_EXIT"

	// Data and system.
	ReasonReconcile ReasonCode = "RECONCILE"
	ReasonDataSync  ReasonCode = "DATA_SYNC"
	ReasonDataLag   ReasonCode = "DATA_LAG"
	ReasonSystem    ReasonCode = "SYSTEM"
)

// CommandType enumerates the operator directives consumed from control_commands.
type CommandType string

const (
	CommandHalt          CommandType = "HALT"
	CommandResume        CommandType = "RESUME"
	CommandEmergencyExit CommandType = "EMERGENCY_EXIT"
	CommandSetConfig     CommandType = "SET_CONFIG"
	CommandClosePosition CommandType = "CLOSE_POSITION"
)

// CommandStatus tracks the at-least-once queue lifecycle NEW -> PROCESSED|ERROR.
type CommandStatus string

const (
	CommandNew       CommandStatus = "NEW"
	CommandProcessed CommandStatus = "PROCESSED"
	CommandError     CommandStatus = "ERROR"
)

// TaskStatus tracks precompute back-fill tasks.
type TaskStatus string

const (
	TaskPending TaskStatus = "PENDING"
	TaskDone    TaskStatus = "DONE"
	TaskError   TaskStatus = "ERROR"
)

// TradeStatus tracks the trade_logs lifecycle.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// Recognized system_config keys. Values are strings; booleans are "true"/"false".
const (
	ConfigHaltTrading    = "HALT_TRADING"
	ConfigEmergencyExit  = "EMERGENCY_EXIT"
	ConfigSymbols        = "SYMBOLS"
	ConfigTimeframe      = "TIMEFRAME"
	ConfigFeatureVersion = "FEATURE_VERSION"
	ConfigAIModelImpl    = "AI_MODEL_IMPL"
)

// Candle is one OHLCV bar keyed by (symbol, interval, open_time_ms).
// All times are UTC milliseconds.
type Candle struct {
	Symbol      string          `db:"symbol" json:"symbol"`
	Interval    string          `db:"interval" json:"interval"`
	OpenTimeMs  int64           `db:"open_time_ms" json:"open_time_ms"`
	Open        decimal.Decimal `db:"open" json:"open"`
	High        decimal.Decimal `db:"high" json:"high"`
	Low         decimal.Decimal `db:"low" json:"low"`
	Close       decimal.Decimal `db:"close" json:"close"`
	Volume      decimal.Decimal `db:"volume" json:"volume"`
	CloseTimeMs int64           `db:"close_time_ms" json:"close_time_ms"`
}

// FeatureRow is one precomputed indicator set for a bar at a feature version.
// Rows at different versions coexist; readers always filter by version.
type FeatureRow struct {
	Symbol         string         `db:"symbol" json:"symbol"`
	Interval       string         `db:"interval" json:"interval"`
	OpenTimeMs     int64          `db:"open_time_ms" json:"open_time_ms"`
	FeatureVersion int            `db:"feature_version" json:"feature_version"`
	FeaturesJSON   sqlxtypes.JSONText `db:"features_json" json:"features_json"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Features is the decoded indicator set carried in FeatureRow.FeaturesJSON.
// X is the flat input vector consumed by the AI scorer.
type Features struct {
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Ema21     float64   `json:"ema21"`
	Ema55     float64   `json:"ema55"`
	Rsi       float64   `json:"rsi"`
	RsiSlope  float64   `json:"rsi_slope"`
	Adx       float64   `json:"adx"`
	PlusDI    float64   `json:"plus_di"`
	MinusDI   float64   `json:"minus_di"`
	Atr       float64   `json:"atr"`
	SqueezeOn bool      `json:"squeeze_on"`
	Momentum  float64   `json:"momentum"`
	VolRatio  float64   `json:"vol_ratio"`
	BtcCorr   *float64  `json:"btc_corr,omitempty"`
	X         []float64 `json:"x"`
}

// PrecomputeTask drives idempotent back-fill of the feature cache.
// Primary key matches the market_data_cache key.
type PrecomputeTask struct {
	Symbol         string         `db:"symbol"`
	Interval       string         `db:"interval"`
	OpenTimeMs     int64          `db:"open_time_ms"`
	FeatureVersion int            `db:"feature_version"`
	Status         TaskStatus     `db:"status"`
	TryCount       int            `db:"try_count"`
	LastError      sql.NullString `db:"last_error"`
	TraceID        string         `db:"trace_id"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// OrderEvent is one row of the append-only order event stream. Rows are never
// updated or deleted; uniqueness is (exchange, symbol, client_order_id, event_type).
type OrderEvent struct {
	ID              int64               `db:"id"`
	TraceID         string              `db:"trace_id"`
	Service         string              `db:"service"`
	Exchange        string              `db:"exchange"`
	Symbol          string              `db:"symbol"`
	ClientOrderID   string              `db:"client_order_id"`
	ExchangeOrderID sql.NullString      `db:"exchange_order_id"`
	EventType       OrderEventType      `db:"event_type"`
	Side            Side                `db:"side"`
	Qty             decimal.Decimal     `db:"qty"`
	Price           decimal.NullDecimal `db:"price"`
	Status          string              `db:"status"`
	ReasonCode      ReasonCode          `db:"reason_code"`
	Reason          string              `db:"reason"`
	Action          string              `db:"action"`
	Actor           string              `db:"actor"`
	EventTsUTC      time.Time           `db:"event_ts_utc"`
	EventTsHK       time.Time           `db:"event_ts_hk"`
	RawPayloadJSON  sqlxtypes.JSONText      `db:"raw_payload_json"`
	CreatedAt       time.Time           `db:"created_at"`
}

// TradeLog is the lifecycle row for one position, written at open and
// completed at close.
type TradeLog struct {
	ID              int64               `db:"id"`
	Symbol          string              `db:"symbol"`
	Side            Side                `db:"side"`
	Qty             decimal.Decimal     `db:"qty"`
	Leverage        int                 `db:"leverage"`
	EntryPrice      decimal.Decimal     `db:"entry_price"`
	ExitPrice       decimal.NullDecimal `db:"exit_price"`
	Pnl             decimal.NullDecimal `db:"pnl"`
	StopPrice       decimal.Decimal     `db:"stop_price"`
	StopDistPct     decimal.Decimal     `db:"stop_dist_pct"`
	ClientOrderID   string              `db:"client_order_id"`
	ExchangeOrderID sql.NullString      `db:"exchange_order_id"`
	RobotScore      float64             `db:"robot_score"`
	AiProb          sql.NullFloat64     `db:"ai_prob"`
	OpenReasonCode  ReasonCode          `db:"open_reason_code"`
	OpenReason      string              `db:"open_reason"`
	CloseReasonCode sql.NullString      `db:"close_reason_code"`
	CloseReason     sql.NullString      `db:"close_reason"`
	FeaturesJSON    sqlxtypes.JSONText      `db:"features_json"`
	EntryTimeMs     int64               `db:"entry_time_ms"`
	ExitTimeMs      sql.NullInt64       `db:"exit_time_ms"`
	Status          TradeStatus         `db:"status"`
}

// PositionSnapshot is a periodic or event-triggered record of held inventory.
type PositionSnapshot struct {
	ID            int64               `db:"id"`
	Symbol        string              `db:"symbol"`
	BaseQty       decimal.Decimal     `db:"base_qty"`
	AvgEntryPrice decimal.NullDecimal `db:"avg_entry_price"`
	MetaJSON      sqlxtypes.JSONText      `db:"meta_json"`
	CreatedAt     time.Time           `db:"created_at"`
}

// AIModel is one serialized scorer snapshot. Exactly one row per model_name
// has is_current=true; the flip is transactional.
type AIModel struct {
	ID          int64          `db:"id"`
	ModelName   string         `db:"model_name"`
	Impl        string         `db:"impl"`
	Version     int            `db:"version"`
	MetricsJSON sqlxtypes.JSONText `db:"metrics_json"`
	Blob        []byte         `db:"blob"`
	IsCurrent   bool           `db:"is_current"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// ControlCommand is one queued operator directive.
type ControlCommand struct {
	ID          int64          `db:"id"`
	Command     CommandType    `db:"command"`
	PayloadJSON sqlxtypes.JSONText `db:"payload_json"`
	TraceID     string         `db:"trace_id"`
	Actor       string         `db:"actor"`
	ReasonCode  string         `db:"reason_code"`
	Reason      string         `db:"reason"`
	Status      CommandStatus  `db:"status"`
	CreatedAt   time.Time      `db:"created_at"`
	ProcessedAt sql.NullTime   `db:"processed_at"`
}

// ServiceStatus is the per (service, instance) heartbeat row.
type ServiceStatus struct {
	ServiceName string         `db:"service_name"`
	InstanceID  string         `db:"instance_id"`
	StatusJSON  sqlxtypes.JSONText `db:"status_json"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// ConfigAudit is the append-only history of system_config mutations.
type ConfigAudit struct {
	ID         int64          `db:"id"`
	Actor      string         `db:"actor"`
	Action     string         `db:"action"`
	ConfigKey  string         `db:"config_key"`
	OldValue   sql.NullString `db:"old_value"`
	NewValue   string         `db:"new_value"`
	TraceID    string         `db:"trace_id"`
	ReasonCode string         `db:"reason_code"`
	Reason     string         `db:"reason"`
	CreatedAt  time.Time      `db:"created_at"`
}

// ArchiveAudit records one archival run over one table.
type ArchiveAudit struct {
	ID           int64     `db:"id"`
	TableName    string    `db:"table_name"`
	FromOpenTime int64     `db:"from_open_time"`
	ToOpenTime   int64     `db:"to_open_time"`
	MovedRows    int64     `db:"moved_rows"`
	TraceID      string    `db:"trace_id"`
	Status       string    `db:"status"`
	Message      string    `db:"message"`
	CreatedAt    time.Time `db:"created_at"`
}

// OrderRequest is the gateway-facing order submission shape.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          string // "MARKET" or "STOP_MARKET"
	Qty           decimal.Decimal
	Price         decimal.Decimal // stop trigger price for STOP_MARKET, zero for MARKET
	ClientOrderID string
	ReduceOnly    bool
}

// OrderAck is the immediate exchange response to a placement.
type OrderAck struct {
	ExchangeOrderID string
	ClientOrderID   string
	Status          string
	Raw             map[string]any
}

// OrderState is the polled view of one order on the exchange.
type OrderState struct {
	ExchangeOrderID string
	ClientOrderID   string
	Symbol          string
	Status          string // NEW, PARTIALLY_FILLED, FILLED, CANCELED, REJECTED, EXPIRED
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	Raw             map[string]any
}

// Filled reports whether the exchange considers the order complete.
func (s OrderState) Filled() bool { return s.Status == "FILLED" }

// Terminal reports whether no further transitions are possible.
func (s OrderState) Terminal() bool {
	switch s.Status {
	case "FILLED", "CANCELED", "REJECTED", "EXPIRED":
		return true
	}
	return false
}

// ExchangePosition is one open position reported by the account endpoint.
type ExchangePosition struct {
	Symbol        string
	Qty           decimal.Decimal // signed: negative for shorts
	EntryPrice    decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      int
}

// AccountState is the gateway-facing account snapshot.
type AccountState struct {
	Equity           decimal.Decimal
	AvailableBalance decimal.Decimal
	Positions        []ExchangePosition
}

// OrderUpdate is one order lifecycle push from the exchange user-data stream.
type OrderUpdate struct {
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID string
	Status          string
	Side            Side
	OrderType       string
	ExecutedQty     decimal.Decimal
	AvgPrice        decimal.Decimal
	EventTimeMs     int64
}
