// userstream.go maintains the authenticated user-data WebSocket stream.
//
// The stream delivers ORDER_TRADE_UPDATE pushes that the engine folds into
// the append-only order event log ahead of its own polling. Lifecycle follows
// the venue's listen-key protocol: POST to open, PUT keepalive every 30
// minutes, reconnect with exponential backoff (1s → 30s max) on any failure
// including listenKeyExpired pushes.

package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"asv8/pkg/types"
)

const (
	streamReadTimeout = 10 * time.Minute // venue pings every ~3 minutes
	streamWriteWait   = 10 * time.Second
	keepAliveInterval = 30 * time.Minute
	maxReconnectWait  = 30 * time.Second
	updateBufferSize  = 256
)

var errListenKeyExpired = fmt.Errorf("listen key expired")

// ListenKeyer opens and refreshes user-data stream keys. *Binance implements it.
type ListenKeyer interface {
	ListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context) error
}

// UserStream consumes the user-data WebSocket and emits typed order updates.
type UserStream struct {
	keys    ListenKeyer
	wsBase  string
	updates chan types.OrderUpdate
	logger  *slog.Logger
}

// NewUserStream prepares the stream. Run must be called to connect.
func NewUserStream(keys ListenKeyer, wsBase string, logger *slog.Logger) *UserStream {
	return &UserStream{
		keys:    keys,
		wsBase:  wsBase,
		updates: make(chan types.OrderUpdate, updateBufferSize),
		logger:  logger.With("component", "user_stream"),
	}
}

// Updates returns the read-only channel of order lifecycle pushes.
func (s *UserStream) Updates() <-chan types.OrderUpdate { return s.updates }

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (s *UserStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := s.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("user stream disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (s *UserStream) connectAndRead(ctx context.Context) error {
	key, err := s.keys.ListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsBase+"/ws/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetPingHandler(func(payload string) error {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(payload), time.Now().Add(streamWriteWait))
	})

	s.logger.Info("user stream connected")

	keepCtx, keepCancel := context.WithCancel(ctx)
	defer keepCancel()
	go s.keepAliveLoop(keepCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := s.dispatchMessage(msg); err != nil {
			return err
		}
	}
}

func (s *UserStream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.keys.KeepAliveListenKey(ctx); err != nil {
				s.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

func (s *UserStream) dispatchMessage(data []byte) error {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		s.logger.Debug("ignoring non-json stream message", "data", string(data))
		return nil
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		var evt struct {
			EventTime int64 `json:"E"`
			Order     struct {
				Symbol        string `json:"s"`
				ClientOrderID string `json:"c"`
				Side          string `json:"S"`
				OrderType     string `json:"o"`
				Status        string `json:"X"`
				OrderID       int64  `json:"i"`
				FilledQty     string `json:"z"`
				AvgPrice      string `json:"ap"`
			} `json:"o"`
		}
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Error("unmarshal order update", "error", err)
			return nil
		}
		update := types.OrderUpdate{
			Symbol:          evt.Order.Symbol,
			ClientOrderID:   evt.Order.ClientOrderID,
			ExchangeOrderID: fmt.Sprintf("%d", evt.Order.OrderID),
			Status:          evt.Order.Status,
			Side:            types.Side(evt.Order.Side),
			OrderType:       evt.Order.OrderType,
			ExecutedQty:     parseDecimal(evt.Order.FilledQty),
			AvgPrice:        parseDecimal(evt.Order.AvgPrice),
			EventTimeMs:     evt.EventTime,
		}
		select {
		case s.updates <- update:
		default:
			s.logger.Warn("update channel full, dropping push", "client_order_id", update.ClientOrderID)
		}

	case "listenKeyExpired":
		return errListenKeyExpired

	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE":
		// Account pushes are covered by REST polling.
		s.logger.Debug("ignoring stream event", "type", envelope.EventType)

	default:
		s.logger.Debug("unknown stream event type", "type", envelope.EventType)
	}
	return nil
}
