package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"asv8/internal/clock"
	"asv8/pkg/types"
)

// AppendOrderEvent inserts one row of the append-only event stream. The
// stream carries at most one row per (exchange, symbol, client_order_id,
// event_type); replays of the same transition report inserted=false and are
// not an error.
func (s *Store) AppendOrderEvent(ctx context.Context, ev *types.OrderEvent) (inserted bool, err error) {
	if ev.EventTsUTC.IsZero() {
		now := s.clk.Now().UTC()
		ev.EventTsUTC = now
		ev.EventTsHK = clock.ToHK(now)
	}
	if len(ev.RawPayloadJSON) == 0 {
		ev.RawPayloadJSON = []byte(`{}`)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_events (
			trace_id, service, exchange, symbol, client_order_id,
			exchange_order_id, event_type, side, qty, price, status,
			reason_code, reason, action, actor,
			event_ts_utc, event_ts_hk, raw_payload_json
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT ON CONSTRAINT uq_order_events DO NOTHING`,
		ev.TraceID, ev.Service, ev.Exchange, ev.Symbol, ev.ClientOrderID,
		ev.ExchangeOrderID, ev.EventType, ev.Side, ev.Qty, ev.Price, ev.Status,
		ev.ReasonCode, ev.Reason, ev.Action, ev.Actor,
		ev.EventTsUTC, ev.EventTsHK, ev.RawPayloadJSON)
	if err != nil {
		return false, fmt.Errorf("append order event %s/%s: %w", ev.ClientOrderID, ev.EventType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append order event rows: %w", err)
	}
	return n > 0, nil
}

// HasOrderEvent reports whether a client order id already carries the given
// event type. The stream is the authoritative order state, so this answers
// questions like "is the stop armed".
func (s *Store) HasOrderEvent(ctx context.Context, clientOrderID string, et types.OrderEventType) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM order_events
			WHERE client_order_id = $1 AND event_type = $2
		)`, clientOrderID, et)
	if err != nil {
		return false, fmt.Errorf("has order event: %w", err)
	}
	return exists, nil
}

// EntryEventExists reports whether any CREATED event exists whose client
// order id starts with prefix. The prefix pins symbol, side, timeframe, and
// bar-close time, so a restarted process with a fresh trace id still detects
// the earlier attempt for the same bar.
func (s *Store) EntryEventExists(ctx context.Context, prefix string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM order_events
			WHERE event_type = $1 AND client_order_id LIKE $2 || '%'
		)`, types.EventCreated, prefix)
	if err != nil {
		return false, fmt.Errorf("entry event exists: %w", err)
	}
	return exists, nil
}

// LatestEventFor returns the newest event row for one client order id, or
// nil when the id was never seen.
func (s *Store) LatestEventFor(ctx context.Context, clientOrderID string) (*types.OrderEvent, error) {
	var ev types.OrderEvent
	err := s.db.GetContext(ctx, &ev, `
		SELECT * FROM order_events
		WHERE client_order_id = $1
		ORDER BY id DESC LIMIT 1`, clientOrderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", clientOrderID, err)
	}
	return &ev, nil
}

// RecentErrors returns the newest ERROR rows for one service, newest first.
// The heartbeat snapshot reports their count.
func (s *Store) RecentErrors(ctx context.Context, service string, limit int) ([]types.OrderEvent, error) {
	var evs []types.OrderEvent
	err := s.db.SelectContext(ctx, &evs, `
		SELECT * FROM order_events
		WHERE service = $1 AND event_type = $2
		ORDER BY id DESC
		LIMIT $3`, service, types.EventError, limit)
	if err != nil {
		return nil, fmt.Errorf("recent errors: %w", err)
	}
	return evs, nil
}

// StaleActiveOrders returns, per client order id, the latest event when that
// event is still CREATED or SUBMITTED and older than cutoff. These are the
// orders reconciliation has to chase.
func (s *Store) StaleActiveOrders(ctx context.Context, cutoff time.Time, limit int) ([]types.OrderEvent, error) {
	var evs []types.OrderEvent
	err := s.db.SelectContext(ctx, &evs, `
		SELECT * FROM (
			SELECT DISTINCT ON (client_order_id) *
			FROM order_events
			ORDER BY client_order_id, id DESC
		) latest
		WHERE latest.event_type IN ($1, $2)
		  AND latest.created_at < $3
		ORDER BY latest.created_at
		LIMIT $4`,
		types.EventCreated, types.EventSubmitted, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("stale active orders: %w", err)
	}
	return evs, nil
}
