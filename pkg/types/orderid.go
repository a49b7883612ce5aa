package types

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// ClientOrderIDPrefix namespaces every id this system submits to an exchange.
const ClientOrderIDPrefix = "asv8"

// maxClientOrderIDLen is the common exchange ceiling for custom order ids.
const maxClientOrderIDLen = 64

const stopOrderIDSuffix = "-stop"

const exitOrderIDSuffix = "-exit"

// ClientOrderID is the decoded form of an order idempotency key:
//
//	asv8-{symbol}-{side}-{timeframe}-{barCloseTs}-{nonce}
//
// The nonce is a stable short hash of the originating trace id, so every
// retry of the same decision reuses the same id and the exchange dedupes.
type ClientOrderID struct {
	Symbol     string
	Side       Side
	Timeframe  string
	BarCloseTs int64 // unix seconds of the decision bar's close
	Nonce      string
}

// String encodes the id in wire form.
func (c ClientOrderID) String() string {
	return fmt.Sprintf("%s-%s-%s-%s-%d-%s",
		ClientOrderIDPrefix, c.Symbol, c.Side, c.Timeframe, c.BarCloseTs, c.Nonce)
}

// NewClientOrderID builds the idempotency key for one order decision.
// The same (symbol, side, timeframe, barCloseTs, traceID) always yields the
// same id; ids never exceed 64 characters for plain futures symbols.
func NewClientOrderID(symbol string, side Side, timeframe string, barCloseTs int64, traceID string) ClientOrderID {
	return ClientOrderID{
		Symbol:     strings.ToUpper(symbol),
		Side:       side,
		Timeframe:  timeframe,
		BarCloseTs: barCloseTs,
		Nonce:      NonceFromTrace(traceID),
	}
}

// NonceFromTrace derives the 6-hex-char order nonce from a trace id.
func NonceFromTrace(traceID string) string {
	sum := sha1.Sum([]byte(traceID))
	return hex.EncodeToString(sum[:])[:6]
}

// EntryIDPrefix is the id prefix shared by every nonce variant of one entry
// decision. A restarted process carries a fresh trace id and therefore a
// fresh nonce, so duplicate detection matches on this prefix instead.
func EntryIDPrefix(symbol string, side Side, timeframe string, barCloseTs int64) string {
	return fmt.Sprintf("%s-%s-%s-%s-%d-",
		ClientOrderIDPrefix, strings.ToUpper(symbol), side, timeframe, barCloseTs)
}

// ParseClientOrderID decodes a wire-form id. It rejects ids that do not carry
// the asv8 prefix or do not have exactly six dash-separated fields, so stop
// ids and foreign ids fail cleanly.
func ParseClientOrderID(id string) (ClientOrderID, error) {
	if len(id) > maxClientOrderIDLen {
		return ClientOrderID{}, fmt.Errorf("parse client order id: %d chars exceeds %d", len(id), maxClientOrderIDLen)
	}
	parts := strings.Split(id, "-")
	if len(parts) != 6 {
		return ClientOrderID{}, fmt.Errorf("parse client order id %q: want 6 fields, got %d", id, len(parts))
	}
	if parts[0] != ClientOrderIDPrefix {
		return ClientOrderID{}, fmt.Errorf("parse client order id %q: missing %q prefix", id, ClientOrderIDPrefix)
	}
	side := Side(parts[2])
	if side != BUY && side != SELL {
		return ClientOrderID{}, fmt.Errorf("parse client order id %q: bad side %q", id, parts[2])
	}
	ts, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return ClientOrderID{}, fmt.Errorf("parse client order id %q: bar close ts: %w", id, err)
	}
	if parts[1] == "" || parts[3] == "" || parts[5] == "" {
		return ClientOrderID{}, fmt.Errorf("parse client order id %q: empty field", id)
	}
	return ClientOrderID{
		Symbol:     parts[1],
		Side:       side,
		Timeframe:  parts[3],
		BarCloseTs: ts,
		Nonce:      parts[5],
	}, nil
}

// StopOrderID derives the protective-stop id from its parent order id.
func StopOrderID(parent string) string { return parent + stopOrderIDSuffix }

// ExitOrderID derives the position-close id from its parent order id. One
// trade closes at most once, so replays of a close land on the same id.
func ExitOrderID(parent string) string { return parent + exitOrderIDSuffix }

// ParentOfStopOrderID returns the parent id and true when id is a stop id.
func ParentOfStopOrderID(id string) (string, bool) {
	if !strings.HasSuffix(id, stopOrderIDSuffix) {
		return "", false
	}
	return strings.TrimSuffix(id, stopOrderIDSuffix), true
}

// ParentOfExitOrderID returns the parent id and true when id is an exit id.
func ParentOfExitOrderID(id string) (string, bool) {
	if !strings.HasSuffix(id, exitOrderIDSuffix) {
		return "", false
	}
	return strings.TrimSuffix(id, exitOrderIDSuffix), true
}
