package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"asv8/pkg/types"
)

// Category classifies a venue failure for retry decisions.
type Category int

const (
	// CategoryTransient covers network failures, timeouts, and 5xx responses.
	// Safe to retry with the same client order id.
	CategoryTransient Category = iota
	// CategoryRateLimited covers 429 and the venue's 418 ban warning. Retry
	// only after the limiter's backoff window.
	CategoryRateLimited
	// CategoryTerminal covers 4xx rejections. Retrying cannot succeed.
	CategoryTerminal
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryRateLimited:
		return "rate_limited"
	default:
		return "terminal"
	}
}

// APIError is a venue-originated failure. Status 0 means the request never
// produced an HTTP response (dial failure, timeout). VenueCode carries the
// exchange's own error code when the body had one.
type APIError struct {
	Op         string
	Status     int
	VenueCode  int
	Msg        string
	RetryAfter time.Duration
	Err        error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	if e.VenueCode != 0 {
		return fmt.Sprintf("%s: status %d code %d: %s", e.Op, e.Status, e.VenueCode, e.Msg)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// Category maps the failure onto a retry class.
func (e *APIError) Category() Category {
	switch {
	case e.Status == 429 || e.Status == 418:
		return CategoryRateLimited
	case e.Status == 0 || e.Status >= 500:
		return CategoryTransient
	default:
		return CategoryTerminal
	}
}

// Timeout reports whether the failure was a deadline rather than a refusal.
func (e *APIError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(e.Err, &netErr) && netErr.Timeout()
}

// ReasonCodeFor translates a venue failure into the reason code recorded on
// the resulting order event.
func ReasonCodeFor(err error) types.ReasonCode {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.Category() == CategoryRateLimited {
			return types.ReasonRateLimited
		}
		if apiErr.Timeout() {
			return types.ReasonExchangeTimeout
		}
		return types.ReasonExchangeError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ReasonExchangeTimeout
	}
	return types.ReasonExchangeError
}
