// Package lock provides the per-symbol trade lock backed by Redis.
//
// One lease guards mutation of one symbol's position across processes. The
// lease value is a random token so only the holder can release it: release is
// a Lua compare-and-delete, and releasing an expired lease is a no-op rather
// than an error.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the symbol lock. Callers
// skip the symbol for this tick instead of waiting.
var ErrLockHeld = errors.New("trade lock already held")

const keyPrefix = "asv8:lock:trade:"

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker acquires trade leases.
type Locker struct {
	rdb     *redis.Client
	logger  *slog.Logger
	tokenFn func() string
}

// New wraps an existing Redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Locker {
	return &Locker{
		rdb:     rdb,
		logger:  logger.With("component", "lock"),
		tokenFn: uuid.NewString,
	}
}

// Lease is one held symbol lock.
type Lease struct {
	key    string
	token  string
	locker *Locker
}

// Key returns the Redis key backing the lease.
func (l *Lease) Key() string { return l.key }

// Acquire takes the symbol lock with SET NX PX semantics. Returns ErrLockHeld
// when someone else holds it.
func (l *Locker) Acquire(ctx context.Context, symbol string, ttl time.Duration) (*Lease, error) {
	key := keyPrefix + symbol
	token := l.tokenFn()

	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lease{key: key, token: token, locker: l}, nil
}

// Release deletes the lease if this holder still owns it. A lease that
// already expired (and was possibly re-acquired by someone else) is left
// alone.
func (le *Lease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, le.locker.rdb, []string{le.key}, le.token).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", le.key, err)
	}
	if deleted == 0 {
		le.locker.logger.Warn("lease expired before release", "key", le.key)
	}
	return nil
}
