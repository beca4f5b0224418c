// Package lock provides Redis-backed leases so pipeline sweeps run on at
// most one instance at a time.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
)

const keyPrefix = "stt:lock:"

// releaseScript deletes the lock only if this holder still owns it, so a
// lease that expired and was re-acquired elsewhere is never released by the
// old holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the TTL only while this holder still owns the lock.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Manager hands out leases identified by a per-process holder id.
type Manager struct {
	rdb      *redis.Client
	holderID string
	logger   zerolog.Logger
}

func NewManager(rdb *redis.Client, holderID string) *Manager {
	return &Manager{
		rdb:      rdb,
		holderID: holderID,
		logger:   logging.Component("lock"),
	}
}

// Lease is held ownership of a named lock until its deadline. Work guarded
// by a lease must bound any external call by Deadline, since Redis reclaims
// the lock on TTL regardless of what the holder is doing.
type Lease struct {
	mgr      *Manager
	key      string
	deadline time.Time
}

// TryAcquire attempts to take the named lock. acquired is false when another
// holder owns it; that is the normal case on multi-instance deployments and
// not an error.
func (m *Manager) TryAcquire(ctx context.Context, name string, ttl time.Duration) (*Lease, bool, error) {
	key := keyPrefix + name

	ok, err := m.rdb.SetNX(ctx, key, m.holderID, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	return &Lease{
		mgr:      m,
		key:      key,
		deadline: time.Now().Add(ttl),
	}, true, nil
}

// Deadline is the local estimate of when Redis will reclaim the lock.
func (l *Lease) Deadline() time.Time {
	return l.deadline
}

// Renew extends the lease by ttl. It returns false when ownership was
// already lost, in which case the caller must stop its guarded work.
func (l *Lease) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.mgr.rdb, []string{l.key}, l.mgr.holderID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", l.key, err)
	}
	if res == 0 {
		return false, nil
	}
	l.deadline = time.Now().Add(ttl)
	return true, nil
}

// Release gives the lock up early. Losing ownership before release is not an
// error; the lease simply expired.
func (l *Lease) Release(ctx context.Context) error {
	res, err := releaseScript.Run(ctx, l.mgr.rdb, []string{l.key}, l.mgr.holderID).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if res == 0 {
		l.mgr.logger.Debug().Str("key", l.key).Msg("lease expired before release")
	}
	return nil
}
