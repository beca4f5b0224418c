// Package heartbeat tracks client liveness for recording sessions. A session
// whose heartbeat key expires is considered abnormally terminated.
package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stt:heartbeat:"

// Tracker arms and refreshes per-session heartbeat keys.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	return &Tracker{rdb: rdb, ttl: ttl}
}

func Key(sessionID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, sessionID)
}

// ParseKey extracts the session id from an expired heartbeat key. ok is
// false for keys outside the heartbeat namespace.
func ParseKey(key string) (int64, bool) {
	rest, found := strings.CutPrefix(key, keyPrefix)
	if !found {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Arm starts the liveness window for a session.
func (t *Tracker) Arm(ctx context.Context, sessionID int64) error {
	if err := t.rdb.Set(ctx, Key(sessionID), "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("arm heartbeat for session %d: %w", sessionID, err)
	}
	return nil
}

// Refresh resets the liveness window. Each chunk upload refreshes, so a
// client only has to stay within the TTL between chunks.
func (t *Tracker) Refresh(ctx context.Context, sessionID int64) error {
	if err := t.rdb.Set(ctx, Key(sessionID), "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("refresh heartbeat for session %d: %w", sessionID, err)
	}
	return nil
}

// Clear removes the heartbeat once the session leaves RECORDING, so a normal
// finish never fires the expiry path.
func (t *Tracker) Clear(ctx context.Context, sessionID int64) error {
	if err := t.rdb.Del(ctx, Key(sessionID)).Err(); err != nil {
		return fmt.Errorf("clear heartbeat for session %d: %w", sessionID, err)
	}
	return nil
}
