// Package cache keeps a short-lived Redis copy of session state so status
// polls do not hit the database.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

const keyPrefix = "stt:status:"

// Active sessions keep a long TTL so clients polling mid-meeting never miss;
// terminal entries age out quickly since the store is authoritative anyway.
var statusTTL = map[storage.Status]time.Duration{
	storage.StatusRecording:   time.Hour,
	storage.StatusEncoding:    time.Hour,
	storage.StatusEncoded:     24 * time.Hour,
	storage.StatusProcessing:  30 * time.Minute,
	storage.StatusSummarizing: 30 * time.Minute,
	storage.StatusCompleted:   10 * time.Minute,
	storage.StatusFailed:      10 * time.Minute,
}

// StatusCache is a read-through cache in front of the session store. Every
// method degrades gracefully: a Redis failure is logged and treated as a
// miss, never surfaced to callers.
type StatusCache struct {
	rdb     *redis.Client
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func New(rdb *redis.Client, m *metrics.Metrics) *StatusCache {
	return &StatusCache{
		rdb:     rdb,
		metrics: m,
		logger:  logging.Component("cache"),
	}
}

func Key(sessionID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, sessionID)
}

// Put stores a session snapshot with a TTL derived from its status.
func (c *StatusCache) Put(ctx context.Context, sess storage.Session) {
	if c == nil || c.rdb == nil {
		return
	}

	ttl, ok := statusTTL[sess.Status]
	if !ok {
		ttl = 10 * time.Minute
	}

	payload, err := json.Marshal(sess)
	if err != nil {
		c.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("marshal session snapshot")
		return
	}

	if err := c.rdb.Set(ctx, Key(sess.ID), payload, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("cache write failed")
	}
}

// Get returns the cached snapshot if present. ok is false on miss or on any
// Redis error.
func (c *StatusCache) Get(ctx context.Context, sessionID int64) (storage.Session, bool) {
	if c == nil || c.rdb == nil {
		return storage.Session{}, false
	}

	payload, err := c.rdb.Get(ctx, Key(sessionID)).Bytes()
	if err == redis.Nil {
		c.metrics.CacheMisses.Inc()
		return storage.Session{}, false
	}
	if err != nil {
		c.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("cache read failed")
		c.metrics.CacheMisses.Inc()
		return storage.Session{}, false
	}

	var sess storage.Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		c.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("cache entry corrupt")
		c.metrics.CacheMisses.Inc()
		return storage.Session{}, false
	}

	c.metrics.CacheHits.Inc()
	return sess, true
}

// Drop removes the cached snapshot, forcing the next read to the store.
func (c *StatusCache) Drop(ctx context.Context, sessionID int64) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, Key(sessionID)).Err(); err != nil {
		c.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("cache delete failed")
	}
}
