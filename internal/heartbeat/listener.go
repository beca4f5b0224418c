package heartbeat

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
)

// expiredPattern matches key expiration events on any database.
const expiredPattern = "__keyevent@*__:expired"

// ExpiryHandler is invoked once per expired heartbeat. Expiration events are
// fire-and-forget in Redis, so handlers must tolerate missed events; the
// orphan sweep is the backstop.
type ExpiryHandler func(ctx context.Context, sessionID int64)

// Listener subscribes to Redis keyspace expiration events and routes
// heartbeat expirations to the handler.
type Listener struct {
	rdb     *redis.Client
	handler ExpiryHandler
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewListener(rdb *redis.Client, handler ExpiryHandler, m *metrics.Metrics) *Listener {
	return &Listener{
		rdb:     rdb,
		handler: handler,
		metrics: m,
		logger:  logging.Component("heartbeat"),
	}
}

// Run blocks consuming expiration events until ctx is cancelled. It enables
// keyspace notifications best-effort; managed Redis deployments often forbid
// CONFIG SET, in which case operators must enable "Ex" themselves.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.rdb.ConfigSet(ctx, "notify-keyspace-events", "Ex").Err(); err != nil {
		l.logger.Warn().Err(err).Msg("could not enable keyspace notifications, assuming preconfigured")
	}

	pubsub := l.rdb.PSubscribe(ctx, expiredPattern)
	defer func() { _ = pubsub.Close() }()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	l.logger.Info().Str("pattern", expiredPattern).Msg("listening for heartbeat expirations")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Payload, keyPrefix) {
				continue
			}
			sessionID, ok := ParseKey(msg.Payload)
			if !ok {
				l.logger.Warn().Str("key", msg.Payload).Msg("unparseable heartbeat key")
				continue
			}

			l.metrics.HeartbeatExpirations.Inc()
			l.logger.Info().Int64("session_id", sessionID).Msg("heartbeat expired")
			l.handler(ctx, sessionID)
		}
	}
}
