// Package events publishes session status transitions to Kafka for
// downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// StatusEvent is the wire payload for one status transition. Keyed by
// session id so per-session ordering survives partitioning.
type StatusEvent struct {
	SessionID  int64          `json:"session_id"`
	MeetingID  int64          `json:"meeting_id"`
	FromStatus storage.Status `json:"from_status"`
	ToStatus   storage.Status `json:"to_status"`
	Failure    string         `json:"failure,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Publisher writes status events to a single topic. A nil Publisher is a
// valid disabled publisher, so callers never need to branch on whether
// Kafka is configured.
type Publisher struct {
	writer  *kafka.Writer
	topic   string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewPublisher(brokers []string, topic string, m *metrics.Metrics) *Publisher {
	if len(brokers) == 0 {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
		},
		topic:   topic,
		metrics: m,
		logger:  logging.Component("events"),
	}
}

// Publish emits one status transition. Failures are logged and counted but
// never block the pipeline; Kafka is a best-effort mirror of state the
// store already holds.
func (p *Publisher) Publish(ctx context.Context, event StatusEvent) {
	if p == nil || p.writer == nil {
		return
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", event.SessionID).Msg("marshal status event")
		return
	}

	p.metrics.EventPublishTotal.WithLabelValues(p.topic).Inc()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.SessionID, 10)),
		Value: payload,
	})
	if err != nil {
		p.metrics.EventPublishErrors.WithLabelValues(p.topic).Inc()
		p.logger.Warn().Err(err).
			Int64("session_id", event.SessionID).
			Str("to_status", string(event.ToStatus)).
			Msg("publish status event failed")
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
