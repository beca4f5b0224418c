package worker

import (
	"context"
	"errors"

	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/provider"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// StageSummarizing is the lock name and metrics label for the minutes sweep.
const StageSummarizing = "summarizing"

// Summarizer sweeps SUMMARIZING sessions. An empty summary reference id
// means the minutes job is not yet submitted; a recorded one means poll.
type Summarizer struct {
	pipeline
	provider provider.Client
	archiver Archiver
}

func NewSummarizer(store *storage.SQLiteStore, svc *session.Service, client provider.Client, archiver Archiver, m *metrics.Metrics, maxRetries, batchSize int) *Summarizer {
	return &Summarizer{
		pipeline: newPipeline(store, svc, m, maxRetries, batchSize, StageSummarizing),
		provider: client,
		archiver: archiver,
	}
}

func (s *Summarizer) Sweep(ctx context.Context) error {
	sessions, err := s.store.SessionsByStatus(ctx, storage.StatusSummarizing, s.maxRetries, s.batchSize)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if sess.SummaryRID == "" {
			s.submit(ctx, sess)
		} else {
			s.poll(ctx, sess)
		}
	}
	return nil
}

func (s *Summarizer) submit(ctx context.Context, sess storage.Session) {
	if sess.Content == "" {
		s.fail(ctx, sess, StageSummarizing, "no transcript to summarize")
		return
	}

	rid, err := s.provider.Summarize(ctx, sess.Content)
	if err != nil {
		if errors.Is(err, provider.ErrMalformedResponse) {
			s.fail(ctx, sess, StageSummarizing, err.Error())
			return
		}
		s.retryOrFail(ctx, sess, StageSummarizing, err)
		return
	}

	moved, err := s.store.BeginSummarization(ctx, sess.ID, rid)
	if err != nil {
		s.retryOrFail(ctx, sess, StageSummarizing, err)
		return
	}
	if !moved {
		s.logger.Warn().Int64("session_id", sess.ID).Str("rid", rid).Msg("discarding duplicate minutes job")
		return
	}

	s.metrics.SweepSessions.WithLabelValues(StageSummarizing, "submitted").Inc()
	s.logger.Info().Int64("session_id", sess.ID).Str("rid", rid).Msg("minutes in flight")
}

func (s *Summarizer) poll(ctx context.Context, sess storage.Session) {
	result, err := s.provider.PollSummary(ctx, sess.SummaryRID)
	if err != nil {
		if errors.Is(err, provider.ErrMalformedResponse) {
			s.fail(ctx, sess, StageSummarizing, err.Error())
			return
		}
		s.retryOrFail(ctx, sess, StageSummarizing, err)
		return
	}
	if !result.Done {
		return
	}

	moved, err := s.store.CompleteSummarization(ctx, sess.ID, result.Text)
	if err != nil {
		s.retryOrFail(ctx, sess, StageSummarizing, err)
		return
	}
	if !moved {
		return
	}

	s.advanced(ctx, sess.ID, storage.StatusSummarizing, StageSummarizing)
	s.logger.Info().Int64("session_id", sess.ID).Msg("session completed")

	archive(s.archiver, s.logger, sess.ID, sess.MeetingID, sess.AudioPath)
}
