package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/provider"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// StageProcessing is the lock name and metrics label for the transcription
// sweep.
const StageProcessing = "processing"

// Processor submits ENCODED sessions to the transcription provider and
// polls PROCESSING ones for results. ENCODED means not yet submitted; a
// recorded reference id means the job is in flight.
type Processor struct {
	pipeline
	provider provider.Client
	archiver Archiver
}

func NewProcessor(store *storage.SQLiteStore, svc *session.Service, client provider.Client, archiver Archiver, m *metrics.Metrics, maxRetries, batchSize int) *Processor {
	return &Processor{
		pipeline: newPipeline(store, svc, m, maxRetries, batchSize, StageProcessing),
		provider: client,
		archiver: archiver,
	}
}

func (p *Processor) Sweep(ctx context.Context) error {
	if err := p.submitBatch(ctx); err != nil {
		return err
	}
	return p.pollBatch(ctx)
}

func (p *Processor) submitBatch(ctx context.Context) error {
	sessions, err := p.store.SessionsByStatus(ctx, storage.StatusEncoded, p.maxRetries, p.batchSize)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.submit(ctx, sess)
	}
	return nil
}

func (p *Processor) submit(ctx context.Context, sess storage.Session) {
	if sess.AudioPath == "" {
		p.fail(ctx, sess, StageProcessing, "no audio artifact to transcribe")
		return
	}

	rid, err := p.provider.Transcribe(ctx, sess.AudioPath)
	if err != nil {
		if errors.Is(err, provider.ErrMalformedResponse) {
			p.fail(ctx, sess, StageProcessing, err.Error())
			return
		}
		p.retryOrFail(ctx, sess, StageProcessing, err)
		return
	}

	moved, err := p.store.BeginTranscription(ctx, sess.ID, rid)
	if err != nil {
		p.retryOrFail(ctx, sess, StageProcessing, err)
		return
	}
	if !moved {
		// Duplicate submit after a lost lease; the earlier rid stands
		// and this job's result is simply never fetched.
		p.logger.Warn().Int64("session_id", sess.ID).Str("rid", rid).Msg("discarding duplicate transcription job")
		return
	}

	p.advanced(ctx, sess.ID, storage.StatusEncoded, StageProcessing)
	p.logger.Info().Int64("session_id", sess.ID).Str("rid", rid).Msg("transcription in flight")
}

func (p *Processor) pollBatch(ctx context.Context) error {
	sessions, err := p.store.SessionsByStatus(ctx, storage.StatusProcessing, p.maxRetries, p.batchSize)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.poll(ctx, sess)
	}
	return nil
}

func (p *Processor) poll(ctx context.Context, sess storage.Session) {
	if sess.TranscriptionRID == "" {
		p.fail(ctx, sess, StageProcessing, "processing session has no reference id")
		return
	}

	result, err := p.provider.PollTranscription(ctx, sess.TranscriptionRID)
	if err != nil {
		if errors.Is(err, provider.ErrMalformedResponse) {
			p.fail(ctx, sess, StageProcessing, err.Error())
			return
		}
		p.retryOrFail(ctx, sess, StageProcessing, err)
		return
	}
	if !result.Done {
		return
	}

	next := storage.StatusCompleted
	if sess.Summarize {
		next = storage.StatusSummarizing
	}

	moved, err := p.store.CompleteTranscription(ctx, sess.ID, result.Content, next)
	if err != nil {
		p.retryOrFail(ctx, sess, StageProcessing, err)
		return
	}
	if !moved {
		return
	}

	p.advanced(ctx, sess.ID, storage.StatusProcessing, StageProcessing)
	p.logger.Info().Int64("session_id", sess.ID).Str("next", string(next)).Msg("transcription completed")

	if next == storage.StatusCompleted {
		archive(p.archiver, p.logger, sess.ID, sess.MeetingID, sess.AudioPath)
	}
}

// Archiver stores completed session audio off-box. A nil Archiver disables
// archiving.
type Archiver interface {
	Archive(sessionID, meetingID int64, audioPath string) error
}

// archive uploads best-effort; a Drive failure never fails the session.
func archive(a Archiver, logger zerolog.Logger, sessionID, meetingID int64, audioPath string) {
	if a == nil || audioPath == "" {
		return
	}
	if err := a.Archive(sessionID, meetingID, audioPath); err != nil {
		logger.Warn().Err(err).Int64("session_id", sessionID).Msg("audio archive failed")
	}
}
