package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// StageEncoding is the lock name and metrics label for the encoding sweep.
const StageEncoding = "encoding"

// Transcoder converts an accumulated chunk artifact into provider-ready WAV.
type Transcoder interface {
	Transcode(ctx context.Context, inPath, outPath string) error
}

// Artifacts reclaims a session's raw chunk artifact once encoding consumed it.
type Artifacts interface {
	Remove(sessionID int64) error
}

// Encoder sweeps ENCODING sessions through ffmpeg.
type Encoder struct {
	pipeline
	transcoder Transcoder
	artifacts  Artifacts
}

func NewEncoder(store *storage.SQLiteStore, svc *session.Service, transcoder Transcoder, artifacts Artifacts, m *metrics.Metrics, maxRetries, batchSize int) *Encoder {
	return &Encoder{
		pipeline:   newPipeline(store, svc, m, maxRetries, batchSize, StageEncoding),
		transcoder: transcoder,
		artifacts:  artifacts,
	}
}

func (e *Encoder) Sweep(ctx context.Context) error {
	sessions, err := e.store.SessionsByStatus(ctx, storage.StatusEncoding, e.maxRetries, e.batchSize)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.encode(ctx, sess)
	}
	return nil
}

func (e *Encoder) encode(ctx context.Context, sess storage.Session) {
	if sess.AudioPath == "" {
		e.fail(ctx, sess, StageEncoding, "no audio artifact to encode")
		return
	}

	outPath := wavPath(sess.AudioPath)
	if err := e.transcoder.Transcode(ctx, sess.AudioPath, outPath); err != nil {
		e.retryOrFail(ctx, sess, StageEncoding, fmt.Errorf("transcode: %w", err))
		return
	}

	if err := e.store.UpdateAudioPath(ctx, sess.ID, outPath); err != nil {
		e.retryOrFail(ctx, sess, StageEncoding, err)
		return
	}

	moved, err := e.store.TransitionStatus(ctx, sess.ID, storage.StatusEncoding, storage.StatusEncoded)
	if err != nil {
		e.retryOrFail(ctx, sess, StageEncoding, err)
		return
	}
	if !moved {
		// Another sweep won the transition; its output is as good as ours.
		return
	}

	if err := e.artifacts.Remove(sess.ID); err != nil {
		e.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("could not remove chunk artifact")
	}

	e.advanced(ctx, sess.ID, storage.StatusEncoding, StageEncoding)
	e.logger.Info().Int64("session_id", sess.ID).Str("wav", outPath).Msg("session encoded")
}

func wavPath(artifactPath string) string {
	out := artifactPath + ".wav"
	if ext := strings.LastIndex(artifactPath, "."); ext > strings.LastIndex(artifactPath, "/") {
		out = artifactPath[:ext] + ".wav"
	}
	// Never transcode a file onto itself.
	if out == artifactPath {
		return artifactPath + ".enc.wav"
	}
	return out
}
