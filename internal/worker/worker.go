// Package worker runs the pipeline sweeps that move sessions through
// encoding, transcription, and summarization.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/lock"
	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// renewMargin is how long before the lease deadline the keeper renews, so
// ownership never lapses in the middle of a sweep.
const renewMargin = 2 * time.Second

// bookkeepTimeout bounds the store writes that record a failed attempt.
const bookkeepTimeout = 5 * time.Second

// Sweep visits one batch of sessions. The context is cancelled when lease
// ownership is lost; work that outlives it must stop and retry on a later
// sweep.
type Sweep func(ctx context.Context) error

// Worker periodically runs a sweep under a named distributed lock. Losing
// the lock acquisition is the normal case on all but one instance.
type Worker struct {
	name     string
	interval time.Duration
	lockTTL  time.Duration
	locks    *lock.Manager
	sweep    Sweep
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

func New(name string, interval, lockTTL time.Duration, locks *lock.Manager, m *metrics.Metrics, sweep Sweep) *Worker {
	return &Worker{
		name:     name,
		interval: interval,
		lockTTL:  lockTTL,
		locks:    locks,
		sweep:    sweep,
		metrics:  m,
		logger:   logging.Component("worker").With().Str("stage", name).Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	lease, acquired, err := w.locks.TryAcquire(ctx, w.name, w.lockTTL)
	if err != nil {
		w.logger.Error().Err(err).Msg("lock acquisition failed")
		return
	}
	if !acquired {
		w.metrics.LockSkipped.WithLabelValues(w.name).Inc()
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keeperDone := make(chan struct{})
	go w.keepLease(sweepCtx, lease, cancel, keeperDone)

	start := time.Now()
	err = w.sweep(sweepCtx)
	cancel()
	<-keeperDone

	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		w.logger.Error().Err(err).Msg("sweep failed")
	}
	w.metrics.SweepDuration.WithLabelValues(w.name).Observe(time.Since(start).Seconds())
}

// keepLease renews the lease renewMargin before each deadline for as long as
// the sweep runs. Losing ownership cancels the sweep so no two instances work
// the same stage.
func (w *Worker) keepLease(ctx context.Context, lease *lock.Lease, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	for {
		wait := time.Until(lease.Deadline().Add(-renewMargin))
		if wait <= 0 {
			wait = w.lockTTL / 2
		}
		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			ok, err := lease.Renew(ctx, w.lockTTL)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					w.logger.Error().Err(err).Msg("lease renewal failed")
				}
				cancel()
				return
			}
			if !ok {
				w.logger.Warn().Msg("lease ownership lost mid-sweep")
				cancel()
				return
			}
		}
	}
}

// pipeline carries the collaborators every stage sweep shares.
type pipeline struct {
	store      *storage.SQLiteStore
	svc        *session.Service
	metrics    *metrics.Metrics
	maxRetries int
	batchSize  int
	logger     zerolog.Logger
}

func newPipeline(store *storage.SQLiteStore, svc *session.Service, m *metrics.Metrics, maxRetries, batchSize int, stage string) pipeline {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	return pipeline{
		store:      store,
		svc:        svc,
		metrics:    m,
		maxRetries: maxRetries,
		batchSize:  batchSize,
		logger:     logging.Component("worker").With().Str("stage", stage).Logger(),
	}
}

// retryOrFail charges one attempt against the session's durable retry
// budget and fails it terminally once the budget is spent. One session's
// failure never aborts the rest of the batch. Bookkeeping runs detached
// from the sweep context, so an attempt abandoned at the lease boundary is
// still charged.
func (p *pipeline) retryOrFail(ctx context.Context, sess storage.Session, stage string, cause error) {
	ctx, cancel := detach(ctx)
	defer cancel()

	p.metrics.Retries.WithLabelValues(stage).Inc()

	count, err := p.store.IncrementRetryCount(ctx, sess.ID)
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("increment retry count")
		return
	}

	if count < p.maxRetries {
		p.logger.Warn().Err(cause).
			Int64("session_id", sess.ID).
			Int("attempt", count).
			Msg("stage attempt failed, will retry")
		p.metrics.SweepSessions.WithLabelValues(stage, "retried").Inc()
		return
	}

	p.fail(ctx, sess, stage, cause.Error())
}

// fail marks the session terminally FAILED with a reason.
func (p *pipeline) fail(ctx context.Context, sess storage.Session, stage, reason string) {
	ctx, cancel := detach(ctx)
	defer cancel()

	moved, err := p.store.MarkFailed(ctx, sess.ID, reason)
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("mark session failed")
		return
	}
	if !moved {
		return
	}

	updated, err := p.store.GetSession(ctx, sess.ID)
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("reload failed session")
		return
	}

	p.metrics.SweepSessions.WithLabelValues(stage, "failed").Inc()
	p.svc.Announce(ctx, updated, sess.Status)
	p.logger.Error().
		Int64("session_id", sess.ID).
		Str("reason", reason).
		Msg("session failed terminally")
}

// detach keeps the context's values but drops its cancellation, bounding the
// bookkeeping writes on their own budget instead of the sweep's.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepTimeout)
}

// advanced reloads the session and fans the transition out.
func (p *pipeline) advanced(ctx context.Context, id int64, from storage.Status, stage string) {
	updated, err := p.store.GetSession(ctx, id)
	if err != nil {
		p.logger.Error().Err(err).Int64("session_id", id).Msg("reload advanced session")
		return
	}
	p.metrics.SweepSessions.WithLabelValues(stage, "advanced").Inc()
	p.svc.Announce(ctx, updated, from)
}
