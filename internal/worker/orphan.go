package worker

import (
	"context"
	"time"

	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/session"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// StageOrphan is the lock name and metrics label for the orphan sweep.
const StageOrphan = "orphan"

// OrphanReaper finalizes RECORDING sessions that stopped updating. Redis
// expiration events are fire-and-forget, so this sweep is the backstop that
// catches sessions whose heartbeat expiry was never delivered.
type OrphanReaper struct {
	pipeline
	maxAge time.Duration
}

func NewOrphanReaper(store *storage.SQLiteStore, svc *session.Service, m *metrics.Metrics, maxAge time.Duration, batchSize int) *OrphanReaper {
	if maxAge == 0 {
		maxAge = 2 * time.Minute
	}
	return &OrphanReaper{
		pipeline: newPipeline(store, svc, m, 1, batchSize, StageOrphan),
		maxAge:   maxAge,
	}
}

func (o *OrphanReaper) Sweep(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-o.maxAge)
	sessions, err := o.store.StaleRecordingSessions(ctx, cutoff, o.batchSize)
	if err != nil {
		return err
	}

	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		acted, err := o.svc.TerminateAbandoned(ctx, sess)
		if err != nil {
			o.logger.Error().Err(err).Int64("session_id", sess.ID).Msg("terminate orphaned session")
			continue
		}
		if acted {
			o.metrics.SweepSessions.WithLabelValues(StageOrphan, "recovered").Inc()
		}
	}
	return nil
}
