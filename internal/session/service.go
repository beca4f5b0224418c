// Package session implements the recording lifecycle: chunk intake,
// liveness tracking, and the transitions that hand sessions to the
// pipeline workers.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/cache"
	"github.com/minjae-lab/meetscribe/internal/events"
	"github.com/minjae-lab/meetscribe/internal/heartbeat"
	"github.com/minjae-lab/meetscribe/internal/lock"
	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

// abnormalLock serializes heartbeat-expiry handling across instances, since
// every instance subscribes to the same expiration events.
const abnormalLock = "abnormal-termination"

// Notifier pushes status changes to connected clients. A nil Notifier
// disables push updates.
type Notifier interface {
	NotifyStatus(sess storage.Session, from storage.Status)
}

type Service struct {
	store      *storage.SQLiteStore
	cache      *cache.StatusCache
	heartbeats *heartbeat.Tracker
	locks      *lock.Manager
	chunks     *Accumulator
	publisher  *events.Publisher
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	maxChunkBytes int64
	lockTTL       time.Duration
}

type Options struct {
	Store      *storage.SQLiteStore
	Cache      *cache.StatusCache
	Heartbeats *heartbeat.Tracker
	Locks      *lock.Manager
	Chunks     *Accumulator
	Publisher  *events.Publisher
	Notifier   Notifier
	Metrics    *metrics.Metrics

	MaxChunkBytes int64
	LockTTL       time.Duration
}

func NewService(opts Options) *Service {
	if opts.MaxChunkBytes <= 0 {
		opts.MaxChunkBytes = 8 << 20
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	return &Service{
		store:         opts.Store,
		cache:         opts.Cache,
		heartbeats:    opts.Heartbeats,
		locks:         opts.Locks,
		chunks:        opts.Chunks,
		publisher:     opts.Publisher,
		notifier:      opts.Notifier,
		metrics:       opts.Metrics,
		logger:        logging.Component("session"),
		maxChunkBytes: opts.MaxChunkBytes,
		lockTTL:       opts.LockTTL,
	}
}

// StartRecording creates a RECORDING session for an existing meeting and
// arms its heartbeat.
func (s *Service) StartRecording(ctx context.Context, meetingID, createdBy int64, summarize bool) (storage.Session, error) {
	exists, err := s.store.MeetingExists(ctx, meetingID)
	if err != nil {
		return storage.Session{}, err
	}
	if !exists {
		return storage.Session{}, fmt.Errorf("meeting %d: %w", meetingID, storage.ErrNotFound)
	}

	sess, err := s.store.CreateSession(ctx, meetingID, createdBy, storage.StatusRecording, summarize, "")
	if err != nil {
		return storage.Session{}, err
	}

	if err := s.heartbeats.Arm(ctx, sess.ID); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("could not arm heartbeat")
	}

	s.announce(ctx, sess, "")
	s.logger.Info().Int64("session_id", sess.ID).Int64("meeting_id", meetingID).Msg("recording started")
	return sess, nil
}

// AppendChunk stores one audio chunk and refreshes the session heartbeat.
// When final is set the session is sealed after the chunk lands.
func (s *Service) AppendChunk(ctx context.Context, sessionID int64, data []byte, final bool) (storage.Session, error) {
	if int64(len(data)) > s.maxChunkBytes {
		return storage.Session{}, fmt.Errorf("chunk of %d bytes: %w", len(data), ErrChunkTooLarge)
	}

	// The guarded counter bump doubles as the seal check and must precede
	// the disk write, so a chunk racing the seal never touches an artifact
	// the encoder may already be reading.
	count, err := s.store.IncrementChunkCount(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if _, getErr := s.store.GetSession(ctx, sessionID); getErr != nil {
				return storage.Session{}, getErr
			}
			return storage.Session{}, fmt.Errorf("session %d: %w", sessionID, ErrSessionNotRecording)
		}
		return storage.Session{}, err
	}

	path, err := s.chunks.Append(sessionID, data)
	if err != nil {
		// The count is now one high; it only gates the empty-recording check.
		return storage.Session{}, err
	}
	if count == 1 {
		if err := s.store.UpdateAudioPath(ctx, sessionID, path); err != nil {
			return storage.Session{}, err
		}
	}

	s.metrics.ChunksReceived.Inc()
	s.metrics.ChunkBytes.Add(float64(len(data)))

	if err := s.heartbeats.Refresh(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("could not refresh heartbeat")
	}

	if final {
		return s.FinishRecording(ctx, sessionID)
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	s.cache.Put(ctx, sess)
	return sess, nil
}

// FinishRecording seals the session and hands it to the encoding stage.
// Finishing a session that is no longer recording is a client protocol
// error; only the loser of a finish-vs-termination race is treated as a
// no-op.
func (s *Service) FinishRecording(ctx context.Context, sessionID int64) (storage.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}

	if sess.Status != storage.StatusRecording {
		return storage.Session{}, fmt.Errorf("session %d in %s: %w", sessionID, sess.Status, ErrSessionNotRecording)
	}

	if sess.ChunkCount == 0 {
		return storage.Session{}, fmt.Errorf("session %d: %w", sessionID, ErrEmptyRecording)
	}

	moved, err := s.store.TransitionStatus(ctx, sessionID, storage.StatusRecording, storage.StatusEncoding)
	if err != nil {
		return storage.Session{}, err
	}
	if !moved {
		// Lost the race against an abnormal-termination handler.
		return s.store.GetSession(ctx, sessionID)
	}

	if err := s.heartbeats.Clear(ctx, sessionID); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sessionID).Msg("could not clear heartbeat")
	}

	sess, err = s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}

	s.announce(ctx, sess, storage.StatusRecording)
	s.logger.Info().Int64("session_id", sessionID).Int("chunks", sess.ChunkCount).Msg("recording finished")
	return sess, nil
}

// Upload creates a session directly in ENCODING from a pre-recorded file,
// skipping the live chunk flow.
func (s *Service) Upload(ctx context.Context, meetingID, createdBy int64, summarize bool, audio io.Reader) (storage.Session, error) {
	exists, err := s.store.MeetingExists(ctx, meetingID)
	if err != nil {
		return storage.Session{}, err
	}
	if !exists {
		return storage.Session{}, fmt.Errorf("meeting %d: %w", meetingID, storage.ErrNotFound)
	}

	sess, err := s.store.CreateSession(ctx, meetingID, createdBy, storage.StatusEncoding, summarize, "")
	if err != nil {
		return storage.Session{}, err
	}

	path := s.chunks.Path(sess.ID)
	f, err := os.Create(path)
	if err != nil {
		return storage.Session{}, fmt.Errorf("create upload artifact: %w", err)
	}
	written, err := io.Copy(f, audio)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_, _ = s.store.MarkFailed(ctx, sess.ID, "upload write failed")
		return storage.Session{}, fmt.Errorf("write upload artifact: %w", err)
	}
	if written == 0 {
		_, _ = s.store.MarkFailed(ctx, sess.ID, "empty upload")
		return storage.Session{}, fmt.Errorf("session %d: %w", sess.ID, ErrEmptyRecording)
	}

	if err := s.store.UpdateAudioPath(ctx, sess.ID, path); err != nil {
		return storage.Session{}, err
	}

	sess, err = s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return storage.Session{}, err
	}

	s.metrics.ChunkBytes.Add(float64(written))
	s.announce(ctx, sess, "")
	s.logger.Info().Int64("session_id", sess.ID).Int64("bytes", written).Msg("audio uploaded")
	return sess, nil
}

// Status returns the session, preferring the cache.
func (s *Service) Status(ctx context.Context, sessionID int64) (storage.Session, error) {
	if sess, ok := s.cache.Get(ctx, sessionID); ok {
		return sess, nil
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return storage.Session{}, err
	}
	s.cache.Put(ctx, sess)
	return sess, nil
}

// SessionsByMeeting lists a meeting's sessions, newest first.
func (s *Service) SessionsByMeeting(ctx context.Context, meetingID int64) ([]storage.Session, error) {
	exists, err := s.store.MeetingExists(ctx, meetingID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("meeting %d: %w", meetingID, storage.ErrNotFound)
	}
	return s.store.SessionsByMeeting(ctx, meetingID)
}

// HandleAbnormalTermination reacts to one heartbeat expiration. The lock
// keeps multiple instances from double-handling the same event.
func (s *Service) HandleAbnormalTermination(ctx context.Context, sessionID int64) {
	lease, acquired, err := s.locks.TryAcquire(ctx, abnormalLock, s.lockTTL)
	if err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("abnormal termination lock")
		return
	}
	if !acquired {
		s.metrics.LockSkipped.WithLabelValues(abnormalLock).Inc()
		return
	}
	defer func() { _ = lease.Release(ctx) }()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("load session for abnormal termination")
		}
		return
	}

	if _, err := s.TerminateAbandoned(ctx, sess); err != nil {
		s.logger.Error().Err(err).Int64("session_id", sessionID).Msg("terminate abandoned session")
	}
}

// TerminateAbandoned finalizes a RECORDING session whose client went away.
// Sessions with audio are salvaged into the encoding stage; empty sessions
// fail terminally. Returns false when the session was no longer RECORDING.
func (s *Service) TerminateAbandoned(ctx context.Context, sess storage.Session) (bool, error) {
	if sess.Status != storage.StatusRecording {
		return false, nil
	}

	var moved bool
	var err error
	to := storage.StatusEncoding
	if sess.ChunkCount > 0 {
		moved, err = s.store.TransitionStatus(ctx, sess.ID, storage.StatusRecording, storage.StatusEncoding)
	} else {
		to = storage.StatusFailed
		moved, err = s.store.MarkFailed(ctx, sess.ID, "recording terminated without audio")
	}
	if err != nil {
		return false, err
	}
	if !moved {
		// A concurrent finish already sealed the session.
		return false, nil
	}

	if err := s.heartbeats.Clear(ctx, sess.ID); err != nil {
		s.logger.Warn().Err(err).Int64("session_id", sess.ID).Msg("could not clear heartbeat")
	}

	updated, err := s.store.GetSession(ctx, sess.ID)
	if err != nil {
		return true, err
	}

	s.metrics.OrphansRecovered.Inc()
	s.announce(ctx, updated, storage.StatusRecording)
	s.logger.Warn().
		Int64("session_id", sess.ID).
		Int("chunks", sess.ChunkCount).
		Str("outcome", string(to)).
		Msg("abandoned recording terminated")
	return true, nil
}

// announce fans a state change out to the cache, the event stream, and
// connected clients.
func (s *Service) announce(ctx context.Context, sess storage.Session, from storage.Status) {
	s.cache.Put(ctx, sess)
	s.metrics.StateTransitions.WithLabelValues(string(from), string(sess.Status)).Inc()

	s.publisher.Publish(ctx, events.StatusEvent{
		SessionID:  sess.ID,
		MeetingID:  sess.MeetingID,
		FromStatus: from,
		ToStatus:   sess.Status,
		Failure:    sess.Failure,
	})

	if s.notifier != nil {
		s.notifier.NotifyStatus(sess, from)
	}
}

// Announce is the transition hook for pipeline workers, which own their
// stage transitions but share the fan-out path.
func (s *Service) Announce(ctx context.Context, sess storage.Session, from storage.Status) {
	s.announce(ctx, sess, from)
}
