package session

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/minjae-lab/meetscribe/internal/cache"
	"github.com/minjae-lab/meetscribe/internal/heartbeat"
	"github.com/minjae-lab/meetscribe/internal/lock"
	"github.com/minjae-lab/meetscribe/internal/metrics"
	"github.com/minjae-lab/meetscribe/internal/storage"
)

type fixture struct {
	svc   *Service
	store *storage.SQLiteStore
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	chunks, err := NewAccumulator(filepath.Join(dir, "audio"))
	if err != nil {
		t.Fatalf("NewAccumulator() error = %v", err)
	}

	m := metrics.NewTesting()
	svc := NewService(Options{
		Store:      store,
		Cache:      cache.New(rdb, m),
		Heartbeats: heartbeat.NewTracker(rdb, 30*time.Second),
		Locks:      lock.NewManager(rdb, "test-holder"),
		Chunks:     chunks,
		Metrics:    m,
	})

	if err := store.CreateMeeting(context.Background(), 42, "weekly sync"); err != nil {
		t.Fatalf("CreateMeeting() error = %v", err)
	}

	return &fixture{svc: svc, store: store, mr: mr}
}

func TestStartRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.StartRecording(ctx, 42, 7, true)
	if err != nil {
		t.Fatalf("StartRecording() error = %v", err)
	}
	if sess.Status != storage.StatusRecording {
		t.Errorf("Status = %q, want RECORDING", sess.Status)
	}
	if !f.mr.Exists(heartbeat.Key(sess.ID)) {
		t.Error("expected heartbeat armed")
	}
	if !f.mr.Exists(cache.Key(sess.ID)) {
		t.Error("expected status cached")
	}
}

func TestStartRecordingUnknownMeeting(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.StartRecording(context.Background(), 999, 7, true)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("StartRecording() error = %v, want ErrNotFound", err)
	}
}

func TestAppendChunkAccumulates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	for _, chunk := range []string{"aaa", "bbb", "ccc"} {
		if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte(chunk), false); err != nil {
			t.Fatalf("AppendChunk() error = %v", err)
		}
	}

	got, err := f.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.ChunkCount != 3 {
		t.Errorf("ChunkCount = %d, want 3", got.ChunkCount)
	}
	if got.AudioPath == "" {
		t.Fatal("expected audio path recorded")
	}

	data, err := os.ReadFile(got.AudioPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "aaabbbccc" {
		t.Errorf("artifact = %q, want chunks in arrival order", data)
	}
}

func TestAppendChunkRefreshesHeartbeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	f.mr.FastForward(25 * time.Second)
	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("x"), false); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	f.mr.FastForward(25 * time.Second)

	if !f.mr.Exists(heartbeat.Key(sess.ID)) {
		t.Error("expected heartbeat refreshed by chunk upload")
	}
}

func TestAppendChunkRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	big := make([]byte, 9<<20)
	if _, err := f.svc.AppendChunk(ctx, sess.ID, big, false); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("oversized chunk error = %v, want ErrChunkTooLarge", err)
	}

	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("x"), true); err != nil {
		t.Fatalf("final AppendChunk() error = %v", err)
	}
	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("y"), false); !errors.Is(err, ErrSessionNotRecording) {
		t.Errorf("post-seal chunk error = %v, want ErrSessionNotRecording", err)
	}

	if _, err := f.svc.AppendChunk(ctx, 999, []byte("x"), false); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown session error = %v, want ErrNotFound", err)
	}
}

func TestFinalChunkSealsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	sealed, err := f.svc.AppendChunk(ctx, sess.ID, []byte("audio"), true)
	if err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	if sealed.Status != storage.StatusEncoding {
		t.Errorf("Status = %q, want ENCODING", sealed.Status)
	}
	if f.mr.Exists(heartbeat.Key(sess.ID)) {
		t.Error("expected heartbeat cleared after seal")
	}
}

func TestFinishRecordingTwiceRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)
	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("audio"), false); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}

	first, err := f.svc.FinishRecording(ctx, sess.ID)
	if err != nil {
		t.Fatalf("FinishRecording() error = %v", err)
	}
	if first.Status != storage.StatusEncoding {
		t.Errorf("Status = %q, want ENCODING", first.Status)
	}

	// A second finish is a client protocol error, not a silent success.
	if _, err := f.svc.FinishRecording(ctx, sess.ID); !errors.Is(err, ErrSessionNotRecording) {
		t.Errorf("duplicate FinishRecording() error = %v, want ErrSessionNotRecording", err)
	}
}

func TestChunkAfterSealLeavesArtifactUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)
	sealed, err := f.svc.AppendChunk(ctx, sess.ID, []byte("aaa"), true)
	if err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}

	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("bbb"), false); !errors.Is(err, ErrSessionNotRecording) {
		t.Errorf("post-seal chunk error = %v, want ErrSessionNotRecording", err)
	}

	data, err := os.ReadFile(sealed.AudioPath)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if string(data) != "aaa" {
		t.Errorf("artifact = %q, want no bytes landed after the seal", data)
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want 1", got.ChunkCount)
	}
}

func TestFinishRecordingEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	if _, err := f.svc.FinishRecording(ctx, sess.ID); !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("FinishRecording() error = %v, want ErrEmptyRecording", err)
	}
}

func TestStatusPrefersCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	got, err := f.svc.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != storage.StatusRecording {
		t.Errorf("Status = %q, want RECORDING", got.Status)
	}

	// Expire the cached entry; the store must repopulate it.
	f.mr.FastForward(2 * time.Hour)
	got, err = f.svc.Status(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Status() after expiry error = %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("got session %d, want %d", got.ID, sess.ID)
	}
	if !f.mr.Exists(cache.Key(sess.ID)) {
		t.Error("expected cache repopulated on miss")
	}
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.svc.Upload(ctx, 42, 7, false, bytes.NewReader([]byte("whole-file")))
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if sess.Status != storage.StatusEncoding {
		t.Errorf("Status = %q, want ENCODING", sess.Status)
	}

	data, err := os.ReadFile(sess.AudioPath)
	if err != nil {
		t.Fatalf("read upload artifact: %v", err)
	}
	if string(data) != "whole-file" {
		t.Errorf("artifact = %q", data)
	}
}

func TestUploadEmpty(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Upload(context.Background(), 42, 7, false, bytes.NewReader(nil))
	if !errors.Is(err, ErrEmptyRecording) {
		t.Errorf("Upload() error = %v, want ErrEmptyRecording", err)
	}
}

func TestTerminateAbandonedSalvagesAudio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)
	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("audio"), false); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	sess, _ = f.store.GetSession(ctx, sess.ID)

	acted, err := f.svc.TerminateAbandoned(ctx, sess)
	if err != nil {
		t.Fatalf("TerminateAbandoned() error = %v", err)
	}
	if !acted {
		t.Fatal("expected termination to act")
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != storage.StatusEncoding {
		t.Errorf("Status = %q, want salvage into ENCODING", got.Status)
	}
	if f.mr.Exists(heartbeat.Key(sess.ID)) {
		t.Error("expected heartbeat cleared")
	}
}

func TestTerminateAbandonedWithoutAudioFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	acted, err := f.svc.TerminateAbandoned(ctx, sess)
	if err != nil {
		t.Fatalf("TerminateAbandoned() error = %v", err)
	}
	if !acted {
		t.Fatal("expected termination to act")
	}

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want FAILED", got.Status)
	}
	if got.Failure == "" {
		t.Error("expected failure reason recorded")
	}
}

func TestTerminateAbandonedLosesToFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)
	if _, err := f.svc.AppendChunk(ctx, sess.ID, []byte("audio"), false); err != nil {
		t.Fatalf("AppendChunk() error = %v", err)
	}
	stale, _ := f.store.GetSession(ctx, sess.ID)

	// Finish lands first; the expiry handler holds a stale snapshot.
	if _, err := f.svc.FinishRecording(ctx, sess.ID); err != nil {
		t.Fatalf("FinishRecording() error = %v", err)
	}

	acted, err := f.svc.TerminateAbandoned(ctx, stale)
	if err != nil {
		t.Fatalf("TerminateAbandoned() error = %v", err)
	}
	if acted {
		t.Error("expected stale termination to lose the race")
	}
}

func TestHandleAbnormalTermination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, _ := f.svc.StartRecording(ctx, 42, 7, true)

	f.svc.HandleAbnormalTermination(ctx, sess.ID)

	got, _ := f.store.GetSession(ctx, sess.ID)
	if got.Status != storage.StatusFailed {
		t.Errorf("Status = %q, want FAILED for empty abandoned session", got.Status)
	}
}
