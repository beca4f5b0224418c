package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateSession(t *testing.T, store *SQLiteStore, status Status) Session {
	t.Helper()

	ctx := context.Background()
	if err := store.CreateMeeting(ctx, 42, "weekly sync"); err != nil {
		t.Fatalf("CreateMeeting() error = %v", err)
	}
	sess, err := store.CreateSession(ctx, 42, 7, status, true, "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	return sess
}

func TestCreateAndGetSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sess := mustCreateSession(t, store, StatusRecording)

	if sess.ID == 0 {
		t.Error("expected non-zero session id")
	}
	if sess.Status != StatusRecording {
		t.Errorf("Status = %q, want %q", sess.Status, StatusRecording)
	}
	if !sess.Summarize {
		t.Error("expected summarize to be set")
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.MeetingID != 42 || got.CreatedBy != 7 {
		t.Errorf("got meeting=%d created_by=%d, want 42/7", got.MeetingID, got.CreatedBy)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetSession(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession() error = %v, want ErrNotFound", err)
	}
}

func TestMeetingExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.MeetingExists(ctx, 42)
	if err != nil {
		t.Fatalf("MeetingExists() error = %v", err)
	}
	if exists {
		t.Error("expected meeting 42 to not exist yet")
	}

	if err := store.CreateMeeting(ctx, 42, "standup"); err != nil {
		t.Fatalf("CreateMeeting() error = %v", err)
	}

	exists, err = store.MeetingExists(ctx, 42)
	if err != nil {
		t.Fatalf("MeetingExists() error = %v", err)
	}
	if !exists {
		t.Error("expected meeting 42 to exist")
	}
}

func TestTransitionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusRecording)

	ok, err := store.TransitionStatus(ctx, sess.ID, StatusRecording, StatusEncoding)
	if err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if !ok {
		t.Fatal("expected first transition to win")
	}

	// Second caller racing on the same source status loses.
	ok, err = store.TransitionStatus(ctx, sess.ID, StatusRecording, StatusFailed)
	if err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if ok {
		t.Error("expected stale transition to lose")
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != StatusEncoding {
		t.Errorf("Status = %q, want %q", got.Status, StatusEncoding)
	}
}

func TestBeginTranscription(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusEncoded)

	ok, err := store.BeginTranscription(ctx, sess.ID, "rid-123")
	if err != nil {
		t.Fatalf("BeginTranscription() error = %v", err)
	}
	if !ok {
		t.Fatal("expected begin transcription to succeed")
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != StatusProcessing {
		t.Errorf("Status = %q, want %q", got.Status, StatusProcessing)
	}
	if got.TranscriptionRID != "rid-123" {
		t.Errorf("TranscriptionRID = %q, want rid-123", got.TranscriptionRID)
	}

	// Resubmitting an already-submitted session is a no-op.
	ok, err = store.BeginTranscription(ctx, sess.ID, "rid-456")
	if err != nil {
		t.Fatalf("BeginTranscription() error = %v", err)
	}
	if ok {
		t.Error("expected duplicate submit to lose")
	}
}

func TestCompleteTranscriptionSetOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusEncoded)

	if _, err := store.BeginTranscription(ctx, sess.ID, "rid-1"); err != nil {
		t.Fatalf("BeginTranscription() error = %v", err)
	}

	ok, err := store.CompleteTranscription(ctx, sess.ID, "hello world", StatusSummarizing)
	if err != nil {
		t.Fatalf("CompleteTranscription() error = %v", err)
	}
	if !ok {
		t.Fatal("expected complete transcription to succeed")
	}

	ok, err = store.CompleteTranscription(ctx, sess.ID, "other text", StatusSummarizing)
	if err != nil {
		t.Fatalf("CompleteTranscription() error = %v", err)
	}
	if ok {
		t.Error("expected duplicate completion to lose")
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Content != "hello world" {
		t.Errorf("Content = %q, want first write to stick", got.Content)
	}
	if got.Status != StatusSummarizing {
		t.Errorf("Status = %q, want %q", got.Status, StatusSummarizing)
	}
}

func TestSummarizationFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusSummarizing)

	ok, err := store.BeginSummarization(ctx, sess.ID, "sum-rid-1")
	if err != nil {
		t.Fatalf("BeginSummarization() error = %v", err)
	}
	if !ok {
		t.Fatal("expected begin summarization to succeed")
	}

	// A second submit must not clobber the recorded rid.
	ok, _ = store.BeginSummarization(ctx, sess.ID, "sum-rid-2")
	if ok {
		t.Error("expected duplicate summarization submit to lose")
	}

	ok, err = store.CompleteSummarization(ctx, sess.ID, "## Minutes\n- decided things")
	if err != nil {
		t.Fatalf("CompleteSummarization() error = %v", err)
	}
	if !ok {
		t.Fatal("expected complete summarization to succeed")
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, StatusCompleted)
	}
	if got.SummaryRID != "sum-rid-1" {
		t.Errorf("SummaryRID = %q, want sum-rid-1", got.SummaryRID)
	}
	if got.Summary == "" {
		t.Error("expected summary to be stored")
	}
}

func TestIncrementChunkCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusRecording)

	for want := 1; want <= 3; want++ {
		count, err := store.IncrementChunkCount(ctx, sess.ID)
		if err != nil {
			t.Fatalf("IncrementChunkCount() error = %v", err)
		}
		if count != want {
			t.Errorf("chunk count = %d, want %d", count, want)
		}
	}

	// Chunks are only accepted while recording.
	if _, err := store.TransitionStatus(ctx, sess.ID, StatusRecording, StatusEncoding); err != nil {
		t.Fatalf("TransitionStatus() error = %v", err)
	}
	if _, err := store.IncrementChunkCount(ctx, sess.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("IncrementChunkCount() after seal error = %v, want ErrNotFound", err)
	}
}

func TestIncrementRetryCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusEncoding)

	for want := 1; want <= 3; want++ {
		count, err := store.IncrementRetryCount(ctx, sess.ID)
		if err != nil {
			t.Fatalf("IncrementRetryCount() error = %v", err)
		}
		if count != want {
			t.Errorf("retry count = %d, want %d", count, want)
		}
	}
}

func TestSessionsByStatusRespectsRetryBudget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fresh := mustCreateSession(t, store, StatusEncoding)
	exhausted := mustCreateSession(t, store, StatusEncoding)
	for i := 0; i < 3; i++ {
		if _, err := store.IncrementRetryCount(ctx, exhausted.ID); err != nil {
			t.Fatalf("IncrementRetryCount() error = %v", err)
		}
	}

	sessions, err := store.SessionsByStatus(ctx, StatusEncoding, 3, 10)
	if err != nil {
		t.Fatalf("SessionsByStatus() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].ID != fresh.ID {
		t.Errorf("got session %d, want %d", sessions[0].ID, fresh.ID)
	}
}

func TestStaleRecordingSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusRecording)

	stale, err := store.StaleRecordingSessions(ctx, time.Now().UTC().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("StaleRecordingSessions() error = %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("got %d stale sessions, want 0", len(stale))
	}

	stale, err = store.StaleRecordingSessions(ctx, time.Now().UTC().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("StaleRecordingSessions() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != sess.ID {
		t.Fatalf("got %v, want session %d", stale, sess.ID)
	}
}

func TestMarkFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, StatusProcessing)

	ok, err := store.MarkFailed(ctx, sess.ID, "retry budget exhausted")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if !ok {
		t.Fatal("expected mark failed to succeed")
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want %q", got.Status, StatusFailed)
	}
	if got.Failure != "retry budget exhausted" {
		t.Errorf("Failure = %q", got.Failure)
	}

	// Terminal sessions stay terminal.
	ok, err = store.MarkFailed(ctx, sess.ID, "again")
	if err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	if ok {
		t.Error("expected second MarkFailed to be a no-op")
	}
	got, _ = store.GetSession(ctx, sess.ID)
	if got.Failure != "retry budget exhausted" {
		t.Errorf("Failure = %q, want original reason preserved", got.Failure)
	}
}

func TestSessionsByMeetingOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := mustCreateSession(t, store, StatusCompleted)
	time.Sleep(5 * time.Millisecond)
	second := mustCreateSession(t, store, StatusRecording)

	sessions, err := store.SessionsByMeeting(ctx, 42)
	if err != nil {
		t.Fatalf("SessionsByMeeting() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	if sessions[0].ID != second.ID || sessions[1].ID != first.ID {
		t.Errorf("expected newest-first ordering, got %d then %d", sessions[0].ID, sessions[1].ID)
	}
}

func TestStatusHelpers(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Error("expected COMPLETED and FAILED to be terminal")
	}
	if StatusRecording.Terminal() {
		t.Error("RECORDING must not be terminal")
	}
	if StatusRecording.StageIndex() >= StatusEncoding.StageIndex() {
		t.Error("expected RECORDING to precede ENCODING")
	}
	if Status("BOGUS").StageIndex() != -1 {
		t.Error("unknown status must report -1")
	}
}
