// Package storage is the durable system of record for STT sessions.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Status is the lifecycle stage of an STT session.
type Status string

const (
	StatusRecording   Status = "RECORDING"
	StatusEncoding    Status = "ENCODING"
	StatusEncoded     Status = "ENCODED"
	StatusProcessing  Status = "PROCESSING"
	StatusSummarizing Status = "SUMMARIZING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// stageIndex orders statuses along the pipeline. FAILED is reachable from any
// stage; everything else only moves forward.
var stageIndex = map[Status]int{
	StatusRecording:   0,
	StatusEncoding:    1,
	StatusEncoded:     2,
	StatusProcessing:  3,
	StatusSummarizing: 4,
	StatusCompleted:   5,
	StatusFailed:      6,
}

// StageIndex returns the pipeline position of s, or -1 for unknown statuses.
func (s Status) StageIndex() int {
	idx, ok := stageIndex[s]
	if !ok {
		return -1
	}
	return idx
}

// Terminal reports whether no further automatic progress is attempted.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrNotFound is returned when a session or meeting does not exist.
var ErrNotFound = errors.New("not found")

// Session is one recording-to-summary unit of work tied to a meeting.
type Session struct {
	ID               int64     `json:"id"`
	MeetingID        int64     `json:"meeting_id"`
	CreatedBy        int64     `json:"created_by"`
	Status           Status    `json:"status"`
	Content          string    `json:"content,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	TranscriptionRID string    `json:"transcription_rid,omitempty"`
	SummaryRID       string    `json:"summary_rid,omitempty"`
	ChunkCount       int       `json:"chunk_count"`
	RetryCount       int       `json:"retry_count"`
	Failure          string    `json:"failure,omitempty"`
	Summarize        bool      `json:"summarize"`
	AudioPath        string    `json:"audio_path,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const sessionColumns = `id, meeting_id, created_by, status, content, summary,
	transcription_rid, summary_rid, chunk_count, retry_count, failure,
	summarize, audio_path, created_at, updated_at`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "meetscribe.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS meetings (
			id INTEGER PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create meetings table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			meeting_id INTEGER NOT NULL,
			created_by INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			transcription_rid TEXT NOT NULL DEFAULT '',
			summary_rid TEXT NOT NULL DEFAULT '',
			chunk_count INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			failure TEXT NOT NULL DEFAULT '',
			summarize INTEGER NOT NULL DEFAULT 1,
			audio_path TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY(meeting_id) REFERENCES meetings(id)
		);
	`); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at)"); err != nil {
		return fmt.Errorf("create sessions status index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_sessions_meeting ON sessions(meeting_id)"); err != nil {
		return fmt.Errorf("create sessions meeting index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// CreateMeeting registers a meeting id so sessions can reference it. Meeting
// CRUD proper lives in another service; this table only backs the
// "meeting exists" guard.
func (s *SQLiteStore) CreateMeeting(ctx context.Context, id int64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO meetings(id, title) VALUES(?, ?)`, id, title)
	if err != nil {
		return fmt.Errorf("create meeting %d: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) MeetingExists(ctx context.Context, id int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM meetings WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query meeting %d: %w", id, err)
	}
	return n > 0, nil
}

// CreateSession inserts a new session row and returns it with the
// store-generated id.
func (s *SQLiteStore) CreateSession(ctx context.Context, meetingID, createdBy int64, status Status, summarize bool, audioPath string) (Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(meeting_id, created_by, status, summarize, audio_path, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		meetingID, createdBy, string(status), boolToInt(summarize), audioPath,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session for meeting %d: %w", meetingID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, fmt.Errorf("session insert id: %w", err)
	}

	return s.GetSession(ctx, id)
}

func (s *SQLiteStore) GetSession(ctx context.Context, id int64) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("query session %d: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) SessionsByMeeting(ctx context.Context, meetingID int64) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE meeting_id = ? ORDER BY created_at DESC`,
		meetingID)
	if err != nil {
		return nil, fmt.Errorf("query sessions for meeting %d: %w", meetingID, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// SessionsByStatus returns up to limit sessions in the given stage whose retry
// budget is not yet exhausted, oldest first.
func (s *SQLiteStore) SessionsByStatus(ctx context.Context, status Status, maxRetries, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND retry_count < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(status), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions in %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// StaleRecordingSessions returns RECORDING sessions whose last update is older
// than the cutoff. This is the orphan backstop for lost heartbeat expirations.
func (s *SQLiteStore) StaleRecordingSessions(ctx context.Context, cutoff time.Time, limit int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND updated_at < ?
		 ORDER BY updated_at ASC
		 LIMIT ?`,
		string(StatusRecording), cutoff.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("query stale recording sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

// TransitionStatus moves a session from one status to another. It returns
// false when the session was no longer in the expected source status, which
// is how racing transitions (finish vs heartbeat expiry, duplicate sweeps)
// lose without corrupting state.
func (s *SQLiteStore) TransitionStatus(ctx context.Context, id int64, from, to Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nowString(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition session %d %s->%s: %w", id, from, to, err)
	}
	return rowsAffected(res)
}

// BeginTranscription records the provider reference id and advances
// ENCODED -> PROCESSING in one step, resetting the retry budget for the new
// stage.
func (s *SQLiteStore) BeginTranscription(ctx context.Context, id int64, rid string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET transcription_rid = ?, status = ?, retry_count = 0, updated_at = ?
		 WHERE id = ? AND status = ?`,
		rid, string(StatusProcessing), nowString(), id, string(StatusEncoded))
	if err != nil {
		return false, fmt.Errorf("begin transcription for session %d: %w", id, err)
	}
	return rowsAffected(res)
}

// CompleteTranscription stores the transcript and advances PROCESSING to the
// next stage. The content guard makes the write at-most-once.
func (s *SQLiteStore) CompleteTranscription(ctx context.Context, id int64, content string, next Status) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET content = ?, status = ?, retry_count = 0, updated_at = ?
		 WHERE id = ? AND status = ? AND content = ''`,
		content, string(next), nowString(), id, string(StatusProcessing))
	if err != nil {
		return false, fmt.Errorf("complete transcription for session %d: %w", id, err)
	}
	return rowsAffected(res)
}

// BeginSummarization records the summary reference id. The session stays in
// SUMMARIZING; the empty-rid guard marks the submit sub-state done.
func (s *SQLiteStore) BeginSummarization(ctx context.Context, id int64, rid string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary_rid = ?, retry_count = 0, updated_at = ?
		 WHERE id = ? AND status = ? AND summary_rid = ''`,
		rid, nowString(), id, string(StatusSummarizing))
	if err != nil {
		return false, fmt.Errorf("begin summarization for session %d: %w", id, err)
	}
	return rowsAffected(res)
}

// CompleteSummarization stores the summary and advances to COMPLETED. The
// summary guard makes the write at-most-once.
func (s *SQLiteStore) CompleteSummarization(ctx context.Context, id int64, summary string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, status = ?, retry_count = 0, updated_at = ?
		 WHERE id = ? AND status = ? AND summary = ''`,
		summary, string(StatusCompleted), nowString(), id, string(StatusSummarizing))
	if err != nil {
		return false, fmt.Errorf("complete summarization for session %d: %w", id, err)
	}
	return rowsAffected(res)
}

// IncrementChunkCount bumps the chunk counter for a RECORDING session and
// returns the new count.
func (s *SQLiteStore) IncrementChunkCount(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET chunk_count = chunk_count + 1, updated_at = ?
		 WHERE id = ? AND status = ?`,
		nowString(), id, string(StatusRecording))
	if err != nil {
		return 0, fmt.Errorf("increment chunk count for session %d: %w", id, err)
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT chunk_count FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read chunk count for session %d: %w", id, err)
	}
	return count, nil
}

// IncrementRetryCount bumps the durable retry counter and returns the new
// value. The counter lives here, not in the cache, so a cache flush can never
// reset a retry budget.
func (s *SQLiteStore) IncrementRetryCount(ctx context.Context, id int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		nowString(), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry count for session %d: %w", id, err)
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT retry_count FROM sessions WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry count for session %d: %w", id, err)
	}
	return count, nil
}

// MarkFailed records a terminal failure with its reason. Already-terminal
// sessions are left untouched.
func (s *SQLiteStore) MarkFailed(ctx context.Context, id int64, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, failure = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(StatusFailed), reason, nowString(), id,
		string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return false, fmt.Errorf("mark session %d failed: %w", id, err)
	}
	return rowsAffected(res)
}

// UpdateAudioPath swaps the artifact path, used after encoding produces the
// normalized file.
func (s *SQLiteStore) UpdateAudioPath(ctx context.Context, id int64, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET audio_path = ?, updated_at = ? WHERE id = ?`,
		path, nowString(), id)
	if err != nil {
		return fmt.Errorf("update audio path for session %d: %w", id, err)
	}
	ok, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var status string
	var summarize int
	var createdAt, updatedAt string

	err := row.Scan(
		&sess.ID, &sess.MeetingID, &sess.CreatedBy, &status, &sess.Content,
		&sess.Summary, &sess.TranscriptionRID, &sess.SummaryRID,
		&sess.ChunkCount, &sess.RetryCount, &sess.Failure, &summarize,
		&sess.AudioPath, &createdAt, &updatedAt,
	)
	if err != nil {
		return Session{}, err
	}

	sess.Status = Status(status)
	sess.Summarize = summarize != 0

	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Session{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return sess, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

func rowsAffected(res sql.Result) (bool, error) {
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
