package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Accumulator appends uploaded chunks to one artifact file per session.
// Appends for the same session are serialized; different sessions never
// block each other.
type Accumulator struct {
	dir string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func NewAccumulator(dir string) (*Accumulator, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	return &Accumulator{
		dir:   dir,
		locks: make(map[int64]*sync.Mutex),
	}, nil
}

// Path is the artifact location for a session's accumulated chunks.
func (a *Accumulator) Path(sessionID int64) string {
	return filepath.Join(a.dir, fmt.Sprintf("session-%d.chunks", sessionID))
}

func (a *Accumulator) sessionLock(sessionID int64) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, ok := a.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[sessionID] = l
	}
	return l
}

// Append writes data to the end of the session artifact and returns its
// path. The artifact is append-only; chunks are stored in arrival order.
func (a *Accumulator) Append(sessionID int64, data []byte) (string, error) {
	l := a.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	path := a.Path(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("open chunk artifact: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("append chunk: %w", err)
	}
	return path, nil
}

// Remove deletes the artifact and forgets the session's lock. Missing files
// are not an error; the encoder may already have consumed the artifact.
func (a *Accumulator) Remove(sessionID int64) error {
	l := a.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(a.Path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove chunk artifact: %w", err)
	}

	a.mu.Lock()
	delete(a.locks, sessionID)
	a.mu.Unlock()
	return nil
}
