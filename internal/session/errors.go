package session

import "errors"

var (
	// ErrSessionNotRecording is returned when chunks arrive for a session
	// that already left the RECORDING stage.
	ErrSessionNotRecording = errors.New("session is not recording")

	// ErrEmptyRecording is returned when a session finishes without ever
	// uploading a chunk.
	ErrEmptyRecording = errors.New("recording has no audio chunks")

	// ErrChunkTooLarge is returned when a single chunk exceeds the
	// configured limit.
	ErrChunkTooLarge = errors.New("chunk exceeds size limit")
)
