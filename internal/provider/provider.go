// Package provider abstracts the external speech-to-text and minutes
// services behind a submit-then-poll client.
package provider

import (
	"context"
	"errors"
)

// ErrMalformedResponse marks a provider reply that can never succeed on
// retry, such as unparseable JSON or a result with no transcript. Workers
// treat it as terminal instead of burning the retry budget.
var ErrMalformedResponse = errors.New("malformed provider response")

// Transcription is the poll result for a transcription job. Content is only
// meaningful once Done is true.
type Transcription struct {
	Content  string
	Progress int
	Done     bool
}

// Summary is the poll result for a minutes job.
type Summary struct {
	Text     string
	Progress int
	Done     bool
}

// Client submits audio and transcript text as asynchronous jobs and polls
// them by reference id. Implementations must be safe for concurrent use.
type Client interface {
	// Transcribe submits the audio file and returns the job reference id.
	Transcribe(ctx context.Context, audioPath string) (string, error)

	// PollTranscription reports job progress. A not-yet-done result is
	// not an error.
	PollTranscription(ctx context.Context, rid string) (Transcription, error)

	// Summarize submits transcript text for minutes generation and
	// returns the job reference id.
	Summarize(ctx context.Context, text string) (string, error)

	// PollSummary reports minutes job progress.
	PollSummary(ctx context.Context, rid string) (Summary, error)
}
