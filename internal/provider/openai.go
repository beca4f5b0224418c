package provider

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
)

const minutesPrompt = `You are a meeting minutes writer. Summarize the
transcript into markdown: an H2 title, H3 section headings, and bullet
points. Bold the bullets that capture decisions or action items.`

// transcriber is the slice of the OpenAI client the adapter uses, split out
// so tests can stub it.
type transcriber interface {
	CreateTranscription(ctx context.Context, request openai.AudioRequest) (openai.AudioResponse, error)
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAI adapts the synchronous Whisper and chat APIs to the submit-then-
// poll contract. Work runs at submit time and the result parks in an
// in-process table under a generated reference id, so this provider only
// works on single-instance deployments.
type OpenAI struct {
	client transcriber
	model  string

	mu          sync.Mutex
	transcripts map[string]string
	summaries   map[string]string

	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewOpenAI(client *openai.Client, model string, m *metrics.Metrics) *OpenAI {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAI{
		client:      client,
		model:       model,
		transcripts: make(map[string]string),
		summaries:   make(map[string]string),
		metrics:     m,
		logger:      logging.Component("openai"),
	}
}

func (o *OpenAI) Transcribe(ctx context.Context, audioPath string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
	})
	if err != nil {
		o.observe("transcribe_submit", "error", start)
		return "", fmt.Errorf("whisper transcription: %w", err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		o.observe("transcribe_submit", "error", start)
		return "", fmt.Errorf("whisper returned empty transcript: %w", ErrMalformedResponse)
	}

	rid := newLocalRID("tr")
	o.mu.Lock()
	o.transcripts[rid] = resp.Text
	o.mu.Unlock()

	o.observe("transcribe_submit", "ok", start)
	o.logger.Info().Str("rid", rid).Msg("whisper transcription stored")
	return rid, nil
}

func (o *OpenAI) PollTranscription(_ context.Context, rid string) (Transcription, error) {
	o.mu.Lock()
	content, ok := o.transcripts[rid]
	if ok {
		delete(o.transcripts, rid)
	}
	o.mu.Unlock()

	if !ok {
		// Unknown rid after a restart: the submit result is gone and
		// can never arrive.
		return Transcription{}, fmt.Errorf("unknown transcription rid %s: %w", rid, ErrMalformedResponse)
	}
	return Transcription{Content: content, Progress: 100, Done: true}, nil
}

func (o *OpenAI) Summarize(ctx context.Context, text string) (string, error) {
	start := time.Now()
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: minutesPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		o.observe("summarize_submit", "error", start)
		return "", fmt.Errorf("minutes completion: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		o.observe("summarize_submit", "error", start)
		return "", fmt.Errorf("minutes completion returned no content: %w", ErrMalformedResponse)
	}

	rid := newLocalRID("sum")
	o.mu.Lock()
	o.summaries[rid] = resp.Choices[0].Message.Content
	o.mu.Unlock()

	o.observe("summarize_submit", "ok", start)
	return rid, nil
}

func (o *OpenAI) PollSummary(_ context.Context, rid string) (Summary, error) {
	o.mu.Lock()
	text, ok := o.summaries[rid]
	if ok {
		delete(o.summaries, rid)
	}
	o.mu.Unlock()

	if !ok {
		return Summary{}, fmt.Errorf("unknown summary rid %s: %w", rid, ErrMalformedResponse)
	}
	return Summary{Text: text, Progress: 100, Done: true}, nil
}

func (o *OpenAI) observe(op, outcome string, start time.Time) {
	if o.metrics == nil {
		return
	}
	o.metrics.ProviderCalls.WithLabelValues(op, outcome).Inc()
	o.metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func newLocalRID(kind string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return "local-" + kind + "-" + hex.EncodeToString(buf)
}
