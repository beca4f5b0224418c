package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/minjae-lab/meetscribe/internal/logging"
	"github.com/minjae-lab/meetscribe/internal/metrics"
)

const (
	transcriptsPath = "/stt/v1/async/transcripts"
	minutesPath     = "/nlp/v1/async/minutes"
)

// Daglo talks to the Daglo speech API: multipart audio upload with speaker
// diarization enabled, then polling by reference id; the same pattern again
// for minutes generation.
type Daglo struct {
	baseURL string
	apiKey  string
	client  *http.Client
	maxBody int64
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewDaglo(baseURL, apiKey string, client *http.Client, maxBody int64, m *metrics.Metrics) *Daglo {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxBody <= 0 {
		maxBody = 16 << 20
	}
	return &Daglo{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		maxBody: maxBody,
		metrics: m,
		logger:  logging.Component("daglo"),
	}
}

type submitResponse struct {
	RID string `json:"rid"`
}

type wordTime struct {
	Seconds string `json:"seconds"`
	Nanos   int    `json:"nanos"`
}

type word struct {
	Speaker   string   `json:"speaker"`
	Word      string   `json:"word"`
	StartTime wordTime `json:"startTime"`
	EndTime   wordTime `json:"endTime"`
	SegmentID string   `json:"segmentId"`
}

type sttResult struct {
	Transcript string `json:"transcript"`
	Words      []word `json:"words"`
}

type transcriptResponse struct {
	RID        string      `json:"rid"`
	Status     string      `json:"status"`
	Progress   int         `json:"progress"`
	STTResults []sttResult `json:"sttResults"`
}

type bullet struct {
	Important bool   `json:"isImportant"`
	Text      string `json:"text"`
}

type minute struct {
	Title   string   `json:"title"`
	Bullets []bullet `json:"bullets"`
}

type minutesResponse struct {
	RID      string   `json:"rid"`
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Title    string   `json:"title"`
	Minutes  []minute `json:"minutes"`
}

func (d *Daglo) Transcribe(ctx context.Context, audioPath string) (string, error) {
	file, err := os.Open(audioPath)
	if err != nil {
		return "", fmt.Errorf("open audio file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return "", fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("copy audio into request: %w", err)
	}

	sttConfig, _ := json.Marshal(map[string]any{
		"speakerDiarization": map[string]any{"enable": true},
	})
	if err := writer.WriteField("sttConfig", string(sttConfig)); err != nil {
		return "", fmt.Errorf("write sttConfig field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+transcriptsPath, &body)
	if err != nil {
		return "", fmt.Errorf("build transcription request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	var resp submitResponse
	if err := d.do(req, "transcribe_submit", &resp); err != nil {
		return "", err
	}
	if resp.RID == "" {
		return "", fmt.Errorf("transcription submit returned no rid: %w", ErrMalformedResponse)
	}

	d.logger.Info().Str("rid", resp.RID).Str("file", filepath.Base(audioPath)).Msg("transcription submitted")
	return resp.RID, nil
}

func (d *Daglo) PollTranscription(ctx context.Context, rid string) (Transcription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+transcriptsPath+"/"+rid, nil)
	if err != nil {
		return Transcription{}, fmt.Errorf("build transcription poll request: %w", err)
	}

	var resp transcriptResponse
	if err := d.do(req, "transcribe_poll", &resp); err != nil {
		return Transcription{}, err
	}

	result := Transcription{Progress: resp.Progress}
	if !strings.EqualFold(resp.Status, "transcribed") {
		return result, nil
	}

	content := renderTranscript(resp.STTResults)
	if content == "" {
		return Transcription{}, fmt.Errorf("transcription %s finished with no words: %w", rid, ErrMalformedResponse)
	}

	result.Done = true
	result.Content = content
	return result, nil
}

func (d *Daglo) Summarize(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", fmt.Errorf("marshal minutes request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+minutesPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build minutes request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp submitResponse
	if err := d.do(req, "summarize_submit", &resp); err != nil {
		return "", err
	}
	if resp.RID == "" {
		return "", fmt.Errorf("minutes submit returned no rid: %w", ErrMalformedResponse)
	}

	d.logger.Info().Str("rid", resp.RID).Msg("minutes submitted")
	return resp.RID, nil
}

func (d *Daglo) PollSummary(ctx context.Context, rid string) (Summary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+minutesPath+"/"+rid, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("build minutes poll request: %w", err)
	}

	var resp minutesResponse
	if err := d.do(req, "summarize_poll", &resp); err != nil {
		return Summary{}, err
	}

	result := Summary{Progress: resp.Progress}
	if !strings.EqualFold(resp.Status, "processed") || resp.Progress != 100 {
		return result, nil
	}

	text := renderMinutes(resp.Title, resp.Minutes)
	if text == "" {
		return Summary{}, fmt.Errorf("minutes %s finished with no sections: %w", rid, ErrMalformedResponse)
	}

	result.Done = true
	result.Text = text
	return result, nil
}

// do executes the request with bearer auth and decodes the JSON body.
// Non-2xx statuses and transport failures come back as plain errors so the
// caller's retry budget applies; only undecodable bodies are terminal.
func (d *Daglo) do(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := d.client.Do(req)
	if err != nil {
		d.observe(op, "error", start)
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody))
	if err != nil {
		d.observe(op, "error", start)
		return fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		d.observe(op, "error", start)
		return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, tail(body, 256))
	}

	if err := json.Unmarshal(body, out); err != nil {
		d.observe(op, "error", start)
		return fmt.Errorf("%s: decode response: %w: %v", op, ErrMalformedResponse, err)
	}

	d.observe(op, "ok", start)
	return nil
}

func (d *Daglo) observe(op, outcome string, start time.Time) {
	if d.metrics == nil {
		return
	}
	d.metrics.ProviderCalls.WithLabelValues(op, outcome).Inc()
	d.metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func tail(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
