package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/deal-signal-lab/internal/logging"
)

// Segment is one timed piece of a transcription, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Transcription struct {
	Language *string   `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Duration is the end of the last segment, or 0 without segments.
func (t Transcription) Duration() float64 {
	var d float64
	for _, s := range t.Segments {
		if s.End > d {
			d = s.End
		}
	}
	return d
}

type WhisperOptions struct {
	URL       string
	Timeout   time.Duration
	Language  string
	BeamSize  int
	Translate bool
}

// WhisperClient posts WAV files to a Whisper-compatible HTTP endpoint.
type WhisperClient struct {
	endpoint   string
	timeout    time.Duration
	httpClient *http.Client
	attempts   int
	backoff    func(attempt int) time.Duration
}

// NewWhisperClient builds the request URL once from opts: language,
// beam_size and task=translate are passed as query parameters.
func NewWhisperClient(opts WhisperOptions) (*WhisperClient, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("whisper url not set")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("whisper url: %w", err)
	}
	q := u.Query()
	if opts.Translate {
		q.Set("task", "translate")
	}
	if opts.BeamSize > 0 {
		q.Set("beam_size", strconv.Itoa(opts.BeamSize))
	}
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	u.RawQuery = q.Encode()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &WhisperClient{
		endpoint:   u.String(),
		timeout:    timeout,
		httpClient: &http.Client{},
		attempts:   3,
		backoff:    func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
	}, nil
}

type whisperResponse struct {
	Language *string   `json:"language"`
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
}

// Transcribe sends the WAV at wavPath. Transport errors and 5xx responses
// are retried with exponential backoff; 4xx responses fail immediately.
func (c *WhisperClient) Transcribe(ctx context.Context, wavPath string) (Transcription, error) {
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return Transcription{}, fmt.Errorf("read wav: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Transcription{}, ctx.Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}
		out, retry, err := c.send(ctx, wav)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retry {
			break
		}
		logging.WarnwCtx(ctx, "voice: whisper request failed", "err", err, "attempt", attempt)
	}
	return Transcription{}, lastErr
}

func (c *WhisperClient) send(ctx context.Context, wav []byte) (Transcription, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(wav))
	if err != nil {
		return Transcription{}, false, err
	}
	req.Header.Set("Content-Type", "audio/wav")
	if id := logging.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}

	sent := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Transcription{}, ctx.Err() == nil, fmt.Errorf("whisper send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return Transcription{}, true, fmt.Errorf("whisper server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Transcription{}, false, fmt.Errorf("whisper rejected audio status=%d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Transcription{}, false, fmt.Errorf("whisper decode: %w", err)
	}
	logging.DebugwCtx(ctx, "voice: whisper response received",
		"status", resp.StatusCode, "stt_latency_ms", time.Since(sent).Milliseconds())
	return cleanTranscription(out), false, nil
}

// cleanTranscription trims segment texts, drops empty segments and, when
// the service returned no top-level text, joins the segment texts.
func cleanTranscription(r whisperResponse) Transcription {
	segs := make([]Segment, 0, len(r.Segments))
	texts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		segs = append(segs, s)
		texts = append(texts, s.Text)
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		text = strings.Join(texts, " ")
	}
	return Transcription{Language: r.Language, Text: text, Segments: segs}
}
