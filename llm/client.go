// Package llm talks to an OpenAI-compatible chat completions API (Groq by
// default) and turns its answers into sales analysis documents.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/deal-signal-lab/internal/logging"
)

var (
	ErrPermanent = errors.New("permanent error")
	ErrTransient = errors.New("transient error")
)

type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	FallbackModel string
	Timeout       time.Duration
	Temperature   float64
	// JSONMode asks the backend for a JSON object response format.
	JSONMode bool
}

type Client struct {
	api      openai.Client
	cfg      Config
	fallback time.Duration
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrPermanent)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: missing model", ErrPermanent)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Client{api: openai.NewClient(opts...), cfg: cfg, fallback: 250 * time.Millisecond}, nil
}

func (c *Client) Model() string { return c.cfg.Model }

// Complete sends a system and a user message and returns the first
// choice's content. A transient failure on the primary model is retried
// once on the fallback model when one is configured.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	out, err := c.complete(ctx, c.cfg.Model, system, user)
	if err == nil || !errors.Is(err, ErrTransient) {
		return out, err
	}
	fb := c.cfg.FallbackModel
	if fb == "" || fb == c.cfg.Model {
		return "", err
	}
	logging.WarnwCtx(ctx, "llm: primary model failed, trying fallback", "model", c.cfg.Model, "fallback", fb, "err", err)
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-time.After(c.fallback):
	}
	return c.complete(ctx, fb, system, user)
}

func (c *Client) complete(ctx context.Context, model, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.cfg.Temperature),
	}
	if c.cfg.JSONMode {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}
	resp, err := c.api.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices from %s", ErrTransient, model)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps API failures onto ErrTransient (network, 429, 5xx) and
// ErrPermanent (other 4xx).
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %v", ErrTransient, apiErr.StatusCode, err)
		}
		return fmt.Errorf("%w: status %d: %v", ErrPermanent, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
