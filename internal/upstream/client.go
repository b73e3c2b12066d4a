// Package upstream talks to an OpenAI-compatible chat completion endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/qing1huan/DeepThink/internal/models"
)

// ErrUpstream marks a failed or non-successful call to the model.
var ErrUpstream = errors.New("upstream failure")

const maxErrorBody = 512

type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	TitleModel  string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
}

type Client struct {
	cfg    Config
	http   *http.Client
	openai *openai.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TitleModel == "" {
		cfg.TitleModel = cfg.Model
	}

	// Streaming bodies can stay open for minutes, so only the wait for
	// response headers is bounded.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.Timeout

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &Client{
		cfg:    cfg,
		http:   &http.Client{Transport: transport},
		openai: openai.NewClientWithConfig(oc),
		logger: logger,
	}
}

// Model returns the default model identifier.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Stream opens a streaming completion and returns the raw event-stream body.
// An empty model selects the configured default.
func (c *Client) Stream(ctx context.Context, model string, turns []models.Turn) (io.ReadCloser, error) {
	if model == "" {
		model = c.cfg.Model
	}
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAI(turns),
		Stream:      true,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: float32(c.cfg.Temperature),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(ErrUpstream, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("Upstream returned non-success status",
			zap.Int("status", resp.StatusCode),
			zap.String("model", model),
			zap.ByteString("body", excerpt))
		return nil, errors.Wrapf(ErrUpstream, "status %d: %s", resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}
	return resp.Body, nil
}

// Title asks the title model for a short name for a conversation.
func (c *Client) Title(ctx context.Context, exchange []models.Turn) (string, error) {
	var sb strings.Builder
	for _, t := range exchange {
		fmt.Fprintf(&sb, "%s: %s\n", t.Role, t.Content)
	}
	prompt := fmt.Sprintf("Generate a short (3-6 word) title for a conversation that starts like this:\n\n%s\nReturn only the title, no quotes.", sb.String())

	resp, err := c.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.TitleModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		MaxTokens: 32,
	})
	if err != nil {
		return "", errors.Wrap(ErrUpstream, err.Error())
	}
	if len(resp.Choices) == 0 {
		return "", errors.Wrap(ErrUpstream, "no choices in title response")
	}
	return CleanTitle(resp.Choices[0].Message.Content), nil
}

// CleanTitle strips quotes, markdown emphasis and trailing punctuation, and
// keeps the first line only.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*# ")
	s = strings.TrimRight(s, ".!")
	return strings.TrimSpace(s)
}

func toOpenAI(turns []models.Turn) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return out
}
