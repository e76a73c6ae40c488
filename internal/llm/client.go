// Package llm streams chat completions from an OpenAI-compatible API.
package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"medlink-server/internal/config"
)

// ErrMissingAPIKey is returned when no upstream credential is configured.
var ErrMissingAPIKey = errors.New("llm api key is not configured")

// UpstreamError describes a failed upstream call: a transport error
// (StatusCode 0) or a non-2xx response.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return "llm upstream unreachable: " + e.Message
	}
	return fmt.Sprintf("llm upstream error [%d]: %s", e.StatusCode, e.Message)
}

// Message is one chat turn. Role is one of the openai.ChatMessageRole* values.
type Message struct {
	Role    string
	Content string
}

// Client streams chat completions.
type Client struct {
	http        *resty.Client
	apiKey      string
	model       string
	temperature float32
	logger      *zap.Logger
}

// NewClient creates a client for the configured upstream.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(strings.TrimSuffix(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream")
	if cfg.APIKey != "" {
		httpClient.SetAuthToken(cfg.APIKey)
	}

	return &Client{
		http:        httpClient,
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		logger:      logger,
	}
}

// Ready reports ErrMissingAPIKey when the client cannot call upstream.
func (c *Client) Ready() error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// StreamChat opens a streamed chat completion. The returned Stream must be
// closed by the caller. Failures before the first byte of the body are
// returned as *UpstreamError.
func (c *Client) StreamChat(ctx context.Context, messages []Message) (*Stream, error) {
	if err := c.Ready(); err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
		Temperature: c.temperature,
		Stream:      true,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetDoNotParseResponse(true).
		Post("/chat/completions")
	if err != nil {
		return nil, &UpstreamError{Message: err.Error()}
	}

	body := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		defer body.Close()
		raw, _ := io.ReadAll(io.LimitReader(body, 4096))
		return nil, &UpstreamError{StatusCode: resp.StatusCode(), Message: errorMessage(raw)}
	}

	return &Stream{
		body:   body,
		reader: bufio.NewReader(body),
		logger: c.logger,
	}, nil
}

func errorMessage(raw []byte) string {
	var errResp openai.ErrorResponse
	if err := json.Unmarshal(raw, &errResp); err == nil && errResp.Error != nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return "empty response body"
}

// Stream reads token deltas from an upstream SSE body.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	logger *zap.Logger
	done   bool
}

// Recv returns the next non-empty content delta. It returns io.EOF after the
// [DONE] sentinel or when the body is exhausted.
func (s *Stream) Recv() (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}

		line, err := s.reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read stream: %w", err)
		}
		if errors.Is(err, io.EOF) {
			s.done = true
			if strings.TrimSpace(line) == "" {
				return "", io.EOF
			}
		}

		delta, ok, perr := s.parseLine(strings.TrimSpace(line))
		if perr != nil {
			return "", perr
		}
		if ok && delta != "" {
			return delta, nil
		}
	}
}

// parseLine decodes one SSE line. ok is false for lines that carry no delta.
func (s *Stream) parseLine(line string) (delta string, ok bool, err error) {
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false, nil
	}
	payload, found := strings.CutPrefix(line, "data:")
	if !found {
		return "", false, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "[DONE]" {
		s.done = true
		return "", false, nil
	}

	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		s.logger.Warn("skipping malformed stream line", zap.String("line", truncate(payload, 200)), zap.Error(err))
		return "", false, nil
	}
	if len(chunk.Choices) == 0 {
		var errResp openai.ErrorResponse
		if json.Unmarshal([]byte(payload), &errResp) == nil && errResp.Error != nil {
			return "", false, fmt.Errorf("upstream stream error: %s", errResp.Error.Message)
		}
		return "", false, nil
	}

	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return b.String(), true, nil
}

// Close releases the upstream body.
func (s *Stream) Close() error {
	s.done = true
	return s.body.Close()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
