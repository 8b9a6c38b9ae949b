package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/askbase/askbase/pkg/contracts"
	"github.com/askbase/askbase/pkg/fault"
	"github.com/askbase/askbase/pkg/models"
)

// OpenAIDriver generates answers via the chat completions API.
// A transient failure is retried once after a short pause; everything
// beyond that is the caller's (circuit breaker's) problem.
type OpenAIDriver struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// OpenAIOption configures the driver.
type OpenAIOption func(*OpenAIDriver)

// WithEndpoint sets a custom API endpoint.
func WithEndpoint(endpoint string) OpenAIOption {
	return func(d *OpenAIDriver) { d.endpoint = endpoint }
}

// NewOpenAIDriver creates an OpenAI generator driver.
func NewOpenAIDriver(apiKey, model string, opts ...OpenAIOption) *OpenAIDriver {
	d := &OpenAIDriver{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.openai.com/v1/chat/completions",
		client:   &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *OpenAIDriver) Kind() string { return "openai" }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
}

// Generate produces the full answer in one call, retrying once on a
// transient failure.
func (d *OpenAIDriver) Generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	result, err := d.generate(ctx, req)
	if err != nil && fault.Retryable(err) && ctx.Err() == nil {
		log.Warn().Err(err).Msg("Generation failed, retrying once")
		select {
		case <-ctx.Done():
			return nil, fault.Wrap(ctx.Err(), fault.DeadlineExceeded, "generate")
		case <-time.After(time.Second):
		}
		result, err = d.generate(ctx, req)
	}
	return result, err
}

func (d *OpenAIDriver) generate(ctx context.Context, req models.GenerateRequest) (*models.GenerateResult, error) {
	resp, err := d.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "read generation response")
	}
	if err := statusFault(resp.StatusCode, body); err != nil {
		return nil, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "unmarshal generation response")
	}
	if parsed.Error != nil {
		return nil, fault.New(fault.Unavailable, "openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type)
	}
	if len(parsed.Choices) == 0 {
		return nil, fault.New(fault.Unavailable, "openai returned no choices")
	}

	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return nil, fault.New(fault.ContentFiltered, "generation blocked by content filter")
	}
	return &models.GenerateResult{
		Answer: choice.Message.Content,
		Tokens: parsed.Usage.TotalTokens,
		Model:  parsed.Model,
	}, nil
}

// GenerateStream reads the SSE stream, forwarding content deltas.
func (d *OpenAIDriver) GenerateStream(ctx context.Context, req models.GenerateRequest, fn contracts.StreamFunc) (*models.GenerateResult, error) {
	resp, err := d.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, statusFault(resp.StatusCode, body)
	}

	var answer strings.Builder
	model := d.model
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if chunk.Choices[0].FinishReason == "content_filter" {
			return nil, fault.New(fault.ContentFiltered, "generation blocked by content filter")
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			answer.WriteString(delta)
			if err := fn(delta); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fault.Wrap(err, fault.Unavailable, "read generation stream")
	}

	text := answer.String()
	return &models.GenerateResult{
		Answer: text,
		Tokens: len(strings.Fields(text)),
		Model:  model,
	}, nil
}

func (d *OpenAIDriver) post(ctx context.Context, req models.GenerateRequest, stream bool) (*http.Response, error) {
	payload := chatRequest{
		Model:  d.model,
		Stream: stream,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: "Context:\n" + req.Context + "\n\nQuestion: " + req.Query},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "marshal generation request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(err, fault.Internal, "create generation request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(err, fault.DeadlineExceeded, "generation request")
		}
		return nil, fault.Wrap(err, fault.Unavailable, "generation request")
	}
	return resp, nil
}

// statusFault maps an HTTP status to a fault kind.
func statusFault(code int, body []byte) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusBadRequest:
		return fault.New(fault.Validation, "openai rejected request: %s", string(body))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fault.New(fault.PermissionDenied, "openai auth failed: %d", code)
	case code == http.StatusTooManyRequests || code >= 500:
		return fault.New(fault.Unavailable, "openai returned %d: %s", code, string(body))
	default:
		return fault.New(fault.Internal, "openai returned %d: %s", code, string(body))
	}
}
