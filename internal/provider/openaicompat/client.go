package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tinyclaw/internal/provider"
	"tinyclaw/pkg/logger"
)

// ErrInvalidResponse is returned when the API answers with a body that is not
// a chat completion.
var ErrInvalidResponse = errors.New("invalid response from provider")

// Client implements the Provider interface over an OpenAI-style HTTP API.
type Client struct {
	id         string
	name       string
	endpoint   string
	chatPath   string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// New creates a client for one configured backend.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	name := cfg.Name
	if name == "" {
		name = cfg.ID
	}

	return &Client{
		id:        cfg.ID,
		name:      name,
		endpoint:  strings.TrimRight(cfg.Endpoint, "/"),
		chatPath:  DefaultChatPath,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// ID returns the registry key of this backend.
func (c *Client) ID() string {
	return c.id
}

// Name returns the human-readable label of this backend.
func (c *Client) Name() string {
	return c.name
}

// Chat sends a chat completion request and returns the full response.
func (c *Client) Chat(ctx context.Context, req provider.ChatRequest) (*provider.ChatResponse, error) {
	body := c.buildRequest(req, false)

	logger.Debug().Str("provider", c.id).Str("model", body.Model).Int("messages", len(body.Messages)).Msg("Chat request")

	resp, err := c.doRequest(ctx, c.chatPath, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.NewError(provider.ErrCodeNetworkError, fmt.Sprintf("read response: %v", err), c.id, true)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp, raw)
	}

	var wire wireResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		logger.Error().Err(err).Str("provider", c.id).Msg("Failed to parse chat response")
		return nil, ErrInvalidResponse
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrInvalidResponse)
	}

	return c.convertResponse(&wire), nil
}

// Stream sends a streaming chat completion request.
func (c *Client) Stream(ctx context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	body := c.buildRequest(req, true)

	resp, err := c.doRequest(ctx, c.chatPath, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, c.handleErrorResponse(resp, raw)
	}

	return ProcessStream(resp.Body), nil
}

// Available probes the backend with a short GET.
// Some gateways do not serve /models at all; any answer below 500 proves the
// endpoint is up, which is all routing needs to know.
func (c *Client) Available(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.endpoint+DefaultProbePath, nil)
	if err != nil {
		return false
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < http.StatusInternalServerError
}

// buildRequest converts a provider.ChatRequest to the wire format.
func (c *Client) buildRequest(req provider.ChatRequest, stream bool) *wireRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}

	wire := &wireRequest{
		Model:    model,
		Messages: make([]wireMessage, 0, len(req.Messages)),
		Stream:   stream,
	}

	for _, msg := range req.Messages {
		wm := wireMessage{
			Role:       msg.Role,
			ToolCallID: msg.ToolCallID,
		}

		// Omit content only for assistant messages that carry tool calls and
		// nothing else; every other role always sends the field.
		if msg.Content != "" || msg.Role != provider.RoleAssistant || len(msg.ToolCalls) == 0 {
			content := msg.Content
			wm.Content = &content
		}

		for _, tc := range msg.ToolCalls {
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: wireFunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}

		wire.Messages = append(wire.Messages, wm)
	}

	for _, tool := range req.Tools {
		wire.Tools = append(wire.Tools, wireTool{
			Type: tool.Type,
			Function: wireToolFunction{
				Name:        tool.Function.Name,
				Description: tool.Function.Description,
				Parameters:  tool.Function.Parameters,
			},
		})
	}
	if len(wire.Tools) > 0 {
		wire.ToolChoice = "auto"
	}

	if req.Temperature > 0 {
		wire.Temperature = req.Temperature
	}
	wire.MaxTokens = req.MaxTokens
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.maxTokens
	}

	if stream {
		wire.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}

	return wire
}

// doRequest sends an HTTP request to the API.
func (c *Client) doRequest(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, provider.NewError(provider.ErrCodeTimeout, "request timeout", c.id, true)
		}
		return nil, provider.NewError(provider.ErrCodeNetworkError, err.Error(), c.id, true)
	}

	return resp, nil
}

// handleErrorResponse maps an API error to a structured provider error.
func (c *Client) handleErrorResponse(resp *http.Response, raw []byte) error {
	message := strings.TrimSpace(string(raw))
	var wire wireErrorResponse
	if err := json.Unmarshal(raw, &wire); err == nil && wire.Error.Message != "" {
		message = wire.Error.Message
	}

	var code provider.ErrorCode
	retryable := false
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = provider.ErrCodeAuthFailed
	case http.StatusNotFound:
		code = provider.ErrCodeModelNotFound
	case http.StatusTooManyRequests:
		code = provider.ErrCodeRateLimited
	case http.StatusBadRequest:
		code = provider.ErrCodeInvalidRequest
	default:
		if resp.StatusCode >= http.StatusInternalServerError {
			code = provider.ErrCodeServiceUnavailable
			retryable = true
		} else {
			code = provider.ErrCodeUnknown
		}
	}

	perr := provider.NewError(code, fmt.Sprintf("status %d: %s", resp.StatusCode, message), c.id, retryable)
	if after := resp.Header.Get("Retry-After"); after != "" {
		if secs, err := strconv.Atoi(after); err == nil {
			perr.RetryAfter = secs
		}
	}

	logger.Warn().Str("provider", c.id).Int("status", resp.StatusCode).Str("code", string(code)).Msg("Provider error response")
	return perr
}

// convertResponse converts a wire response to a provider response.
func (c *Client) convertResponse(wire *wireResponse) *provider.ChatResponse {
	choice := wire.Choices[0]

	result := &provider.ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: provider.FinishReasonStop,
	}

	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, provider.ToolCall{
			ID:        tc.ID,
			Type:      "function",
			Name:      strings.TrimSpace(tc.Function.Name),
			Arguments: tc.Function.Arguments,
		})
	}

	switch {
	case len(result.ToolCalls) > 0:
		result.FinishReason = provider.FinishReasonToolCalls
	case choice.FinishReason == "length":
		result.FinishReason = provider.FinishReasonLength
	}

	if wire.Usage != nil {
		result.Usage = &provider.Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		}
	}

	return result
}
