// Package openaicompat implements the Provider interface for OpenAI-style
// chat completion APIs (OpenAI, OpenRouter, Groq, DeepSeek, vLLM, and the
// Ollama /v1 endpoint all speak this dialect).
package openaicompat

import "time"

// Default configuration values.
const (
	DefaultChatPath  = "/chat/completions"
	DefaultTimeout   = 2 * time.Minute
	DefaultProbePath = "/models"
)

// Config holds the settings for one backend instance.
type Config struct {
	ID        string        `mapstructure:"id"`
	Name      string        `mapstructure:"name"`
	Endpoint  string        `mapstructure:"endpoint"` // base URL including /v1
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// wireRequest is a chat completion request on the wire.
type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Tools         []wireTool         `json:"tools,omitempty"`
	ToolChoice    string             `json:"tool_choice,omitempty"`
	Temperature   float64            `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// wireMessage is a message on the wire. Content is a pointer because strict
// gateways reject assistant messages that carry tool_calls plus an empty
// content field; omitting the key entirely is accepted everywhere.
type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type wireToolCall struct {
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function wireFunctionCall `json:"function"`
}

type wireFunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// wireResponse is a non-streaming chat completion response.
type wireResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []wireChoice `json:"choices"`
	Usage   *wireUsage   `json:"usage"`
}

type wireChoice struct {
	Index        int               `json:"index"`
	Message      wireChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

type wireChoiceMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []wireToolCall `json:"tool_calls,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// wireStreamChunk is one SSE data payload in a streaming response.
type wireStreamChunk struct {
	Choices []wireStreamChoice `json:"choices"`
	Usage   *wireUsage         `json:"usage"`
	Error   *wireErrorBody     `json:"error,omitempty"` // some gateways stream errors inline
}

type wireStreamChoice struct {
	Delta        wireDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

type wireDelta struct {
	Content          string               `json:"content"`
	ReasoningContent string               `json:"reasoning_content"`
	ToolCalls        []wireStreamToolCall `json:"tool_calls"`
}

// wireStreamToolCall is a tool call fragment; arguments arrive in pieces
// keyed by Index across successive chunks.
type wireStreamToolCall struct {
	Index    int              `json:"index"`
	ID       string           `json:"id"`
	Function wireFunctionCall `json:"function"`
}

// wireErrorResponse is an error payload from the API.
type wireErrorResponse struct {
	Error wireErrorBody `json:"error"`
}

type wireErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
