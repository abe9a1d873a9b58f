// Package agent runs the per-turn response loop: call the model, detect
// interaction requests, execute them, feed results back, repeat.
package agent

import (
	"context"
)

// Role identifies the author of a completion message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// CompletionMessage is one message of the model's context window.
type CompletionMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a model call.
type CompletionRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// CompletionResponse is a completed, non-streaming model reply.
type CompletionResponse struct {
	Text       string `json:"text"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// ChunkType tags streaming chunks.
type ChunkType string

const (
	ChunkText ChunkType = "text"
	ChunkDone ChunkType = "done"
)

// CompletionChunk is one element of a streaming reply. The channel closes
// after a ChunkDone or after Err is delivered.
type CompletionChunk struct {
	Type  ChunkType `json:"type"`
	Text  string    `json:"text,omitempty"`
	Usage *Usage    `json:"usage,omitempty"`
	Err   error     `json:"-"`
}

// ModelProvider is the model backend capability the loop depends on. Both
// calls honor context cancellation.
type ModelProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Stream(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}
