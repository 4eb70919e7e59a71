package domain

import "context"

// ModelProvider is the interface for any model backend. A provider
// performs a single round trip; the step loop owns the multi-step
// conversation.
type ModelProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// ContextLimit returns the provider's context window in tokens.
	ContextLimit() int
	// Name returns the provider's identifier (e.g., "anthropic", "openai").
	Name() string
}

// StreamDelta is a single incremental chunk from a streaming model
// response. Err is set when the stream fails mid-flight; no further
// deltas follow it.
type StreamDelta struct {
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Done      bool       `json:"done,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Err       error      `json:"-"`
}

// StreamingModelProvider extends ModelProvider with streaming support.
type StreamingModelProvider interface {
	ModelProvider
	// ChatStream sends a request and returns a channel of incremental deltas.
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamDelta, error)
}
