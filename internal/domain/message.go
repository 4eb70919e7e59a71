package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// EphemeralTag marks a message as transient tool output subject to
// retention trimming. Tool identifies the producing tool; Seq is the
// insertion sequence within that tool's output stream.
type EphemeralTag struct {
	Tool string `json:"tool"`
	Seq  int    `json:"seq"`
}

// Message represents a single message in a conversation.
type Message struct {
	Role      string        `json:"role"`
	Content   string        `json:"content"`
	Name      string        `json:"name,omitempty"`
	ToolCalls []ToolCall    `json:"tool_calls,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
	Summary   bool          `json:"summary,omitempty"`
	Ephemeral *EphemeralTag `json:"ephemeral,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// ChatRequest is sent to a model provider.
type ChatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream,omitempty"`
}

// ChatResponse is returned from a model provider.
type ChatResponse struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Message   Message   `json:"message"`
	Usage     Usage     `json:"usage"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// AgentResult is the final outcome of a blocking agent run.
type AgentResult struct {
	Text     string    `json:"text"`
	Steps    int       `json:"steps"`
	Messages []Message `json:"messages,omitempty"`
}
