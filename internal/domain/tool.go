package domain

import (
	"context"
	"encoding/json"
)

// OutcomeKind tags the variant of a ToolOutcome.
type OutcomeKind string

const (
	OutcomeText  OutcomeKind = "text"
	OutcomeJSON  OutcomeKind = "json"
	OutcomeError OutcomeKind = "error"
	OutcomeDone  OutcomeKind = "done"
)

// ToolOutcome is the result of dispatching a tool call. Execution
// failures are represented as an Error outcome rather than a Go error,
// so the step loop always receives something it can feed back to the
// model. A Done outcome signals that the task is complete and carries
// the final completion message.
type ToolOutcome struct {
	Kind    OutcomeKind     `json:"kind"`
	Content string          `json:"content,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
}

// TextOutcome wraps plain text produced by a tool.
func TextOutcome(text string) ToolOutcome {
	return ToolOutcome{Kind: OutcomeText, Content: text}
}

// JSONOutcome wraps a structured value produced by a tool.
func JSONOutcome(value json.RawMessage) ToolOutcome {
	return ToolOutcome{Kind: OutcomeJSON, Value: value}
}

// ErrorOutcome wraps a tool failure description.
func ErrorOutcome(detail string) ToolOutcome {
	return ToolOutcome{Kind: OutcomeError, Content: detail}
}

// DoneOutcome signals task completion with a final message.
func DoneOutcome(message string) ToolOutcome {
	return ToolOutcome{Kind: OutcomeDone, Content: message}
}

// IsError reports whether the outcome represents a tool failure.
func (o ToolOutcome) IsError() bool { return o.Kind == OutcomeError }

// IsDone reports whether the outcome signals task completion.
func (o ToolOutcome) IsDone() bool { return o.Kind == OutcomeDone }

// Payload renders the outcome as the string sent back to the model.
func (o ToolOutcome) Payload() string {
	switch o.Kind {
	case OutcomeJSON:
		return string(o.Value)
	case OutcomeError:
		return "error: " + o.Content
	default:
		return o.Content
	}
}

// ToolSchema describes a tool for the model's function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents a model's request to invoke a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (ToolOutcome, error)
}

// RetentionPolicy is optionally implemented by tools whose results are
// ephemeral. Retention returns how many of the tool's most recent
// results survive a trim pass; zero or negative means unlimited.
type RetentionPolicy interface {
	Retention() int
}

// ToolDispatcher abstracts tool lookup, validation, and execution.
// Dispatch never returns a Go error: every failure mode (unknown tool,
// invalid input, executor failure) is folded into an Error outcome.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, input json.RawMessage) ToolOutcome
	Schemas() []ToolSchema
	Retentions() map[string]int
}
