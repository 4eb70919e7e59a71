package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventQueryStarted   EventType = "query.started"
	EventQueryCompleted EventType = "query.completed"
	EventQueryFailed    EventType = "query.failed"
	EventStepCompleted  EventType = "step.completed"
	EventToolDispatched EventType = "tool.dispatched"
	EventToolCompleted  EventType = "tool.completed"
	EventModelCalled    EventType = "model.called"
	EventCompaction     EventType = "buffer.compacted"
	EventStreamStarted  EventType = "stream.started"
	EventStreamDelta    EventType = "stream.delta"
	EventStreamEnded    EventType = "stream.ended"
	EventSessionCreated EventType = "session.created"
	EventSessionDeleted EventType = "session.deleted"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// AgentEventType identifies the kind of progress event emitted by a
// streaming agent run.
type AgentEventType string

const (
	AgentEventToolCall     AgentEventType = "tool_call"
	AgentEventToolResult   AgentEventType = "tool_result"
	AgentEventTextDelta    AgentEventType = "text_delta"
	AgentEventStepComplete AgentEventType = "step_complete"
	AgentEventDone         AgentEventType = "done"
	AgentEventError        AgentEventType = "error"
)

// AgentEvent is a single progress event from a streaming agent run.
// Exactly one Done event terminates a successful stream; an Error
// event terminates a failed one. Cancellation terminates the stream
// with neither.
type AgentEvent struct {
	Type    AgentEventType  `json:"type"`
	Tool    string          `json:"tool,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Outcome *ToolOutcome    `json:"outcome,omitempty"`
	Text    string          `json:"text,omitempty"`
	Step    int             `json:"step,omitempty"`
	Result  *AgentResult    `json:"result,omitempty"`
	Err     error           `json:"-"`
}
