package usecase

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"agentcore/internal/domain"
)

// --- shared test doubles ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProvider returns scripted responses (or errors) in order, then a
// fallback text response.
type mockProvider struct {
	mu           sync.Mutex
	responses    []*domain.ChatResponse
	errs         []error
	requests     []domain.ChatRequest
	calls        int
	contextLimit int
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	i := m.calls
	m.calls++
	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return textResponse("fallback"), nil
}

func (m *mockProvider) ContextLimit() int {
	if m.contextLimit > 0 {
		return m.contextLimit
	}
	return 200000
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func textResponse(text string) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   text,
			Timestamp: time.Now(),
		},
	}
}

func toolCallResponse(calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			ToolCalls: calls,
			Timestamp: time.Now(),
		},
	}
}

func call(name, args string) domain.ToolCall {
	return domain.ToolCall{ID: "call_" + name, Name: name, Arguments: json.RawMessage(args)}
}

// streamMockProvider converts the scripted responses of an embedded
// mockProvider into delta streams, splitting text content in two.
type streamMockProvider struct {
	mockProvider
	streamErr error // injected mid-stream failure, first call only
	block     bool  // hold the stream open until ctx is cancelled
}

func (m *streamMockProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	ch := make(chan domain.StreamDelta, 8)

	if m.block {
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}

	if m.streamErr != nil {
		err := m.streamErr
		m.streamErr = nil
		go func() {
			defer close(ch)
			ch <- domain.StreamDelta{Content: "partial"}
			ch <- domain.StreamDelta{Err: err}
		}()
		return ch, nil
	}

	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}

	go func() {
		defer close(ch)
		content := resp.Message.Content
		if content != "" {
			half := len(content) / 2
			ch <- domain.StreamDelta{Content: content[:half]}
			ch <- domain.StreamDelta{Content: content[half:]}
		}
		if len(resp.Message.ToolCalls) > 0 {
			ch <- domain.StreamDelta{ToolCalls: resp.Message.ToolCalls}
		}
		ch <- domain.StreamDelta{Done: true}
	}()
	return ch, nil
}

// mockDispatcher routes tool calls to scripted outcome funcs and
// records dispatch order.
type mockDispatcher struct {
	mu         sync.Mutex
	outcomes   map[string]func(json.RawMessage) domain.ToolOutcome
	retentions map[string]int
	dispatched []string
}

func newMockDispatcher() *mockDispatcher {
	return &mockDispatcher{
		outcomes:   make(map[string]func(json.RawMessage) domain.ToolOutcome),
		retentions: make(map[string]int),
	}
}

func (m *mockDispatcher) on(name string, fn func(json.RawMessage) domain.ToolOutcome) {
	m.outcomes[name] = fn
}

func (m *mockDispatcher) Dispatch(ctx context.Context, name string, input json.RawMessage) domain.ToolOutcome {
	m.mu.Lock()
	m.dispatched = append(m.dispatched, name)
	fn := m.outcomes[name]
	m.mu.Unlock()
	if fn == nil {
		return domain.ErrorOutcome("unknown tool: " + name)
	}
	return fn(input)
}

func (m *mockDispatcher) Schemas() []domain.ToolSchema {
	schemas := make([]domain.ToolSchema, 0, len(m.outcomes))
	for name := range m.outcomes {
		schemas = append(schemas, domain.ToolSchema{Name: name})
	}
	return schemas
}

func (m *mockDispatcher) Retentions() map[string]int { return m.retentions }

func (m *mockDispatcher) dispatchOrder() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.dispatched))
	copy(out, m.dispatched)
	return out
}
