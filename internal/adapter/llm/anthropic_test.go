package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"agentcore/internal/domain"
	"agentcore/internal/infra/config"
)

func newAnthropicTestProvider(serverURL string) *AnthropicProvider {
	return NewAnthropicProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: serverURL,
		APIKey:  "test-key",
		Model:   "claude-sonnet-4-20250514",
	}, newTestLogger())
}

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Errorf("missing anthropic-version header")
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &gotReq); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		fmt.Fprint(w, `{
			"id": "msg_1",
			"model": "claude-sonnet-4-20250514",
			"content": [
				{"type": "text", "text": "Hi there"},
				{"type": "tool_use", "id": "tu_1", "name": "search", "input": {"q": "go"}}
			],
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	resp, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "Hello"},
		},
		Tools: []domain.ToolSchema{{Name: "search", Description: "web search", Parameters: json.RawMessage(`{"type":"object"}`)}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	// System prompt goes to the dedicated field, not the messages array.
	if gotReq.System != "be brief" {
		t.Errorf("system = %q", gotReq.System)
	}
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", gotReq.Messages)
	}
	if len(gotReq.Tools) != 1 || gotReq.Tools[0].Name != "search" {
		t.Errorf("tools = %+v", gotReq.Tools)
	}

	if resp.Message.Content != "Hi there" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Name != "search" {
		t.Errorf("tool calls = %+v", resp.Message.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("total tokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestAnthropicToolResultMapping(t *testing.T) {
	var gotReq anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &gotReq)
		fmt.Fprint(w, `{"id":"msg_2","content":[{"type":"text","text":"ok"}],"usage":{}}`)
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	_, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "search it"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "tu_1", Name: "search", Arguments: json.RawMessage(`{}`)}}},
			{Role: domain.RoleTool, Content: "three results", ToolCalls: []domain.ToolCall{{ID: "tu_1", Name: "search"}}},
		},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(gotReq.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(gotReq.Messages))
	}
	assistant := gotReq.Messages[1]
	if assistant.Role != "assistant" || assistant.Content[0].Type != "tool_use" {
		t.Errorf("assistant message = %+v", assistant)
	}
	// Tool results go back as user-role tool_result blocks.
	result := gotReq.Messages[2]
	if result.Role != "user" || result.Content[0].Type != "tool_result" || result.Content[0].ToolUseID != "tu_1" {
		t.Errorf("tool result message = %+v", result)
	}
	if result.Content[0].Content != "three results" {
		t.Errorf("tool result content = %q", result.Content[0].Content)
	}
}

func TestAnthropicChatHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	_, err := provider.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
	})
	if !errors.Is(err, domain.ErrRateLimit) {
		t.Errorf("err = %v, want ErrRateLimit", err)
	}
}

func TestAnthropicChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			t.Errorf("unexpected Accept: %s", r.Header.Get("Accept"))
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		events := []string{
			`data: {"type":"message_start"}`,
			`data: {"type":"content_block_start","content_block":{"type":"text"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"Hello"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":" world"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"thinking_delta","thinking":"hmm"}}`,
			`data: {"type":"message_delta","usage":{"input_tokens":5,"output_tokens":2}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	ch, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var content, reasoning string
	var gotDone bool
	var usage *domain.Usage
	for delta := range ch {
		content += delta.Content
		reasoning += delta.Reasoning
		if delta.Usage != nil {
			usage = delta.Usage
		}
		if delta.Done {
			gotDone = true
		}
	}

	if content != "Hello world" {
		t.Errorf("content = %q, want %q", content, "Hello world")
	}
	if reasoning != "hmm" {
		t.Errorf("reasoning = %q", reasoning)
	}
	if usage == nil || usage.TotalTokens != 7 {
		t.Errorf("usage = %+v", usage)
	}
	if !gotDone {
		t.Error("expected Done=true")
	}
}

func TestAnthropicChatStreamToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		events := []string{
			`data: {"type":"content_block_start","content_block":{"type":"tool_use","id":"tu_1","name":"search"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"{\"q\":"}}`,
			`data: {"type":"content_block_delta","delta":{"type":"input_json_delta","partial_json":"\"go\"}"}}`,
			`data: {"type":"message_stop"}`,
		}
		for _, e := range events {
			fmt.Fprintln(w, e)
			fmt.Fprintln(w)
			flusher.Flush()
		}
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	ch, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "find it"}},
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	var id, name, args string
	for delta := range ch {
		for _, tc := range delta.ToolCalls {
			if tc.ID != "" {
				id = tc.ID
			}
			if tc.Name != "" {
				name = tc.Name
			}
			args += string(tc.Arguments)
		}
	}

	if id != "tu_1" || name != "search" {
		t.Errorf("tool call = %s %s", id, name)
	}
	if args != `{"q":"go"}` {
		t.Errorf("args = %q", args)
	}
}

func TestAnthropicChatStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid key"}`))
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(server.URL)
	_, err := provider.ChatStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
	})
	if !errors.Is(err, domain.ErrAuthInvalid) {
		t.Errorf("err = %v, want ErrAuthInvalid", err)
	}
}

func TestAnthropicContextLimit(t *testing.T) {
	p := newAnthropicTestProvider("http://localhost")
	if p.ContextLimit() != defaultAnthropicContextLimit {
		t.Errorf("ContextLimit = %d", p.ContextLimit())
	}

	p2 := NewAnthropicProvider(config.ProviderConfig{Name: "t", ContextLimit: 100000}, newTestLogger())
	if p2.ContextLimit() != 100000 {
		t.Errorf("ContextLimit = %d, want 100000", p2.ContextLimit())
	}
}
