package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"agentcore/internal/domain"
)

func newTestRunner(p domain.ModelProvider, d domain.ToolDispatcher, maxSteps int) *Runner {
	return NewRunner(RunnerDeps{
		Provider:     p,
		Tools:        d,
		Logger:       testLogger(),
		SystemPrompt: "be useful",
		MaxSteps:     maxSteps,
	})
}

func collectEvents(t *testing.T, ch <-chan domain.AgentEvent) []domain.AgentEvent {
	t.Helper()
	var events []domain.AgentEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func TestQueryDirectAnswer(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{textResponse("the answer")}}
	r := newTestRunner(provider, newMockDispatcher(), 5)
	buf := r.CreateContext()

	res, err := r.Query(context.Background(), buf, "question")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "the answer" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Steps != 1 {
		t.Errorf("Steps = %d, want 1", res.Steps)
	}
	if buf.StepCount() != 1 {
		t.Errorf("StepCount = %d, want 1", buf.StepCount())
	}
	if buf.MessageCount() != 2 {
		t.Errorf("MessageCount = %d, want user + assistant", buf.MessageCount())
	}

	// The result carries the flattened conversation.
	if len(res.Messages) != 2 {
		t.Fatalf("Messages = %d, want 2", len(res.Messages))
	}
	if res.Messages[0].Role != domain.RoleUser || res.Messages[0].Content != "question" {
		t.Errorf("Messages[0] = %+v", res.Messages[0])
	}
	if res.Messages[1].Role != domain.RoleAssistant || res.Messages[1].Content != "the answer" {
		t.Errorf("Messages[1] = %+v", res.Messages[1])
	}

	// System prompt goes to the provider, not the buffer.
	req := provider.requests[0]
	if req.Messages[0].Role != domain.RoleSystem || req.Messages[0].Content != "be useful" {
		t.Error("request should lead with the system prompt")
	}
}

func TestQueryToolCallThenAnswer(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("search", `{"q":"go"}`)),
		textResponse("done searching"),
	}}
	tools := newMockDispatcher()
	tools.on("search", func(json.RawMessage) domain.ToolOutcome {
		return domain.TextOutcome("three results")
	})
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()

	res, err := r.Query(context.Background(), buf, "find go docs")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "done searching" || res.Steps != 2 {
		t.Errorf("result = %+v", res)
	}

	msgs := buf.Messages()
	// user, assistant(tool call), tool result, assistant(answer)
	if len(msgs) != 4 {
		t.Fatalf("MessageCount = %d, want 4", len(msgs))
	}
	toolMsg := msgs[2]
	if toolMsg.Role != domain.RoleTool || toolMsg.Content != "three results" {
		t.Errorf("tool message = %+v", toolMsg)
	}
	if toolMsg.Ephemeral == nil || toolMsg.Ephemeral.Tool != "search" {
		t.Error("tool result must carry an ephemeral tag")
	}
}

func TestQueryDoneOutcomeTerminates(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(
			call("done", `{"message":"report written"}`),
			call("search", `{}`),
		),
	}}
	tools := newMockDispatcher()
	tools.on("done", func(args json.RawMessage) domain.ToolOutcome {
		var p struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(args, &p)
		return domain.DoneOutcome(p.Message)
	})
	tools.on("search", func(json.RawMessage) domain.ToolOutcome {
		return domain.TextOutcome("should not run")
	})
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()

	res, err := r.Query(context.Background(), buf, "write the report")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "report written" || res.Steps != 1 {
		t.Errorf("result = %+v", res)
	}
	order := tools.dispatchOrder()
	if len(order) != 1 || order[0] != "done" {
		t.Errorf("dispatch order = %v, want [done] only", order)
	}
}

func TestQueryBudgetExhausted(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("search", `{}`)),
		toolCallResponse(call("search", `{}`)),
		textResponse("never reached"),
	}}
	tools := newMockDispatcher()
	tools.on("search", func(json.RawMessage) domain.ToolOutcome {
		return domain.TextOutcome("more")
	})
	r := newTestRunner(provider, tools, 2)
	buf := r.CreateContext()

	res, err := r.Query(context.Background(), buf, "loop forever")
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps != 2 {
		t.Errorf("Steps = %d, want 2", res.Steps)
	}
	if res.Text != "reached maximum steps (2)" {
		t.Errorf("Text = %q", res.Text)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestQueryBudgetExhaustedPrefersLastText(t *testing.T) {
	lastStep := toolCallResponse(call("search", `{}`))
	lastStep.Message.Content = "partial progress notes"
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("search", `{}`)),
		lastStep,
	}}
	tools := newMockDispatcher()
	tools.on("search", func(json.RawMessage) domain.ToolOutcome {
		return domain.TextOutcome("x")
	})
	r := newTestRunner(provider, tools, 2)

	res, err := r.Query(context.Background(), r.CreateContext(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "partial progress notes" {
		t.Errorf("Text = %q, want last step's text", res.Text)
	}
}

func TestQueryReasoningFallback(t *testing.T) {
	resp := &domain.ChatResponse{Message: domain.Message{
		Role:      domain.RoleAssistant,
		Reasoning: "thinking out loud",
	}}
	provider := &mockProvider{responses: []*domain.ChatResponse{resp}}
	r := newTestRunner(provider, newMockDispatcher(), 5)

	res, err := r.Query(context.Background(), r.CreateContext(), "hm")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "thinking out loud" {
		t.Errorf("Text = %q, want reasoning fallback", res.Text)
	}
}

func TestQueryErrorOutcomeFedBack(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("flaky", `{}`)),
		textResponse("recovered"),
	}}
	tools := newMockDispatcher()
	tools.on("flaky", func(json.RawMessage) domain.ToolOutcome {
		return domain.ErrorOutcome("connection refused")
	})
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()

	res, err := r.Query(context.Background(), buf, "try it")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "recovered" {
		t.Errorf("Text = %q", res.Text)
	}
	toolMsg := buf.Messages()[2]
	if toolMsg.Content != "error: connection refused" {
		t.Errorf("tool payload = %q, want rendered error outcome", toolMsg.Content)
	}
}

func TestQueryResetsStepCount(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("t", `{}`)),
		textResponse("first"),
		textResponse("second"),
	}}
	tools := newMockDispatcher()
	tools.on("t", func(json.RawMessage) domain.ToolOutcome { return domain.TextOutcome("x") })
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()

	if _, err := r.Query(context.Background(), buf, "a"); err != nil {
		t.Fatal(err)
	}
	if buf.StepCount() != 2 {
		t.Fatalf("StepCount = %d, want 2", buf.StepCount())
	}
	if _, err := r.Query(context.Background(), buf, "b"); err != nil {
		t.Fatal(err)
	}
	if buf.StepCount() != 1 {
		t.Errorf("StepCount = %d, want reset to 1", buf.StepCount())
	}
}

func TestContinueAccumulatesSteps(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		textResponse("first"),
		textResponse("second"),
	}}
	r := newTestRunner(provider, newMockDispatcher(), 5)
	buf := r.CreateContext()

	if _, err := r.Query(context.Background(), buf, "a"); err != nil {
		t.Fatal(err)
	}
	res, err := r.Continue(context.Background(), buf, "b")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "second" {
		t.Errorf("Text = %q", res.Text)
	}
	if buf.StepCount() != 2 {
		t.Errorf("StepCount = %d, want 2 cumulative", buf.StepCount())
	}
}

func TestContinueBudgetFloor(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("t", `{}`)),
	}}
	tools := newMockDispatcher()
	tools.on("t", func(json.RawMessage) domain.ToolOutcome { return domain.TextOutcome("x") })
	r := newTestRunner(provider, tools, 3)
	buf := r.CreateContext()
	buf.SetSteps(10) // already over budget

	res, err := r.Continue(context.Background(), buf, "one more")
	if err != nil {
		t.Fatal(err)
	}
	if res.Steps != 1 {
		t.Errorf("Steps = %d, want floor of 1", res.Steps)
	}
	if buf.StepCount() != 11 {
		t.Errorf("StepCount = %d, want 11", buf.StepCount())
	}
}

func TestQueryRetriesRetryableError(t *testing.T) {
	provider := &mockProvider{
		errs: []error{errors.New("API error 503: overloaded")},
		responses: []*domain.ChatResponse{
			textResponse("unused"), // slot consumed by the errored call
			textResponse("after retry"),
		},
	}
	r := NewRunner(RunnerDeps{
		Provider:   provider,
		Tools:      newMockDispatcher(),
		Logger:     testLogger(),
		MaxSteps:   3,
		Classifier: NewErrorClassifier(),
	})

	res, err := r.Query(context.Background(), r.CreateContext(), "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "after retry" {
		t.Errorf("Text = %q", res.Text)
	}
	if provider.callCount() != 2 {
		t.Errorf("provider calls = %d, want 2", provider.callCount())
	}
}

func TestQueryPermanentErrorFailsFast(t *testing.T) {
	provider := &mockProvider{errs: []error{errors.New("API error 401: bad key")}}
	r := NewRunner(RunnerDeps{
		Provider:   provider,
		Tools:      newMockDispatcher(),
		Logger:     testLogger(),
		MaxSteps:   3,
		Classifier: NewErrorClassifier(),
	})

	_, err := r.Query(context.Background(), r.CreateContext(), "go")
	if err == nil {
		t.Fatal("permanent error must propagate")
	}
	if provider.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 (no retry)", provider.callCount())
	}
}

func TestQueryOverflowForceCompacts(t *testing.T) {
	provider := &mockProvider{
		contextLimit: 1000000,
		errs:         []error{fmt.Errorf("chat: %w", domain.ErrContextOverflow)},
		responses: []*domain.ChatResponse{
			textResponse("unused"),
			textResponse("head summary"), // consumed by ForceCompact
			textResponse("final answer"),
		},
	}
	compactor := NewCompactor(provider, CompactorConfig{Enabled: true, ThresholdRatio: 0.9}, nil, testLogger())
	r := NewRunner(RunnerDeps{
		Provider:   provider,
		Tools:      newMockDispatcher(),
		Logger:     testLogger(),
		MaxSteps:   3,
		Classifier: NewErrorClassifier(),
		Compactor:  compactor,
	})

	buf := r.CreateContext()
	for i := 0; i < 8; i++ {
		buf.Append(domain.Message{Role: domain.RoleUser, Content: "history"})
	}

	res, err := r.Query(context.Background(), buf, "go")
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "final answer" {
		t.Errorf("Text = %q", res.Text)
	}
	// Overflow call, summarization call, retried call.
	if provider.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", provider.callCount())
	}

	head := buf.Messages()[0]
	if !head.Summary || head.Content != "head summary" {
		t.Errorf("head = %+v, want the forced summary", head)
	}
}

func TestQueryTrimsEphemeralBeforeModelCall(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{textResponse("ok")}}
	tools := newMockDispatcher()
	tools.retentions["search"] = 1
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()
	for i := 0; i < 3; i++ {
		buf.AppendEphemeral("search", domain.Message{Role: domain.RoleTool, Content: fmt.Sprintf("r%d", i)})
	}

	if _, err := r.Query(context.Background(), buf, "next"); err != nil {
		t.Fatal(err)
	}

	var ephemeral int
	for _, m := range buf.Messages() {
		if m.Ephemeral != nil {
			ephemeral++
			if m.Content != "r2" {
				t.Errorf("survivor = %q, want the newest result", m.Content)
			}
		}
	}
	if ephemeral != 1 {
		t.Errorf("ephemeral survivors = %d, want 1", ephemeral)
	}
}

// --- streaming ---

func TestQueryStreamEventOrdering(t *testing.T) {
	provider := &streamMockProvider{mockProvider: mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("search", `{"q":"go"}`)),
		textResponse("the answer"),
	}}}
	tools := newMockDispatcher()
	tools.on("search", func(json.RawMessage) domain.ToolOutcome {
		return domain.TextOutcome("found it")
	})
	r := newTestRunner(provider, tools, 5)
	buf := r.CreateContext()

	ch, err := r.QueryStream(context.Background(), buf, "find go docs")
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)

	var types []domain.AgentEventType
	var doneCount int
	var text string
	for _, ev := range events {
		types = append(types, ev.Type)
		if ev.Type == domain.AgentEventDone {
			doneCount++
			if ev.Result == nil || ev.Result.Steps != 2 {
				t.Errorf("done result = %+v", ev.Result)
			}
		}
		if ev.Type == domain.AgentEventTextDelta {
			text += ev.Text
		}
	}

	if doneCount != 1 {
		t.Fatalf("done events = %d, want exactly 1", doneCount)
	}
	if events[len(events)-1].Type != domain.AgentEventDone {
		t.Error("done must be the terminal event")
	}
	if text != "the answer" {
		t.Errorf("accumulated deltas = %q", text)
	}

	idx := func(typ domain.AgentEventType) int {
		for i, tt := range types {
			if tt == typ {
				return i
			}
		}
		return -1
	}
	tc, tr, sc := idx(domain.AgentEventToolCall), idx(domain.AgentEventToolResult), idx(domain.AgentEventStepComplete)
	if tc == -1 || tr == -1 || sc == -1 || !(tc < tr && tr < sc) {
		t.Errorf("event order = %v, want ToolCall < ToolResult < StepComplete", types)
	}

	trEv := events[tr]
	if trEv.Outcome == nil || trEv.Outcome.Payload() != "found it" {
		t.Errorf("tool result event = %+v", trEv)
	}
}

func TestQueryStreamCancellationEmitsNothingFurther(t *testing.T) {
	provider := &streamMockProvider{block: true}
	r := newTestRunner(provider, newMockDispatcher(), 5)
	buf := r.CreateContext()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := r.QueryStream(ctx, buf, "hang")
	if err != nil {
		t.Fatal(err)
	}

	time.AfterFunc(50*time.Millisecond, cancel)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return // closed without a terminal event
			}
			if ev.Type == domain.AgentEventDone || ev.Type == domain.AgentEventError {
				t.Fatalf("got terminal event %s after cancellation", ev.Type)
			}
		case <-deadline:
			t.Fatal("stream did not close after cancellation")
		}
	}
}

func TestQueryStreamMidStreamError(t *testing.T) {
	provider := &streamMockProvider{streamErr: errors.New("stream reset")}
	r := newTestRunner(provider, newMockDispatcher(), 5)
	buf := r.CreateContext()

	ch, err := r.QueryStream(context.Background(), buf, "go")
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != domain.AgentEventError || last.Err == nil {
		t.Errorf("terminal event = %+v, want Error", last)
	}
	for _, ev := range events {
		if ev.Type == domain.AgentEventDone {
			t.Error("errored stream must not emit Done")
		}
	}
}

func TestQueryStreamNonStreamingProvider(t *testing.T) {
	provider := &mockProvider{responses: []*domain.ChatResponse{textResponse("plain")}}
	r := newTestRunner(provider, newMockDispatcher(), 5)
	buf := r.CreateContext()

	ch, err := r.QueryStream(context.Background(), buf, "go")
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != domain.AgentEventDone || last.Text != "plain" {
		t.Errorf("terminal event = %+v", last)
	}
	if buf.StepCount() != 1 {
		t.Errorf("StepCount = %d, want 1", buf.StepCount())
	}
}

func TestContinueStreamUsesRemainingBudget(t *testing.T) {
	provider := &streamMockProvider{mockProvider: mockProvider{responses: []*domain.ChatResponse{
		toolCallResponse(call("t", `{}`)),
	}}}
	tools := newMockDispatcher()
	tools.on("t", func(json.RawMessage) domain.ToolOutcome { return domain.TextOutcome("x") })
	r := newTestRunner(provider, tools, 4)
	buf := r.CreateContext()
	buf.SetSteps(3)

	ch, err := r.ContinueStream(context.Background(), buf, "more")
	if err != nil {
		t.Fatal(err)
	}
	events := collectEvents(t, ch)

	last := events[len(events)-1]
	if last.Type != domain.AgentEventDone {
		t.Fatalf("terminal event = %+v", last)
	}
	if last.Result.Steps != 1 {
		t.Errorf("Steps = %d, want remaining budget of 1", last.Result.Steps)
	}
	if buf.StepCount() != 4 {
		t.Errorf("StepCount = %d, want 4", buf.StepCount())
	}
}
