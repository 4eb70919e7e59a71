package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

// Recovery loop constants.
const (
	defaultMaxSteps   = 50
	maxModelRetries   = 3
	baseRetryDelay    = 500 * time.Millisecond
	maxRetryDelay     = 10 * time.Second
	streamEventBuffer = 16
)

// RunnerDeps holds injected dependencies for the runner.
type RunnerDeps struct {
	Provider     domain.ModelProvider
	Tools        domain.ToolDispatcher
	Logger       *slog.Logger
	SystemPrompt string
	MaxSteps     int
	Compactor    *Compactor       // optional, nil = no compaction
	Bus          domain.EventBus  // optional, nil = no events
	Classifier   *ErrorClassifier // optional, nil = no error recovery
}

// Runner drives the step loop: call the model, dispatch the tool calls
// it requests, feed results back, repeat until the model finishes or
// the step budget runs out. Callers run at most one Query/Continue per
// buffer at a time; the runner itself is safe to share.
type Runner struct {
	deps RunnerDeps
}

// NewRunner creates a runner with the given dependencies.
func NewRunner(deps RunnerDeps) *Runner {
	if deps.MaxSteps <= 0 {
		deps.MaxSteps = defaultMaxSteps
	}
	return &Runner{deps: deps}
}

// CreateContext returns a fresh conversation buffer.
func (r *Runner) CreateContext() *Buffer {
	return NewBuffer()
}

// Query runs a prompt against a buffer with the full step budget and
// blocks until completion. The buffer's step count is reset to the
// steps this run consumed.
func (r *Runner) Query(ctx context.Context, buf *Buffer, prompt string) (*domain.AgentResult, error) {
	ctx, span := tracer.StartSpan(ctx, "runner.query")
	defer span.End()
	ctx = domain.ContextWithSessionID(ctx, buf.ID())

	r.publishEvent(ctx, domain.EventQueryStarted, buf.ID(), nil)
	buf.Append(domain.Message{Role: domain.RoleUser, Content: prompt})

	res, err := r.run(ctx, buf, r.deps.MaxSteps, nil, nil)
	if err != nil {
		r.publishEvent(ctx, domain.EventQueryFailed, buf.ID(), map[string]string{"error": err.Error()})
		tracer.RecordError(span, err)
		return nil, err
	}

	buf.SetSteps(res.Steps)
	r.publishEvent(ctx, domain.EventQueryCompleted, buf.ID(), nil)
	tracer.SetOK(span)
	return res, nil
}

// Continue runs a follow-up prompt against a buffer that already
// consumed steps. The budget is what remains of maxSteps, floored at
// one so a follow-up always gets at least one model call; consumed
// steps accumulate on the buffer.
func (r *Runner) Continue(ctx context.Context, buf *Buffer, prompt string) (*domain.AgentResult, error) {
	ctx, span := tracer.StartSpan(ctx, "runner.continue")
	defer span.End()
	ctx = domain.ContextWithSessionID(ctx, buf.ID())

	r.publishEvent(ctx, domain.EventQueryStarted, buf.ID(), nil)
	buf.Append(domain.Message{Role: domain.RoleUser, Content: prompt})

	res, err := r.run(ctx, buf, r.continueBudget(buf), nil, nil)
	if err != nil {
		r.publishEvent(ctx, domain.EventQueryFailed, buf.ID(), map[string]string{"error": err.Error()})
		tracer.RecordError(span, err)
		return nil, err
	}

	buf.AddSteps(res.Steps)
	r.publishEvent(ctx, domain.EventQueryCompleted, buf.ID(), nil)
	tracer.SetOK(span)
	return res, nil
}

// QueryStream is Query with incremental progress events. The returned
// channel is closed after the terminal event: exactly one Done on
// success, one Error on failure, and nothing further on cancellation.
func (r *Runner) QueryStream(ctx context.Context, buf *Buffer, prompt string) (<-chan domain.AgentEvent, error) {
	return r.stream(ctx, buf, prompt, false)
}

// ContinueStream is Continue with incremental progress events.
func (r *Runner) ContinueStream(ctx context.Context, buf *Buffer, prompt string) (<-chan domain.AgentEvent, error) {
	return r.stream(ctx, buf, prompt, true)
}

func (r *Runner) continueBudget(buf *Buffer) int {
	budget := r.deps.MaxSteps - buf.StepCount()
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (r *Runner) stream(ctx context.Context, buf *Buffer, prompt string, isContinue bool) (<-chan domain.AgentEvent, error) {
	ctx = domain.ContextWithSessionID(ctx, buf.ID())

	budget := r.deps.MaxSteps
	if isContinue {
		budget = r.continueBudget(buf)
	}

	// A non-streaming provider still runs: tool and step events flow,
	// only text deltas are absent.
	sp, _ := r.deps.Provider.(domain.StreamingModelProvider)

	buf.Append(domain.Message{Role: domain.RoleUser, Content: prompt})

	ch := make(chan domain.AgentEvent, streamEventBuffer)
	go func() {
		defer close(ch)

		ctx, span := tracer.StartSpan(ctx, "runner.stream")
		defer span.End()

		emit := func(ev domain.AgentEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		r.publishEvent(ctx, domain.EventStreamStarted, buf.ID(), nil)

		res, err := r.run(ctx, buf, budget, sp, emit)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled: the consumer is gone, emit nothing further.
				return
			}
			emit(domain.AgentEvent{Type: domain.AgentEventError, Err: err})
			r.publishEvent(ctx, domain.EventQueryFailed, buf.ID(), map[string]string{"error": err.Error()})
			tracer.RecordError(span, err)
			return
		}

		if isContinue {
			buf.AddSteps(res.Steps)
		} else {
			buf.SetSteps(res.Steps)
		}

		emit(domain.AgentEvent{Type: domain.AgentEventDone, Text: res.Text, Result: res})
		r.publishEvent(ctx, domain.EventStreamEnded, buf.ID(), nil)
		tracer.SetOK(span)
	}()

	return ch, nil
}

// run is the shared step loop for blocking and streaming modes. When
// sp is non-nil, model calls stream and text deltas flow through emit;
// when emit is non-nil, tool and step progress events flow through it.
func (r *Runner) run(
	ctx context.Context,
	buf *Buffer,
	budget int,
	sp domain.StreamingModelProvider,
	emit func(domain.AgentEvent) bool,
) (*domain.AgentResult, error) {
	var lastText, lastReasoning string

	for step := 1; step <= budget; step++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		buf.TrimEphemeral(r.deps.Tools.Retentions())

		if r.deps.Compactor != nil {
			if err := r.deps.Compactor.MaybeCompact(ctx, buf); err != nil {
				return nil, err
			}
		}

		req := r.buildRequest(buf)

		msg, usage, err := r.callModelWithRetry(ctx, buf, req, sp, emit)
		if err != nil {
			return nil, err
		}

		buf.Append(msg)
		lastText, lastReasoning = msg.Content, msg.Reasoning

		r.deps.Logger.Debug("model response",
			"buffer", buf.ID(),
			"step", step,
			"tool_calls", len(msg.ToolCalls),
			"tokens", usage.TotalTokens,
		)
		r.publishEvent(ctx, domain.EventModelCalled, buf.ID(), map[string]int{"step": step})

		// No tool calls = the model answered directly.
		if len(msg.ToolCalls) == 0 {
			text := msg.Content
			if text == "" {
				text = msg.Reasoning
			}
			if emit != nil && !emit(domain.AgentEvent{Type: domain.AgentEventStepComplete, Step: step}) {
				return nil, ctx.Err()
			}
			return &domain.AgentResult{Text: text, Steps: step, Messages: buf.Flatten()}, nil
		}

		// Dispatch sequentially in the order the model requested, so
		// the buffer and the event stream agree on ordering.
		for _, call := range msg.ToolCalls {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if emit != nil && !emit(domain.AgentEvent{
				Type: domain.AgentEventToolCall,
				Tool: call.Name,
				Args: call.Arguments,
				Step: step,
			}) {
				return nil, ctx.Err()
			}

			outcome := r.dispatchTool(ctx, buf.ID(), call)

			buf.AppendEphemeral(call.Name, domain.Message{
				Role:    domain.RoleTool,
				Name:    call.Name,
				Content: outcome.Payload(),
				ToolCalls: []domain.ToolCall{{
					ID:   call.ID,
					Name: call.Name,
				}},
			})

			if emit != nil && !emit(domain.AgentEvent{
				Type:    domain.AgentEventToolResult,
				Tool:    call.Name,
				Outcome: &outcome,
				Step:    step,
			}) {
				return nil, ctx.Err()
			}

			if outcome.IsDone() {
				if emit != nil && !emit(domain.AgentEvent{Type: domain.AgentEventStepComplete, Step: step}) {
					return nil, ctx.Err()
				}
				return &domain.AgentResult{Text: outcome.Content, Steps: step, Messages: buf.Flatten()}, nil
			}
		}

		if emit != nil && !emit(domain.AgentEvent{Type: domain.AgentEventStepComplete, Step: step}) {
			return nil, ctx.Err()
		}
	}

	// Budget exhausted: fall back to the last step's text, then its
	// reasoning, then a fixed notice.
	text := lastText
	if text == "" {
		text = lastReasoning
	}
	if text == "" {
		text = fmt.Sprintf("reached maximum steps (%d)", budget)
	}
	return &domain.AgentResult{Text: text, Steps: budget, Messages: buf.Flatten()}, nil
}

func (r *Runner) buildRequest(buf *Buffer) domain.ChatRequest {
	msgs := buf.Flatten()
	all := make([]domain.Message, 0, len(msgs)+1)
	if r.deps.SystemPrompt != "" {
		all = append(all, domain.Message{Role: domain.RoleSystem, Content: r.deps.SystemPrompt})
	}
	all = append(all, msgs...)
	return domain.ChatRequest{
		Messages: all,
		Tools:    r.deps.Tools.Schemas(),
	}
}

// dispatchTool runs a single tool call. Failures surface as Error
// outcomes, never as Go errors.
func (r *Runner) dispatchTool(ctx context.Context, bufID string, call domain.ToolCall) domain.ToolOutcome {
	ctx, span := tracer.StartSpan(ctx, "runner.dispatch_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	r.publishEvent(ctx, domain.EventToolDispatched, bufID, map[string]string{"tool": call.Name})
	outcome := r.deps.Tools.Dispatch(ctx, call.Name, call.Arguments)
	r.publishEvent(ctx, domain.EventToolCompleted, bufID, map[string]string{
		"tool": call.Name,
		"kind": string(outcome.Kind),
	})

	if outcome.IsError() {
		tracer.RecordError(span, errors.New(outcome.Content))
	} else {
		tracer.SetOK(span)
	}
	return outcome
}

// callModelWithRetry performs one model round trip with retry logic
// for both sync and streaming modes. Retryable failures back off with
// jitter; context overflow triggers one forced compaction before the
// retry, and a compaction failure propagates.
func (r *Runner) callModelWithRetry(
	ctx context.Context,
	buf *Buffer,
	req domain.ChatRequest,
	sp domain.StreamingModelProvider,
	emit func(domain.AgentEvent) bool,
) (domain.Message, domain.Usage, error) {
	maxAttempts := 1
	if r.deps.Classifier != nil {
		maxAttempts = maxModelRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var msg domain.Message
		var usage domain.Usage
		var callErr error

		if sp != nil {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "runner.model_stream")
			deltaCh, err := sp.ChatStream(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				acc := newStreamAccumulator()
				for delta := range deltaCh {
					if delta.Err != nil {
						callErr = delta.Err
						break
					}
					acc.addDelta(delta)
					if delta.Content != "" && emit != nil {
						if !emit(domain.AgentEvent{Type: domain.AgentEventTextDelta, Text: delta.Content}) {
							return domain.Message{}, domain.Usage{}, ctx.Err()
						}
					}
				}
				if callErr == nil && ctx.Err() != nil {
					// The delta channel closed because the context was
					// cancelled, not because the model finished.
					callErr = ctx.Err()
				}
				if callErr == nil {
					msg, usage = acc.build()
				}
			}
		} else {
			llmCtx, llmSpan := tracer.StartSpan(ctx, "runner.model_call")
			resp, err := r.deps.Provider.Chat(llmCtx, req)
			llmSpan.End()

			if err != nil {
				callErr = err
			} else {
				msg = resp.Message
				usage = resp.Usage
			}
		}

		if callErr == nil {
			return msg, usage, nil
		}
		lastErr = callErr

		// No classifier: fail immediately.
		if r.deps.Classifier == nil {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		classified := r.deps.Classifier.Classify(callErr)
		if classified.Category != ErrorCategoryRetryable {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		// Context overflow: force a compaction, rebuild the request.
		if errors.Is(classified.Sentinel, domain.ErrContextOverflow) && r.deps.Compactor != nil {
			if compErr := r.deps.Compactor.ForceCompact(ctx, buf); compErr != nil {
				return domain.Message{}, domain.Usage{}, compErr
			}
			req = r.buildRequest(buf)
			continue
		}

		// Rate limit or server error: exponential backoff with jitter.
		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt)
			r.deps.Logger.Info("retrying model call after error",
				"attempt", attempt+1, "delay", delay, "error", callErr)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, ctx.Err()
			}
		}
	}

	return domain.Message{}, domain.Usage{}, lastErr
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

// publishEvent publishes a domain event on the bus if it is configured.
func (r *Runner) publishEvent(ctx context.Context, eventType domain.EventType, bufID string, payload any) {
	if r.deps.Bus == nil {
		return
	}
	var raw json.RawMessage
	if payload != nil {
		raw, _ = json.Marshal(payload)
	}
	r.deps.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: bufID,
		Payload:   raw,
	})
}

// maxToolCallsPerDelta limits the number of tool call slots the accumulator
// will allocate. Indices beyond this bound are silently dropped to prevent
// memory exhaustion from malformed streaming deltas.
const maxToolCallsPerDelta = 50

// streamAccumulator collects incremental deltas into a complete message.
type streamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	toolCalls []domain.ToolCall // accumulated by index
	usage     domain.Usage
}

func newStreamAccumulator() *streamAccumulator {
	return &streamAccumulator{}
}

// addDelta merges a single streaming delta into the accumulator.
// Tool calls are tracked by index (position in delta.ToolCalls array).
// The first delta for a tool call provides ID and Name; subsequent deltas
// append to Arguments.
func (acc *streamAccumulator) addDelta(delta domain.StreamDelta) {
	acc.content.WriteString(delta.Content)
	acc.reasoning.WriteString(delta.Reasoning)

	for idx, tc := range delta.ToolCalls {
		if idx >= maxToolCallsPerDelta {
			break
		}

		// Grow slice to accommodate this index.
		for len(acc.toolCalls) <= idx {
			acc.toolCalls = append(acc.toolCalls, domain.ToolCall{})
		}

		existing := &acc.toolCalls[idx]
		if tc.ID != "" {
			existing.ID = tc.ID
		}
		if tc.Name != "" {
			existing.Name = tc.Name
		}
		if len(tc.Arguments) > 0 {
			existing.Arguments = append(existing.Arguments, tc.Arguments...)
		}
	}

	if delta.Usage != nil {
		acc.usage = *delta.Usage
	}
}

// build returns the accumulated message and usage.
func (acc *streamAccumulator) build() (domain.Message, domain.Usage) {
	msg := domain.Message{
		Role:      domain.RoleAssistant,
		Content:   acc.content.String(),
		Reasoning: acc.reasoning.String(),
		ToolCalls: acc.toolCalls,
		Timestamp: time.Now(),
	}
	return msg, acc.usage
}
