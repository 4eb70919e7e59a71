package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"

	"agentcore/internal/domain"
)

// RateLimitedTool wraps a tool with a token-bucket limiter. A call that
// finds the bucket empty fails fast with an Error outcome instead of
// blocking, so a runaway model sees the refusal and can back off.
type RateLimitedTool struct {
	inner     domain.Tool
	limiter   *rate.Limiter
	retention int
	hasPolicy bool
}

// WithRateLimit wraps a tool so it admits at most rps calls per second
// with the given burst. The inner tool's retention policy, if any, is
// preserved through the wrapper.
func WithRateLimit(t domain.Tool, rps float64, burst int) *RateLimitedTool {
	w := &RateLimitedTool{
		inner:   t,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
	if rp, ok := t.(domain.RetentionPolicy); ok {
		w.retention = rp.Retention()
		w.hasPolicy = true
	}
	return w
}

func (w *RateLimitedTool) Name() string              { return w.inner.Name() }
func (w *RateLimitedTool) Description() string       { return w.inner.Description() }
func (w *RateLimitedTool) Schema() domain.ToolSchema { return w.inner.Schema() }

// Retention forwards the inner tool's policy, or zero (unlimited) when
// the inner tool declares none.
func (w *RateLimitedTool) Retention() int {
	if w.hasPolicy {
		return w.retention
	}
	return 0
}

func (w *RateLimitedTool) Execute(ctx context.Context, params json.RawMessage) (domain.ToolOutcome, error) {
	if !w.limiter.Allow() {
		return domain.ErrorOutcome(fmt.Sprintf("rate limit exceeded for tool %s, retry later", w.inner.Name())), nil
	}
	return w.inner.Execute(ctx, params)
}
