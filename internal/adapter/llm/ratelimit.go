package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"agentcore/internal/domain"
)

// RateLimitedProvider wraps a ModelProvider with a token-bucket rate
// limiter. Calls wait for a slot; a cancelled or expired context
// surfaces as the context's error.
type RateLimitedProvider struct {
	inner   domain.ModelProvider
	limiter *rate.Limiter
}

// NewRateLimitedProvider wraps inner so it issues at most rps requests
// per second with the given burst.
func NewRateLimitedProvider(inner domain.ModelProvider, rps float64, burst int) *RateLimitedProvider {
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Chat implements domain.ModelProvider.
func (p *RateLimitedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return p.inner.Chat(ctx, req)
}

// ChatStream implements domain.StreamingModelProvider if the inner
// provider supports it.
func (p *RateLimitedProvider) ChatStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamDelta, error) {
	sp, ok := p.inner.(domain.StreamingModelProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not support streaming", p.inner.Name())
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return sp.ChatStream(ctx, req)
}

// Name implements domain.ModelProvider.
func (p *RateLimitedProvider) Name() string { return p.inner.Name() }

// ContextLimit implements domain.ModelProvider.
func (p *RateLimitedProvider) ContextLimit() int { return p.inner.ContextLimit() }

var _ domain.ModelProvider = (*RateLimitedProvider)(nil)
