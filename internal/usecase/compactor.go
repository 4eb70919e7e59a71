package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"agentcore/internal/domain"
)

const compactSystemPrompt = `You are a conversation summarizer. Given a conversation history, produce a summary of at most 500 words that preserves:
- Key facts, decisions, and conclusions
- Tool results that remain relevant
- Important context needed to continue the conversation
- Any pending tasks or questions

Output ONLY the summary, no preamble.`

// compactKeepRecent is the number of tail messages never summarized.
const compactKeepRecent = 4

// CompactorConfig controls token-budget compaction.
type CompactorConfig struct {
	Enabled        bool
	ThresholdRatio float64
}

// Compactor summarizes the head of a buffer through an auxiliary model
// call when the estimated token count approaches the provider's
// context window.
type Compactor struct {
	provider domain.ModelProvider
	config   CompactorConfig
	counter  TokenCounter
	logger   *slog.Logger
}

// NewCompactor creates a compactor. A nil counter falls back to the
// chars/4 estimator. A ratio of zero is valid and means compact on
// every pass once the buffer clears the keep-recent floor; Enabled is
// the off switch.
func NewCompactor(provider domain.ModelProvider, cfg CompactorConfig, counter TokenCounter, logger *slog.Logger) *Compactor {
	if cfg.ThresholdRatio < 0 || cfg.ThresholdRatio > 1 {
		cfg.ThresholdRatio = 0.8
	}
	return &Compactor{
		provider: provider,
		config:   cfg,
		counter:  counter,
		logger:   logger,
	}
}

// MaybeCompact compacts the buffer when compaction is enabled, the
// buffer holds more than compactKeepRecent+1 messages, and the token
// estimate has crossed thresholdRatio of the provider's context
// window. Summarization failure propagates: the step that triggered
// compaction fails rather than running against a window that is about
// to overflow.
func (c *Compactor) MaybeCompact(ctx context.Context, buf *Buffer) error {
	if !c.config.Enabled {
		return nil
	}
	if buf.MessageCount() <= compactKeepRecent+1 {
		return nil
	}
	threshold := int(float64(c.provider.ContextLimit()) * c.config.ThresholdRatio)
	if buf.EstimateTokens(c.counter) < threshold {
		return nil
	}
	return c.compact(ctx, buf)
}

// ForceCompact compacts regardless of the token threshold. Used by
// error recovery when the provider reports context overflow.
func (c *Compactor) ForceCompact(ctx context.Context, buf *Buffer) error {
	if buf.MessageCount() <= compactKeepRecent+1 {
		return nil
	}
	return c.compact(ctx, buf)
}

func (c *Compactor) compact(ctx context.Context, buf *Buffer) error {
	msgs := buf.Messages()
	head := msgs[:len(msgs)-compactKeepRecent]

	var sb strings.Builder
	for _, msg := range head {
		text := msg.Content
		if text == "" && len(msg.ToolCalls) > 0 {
			parts := make([]string, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				parts[i] = fmt.Sprintf("%s(%s)", tc.Name, tc.Arguments)
			}
			text = "called " + strings.Join(parts, ", ")
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, text)
	}

	convText := sb.String()
	if strings.TrimSpace(convText) == "" {
		return nil
	}

	req := domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: compactSystemPrompt},
			{Role: domain.RoleUser, Content: convText},
		},
		Temperature: 0.3,
	}

	resp, err := c.provider.Chat(ctx, req)
	if err != nil {
		return domain.NewDomainError("Compactor.Compact", domain.ErrCompactionFailed, err.Error())
	}

	summary := strings.TrimSpace(resp.Message.Content)
	if summary == "" {
		c.logger.Warn("compaction skipped: model returned a blank summary",
			"buffer", buf.ID(),
			"message_count", len(msgs),
		)
		return nil
	}

	buf.ReplaceHead(summary, compactKeepRecent)
	c.logger.Info("buffer compacted",
		"buffer", buf.ID(),
		"original_count", len(msgs),
		"kept_recent", compactKeepRecent,
	)

	return nil
}
