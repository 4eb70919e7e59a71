package usecase

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"agentcore/internal/domain"
)

// Buffer is the append-only conversation history for one agent
// context. It tracks cumulative step usage and per-tool sequence
// numbers for ephemeral tagging. All methods are goroutine-safe,
// though callers are expected to run at most one orchestration per
// buffer at a time.
type Buffer struct {
	mu        sync.RWMutex
	id        string
	msgs      []domain.Message
	stepCount int
	startedAt time.Time
	seqs      map[string]int
}

// NewBuffer creates an empty buffer with a fresh ULID.
func NewBuffer() *Buffer {
	return &Buffer{
		id:        ulid.Make().String(),
		startedAt: time.Now(),
		seqs:      make(map[string]int),
	}
}

// ID returns the buffer's ULID.
func (b *Buffer) ID() string { return b.id }

// StartedAt returns the buffer's creation time.
func (b *Buffer) StartedAt() time.Time { return b.startedAt }

// Append adds a message to the end of the buffer. A zero timestamp is
// filled in with the current time.
func (b *Buffer) Append(msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.msgs = append(b.msgs, msg)
}

// AppendEphemeral adds a tool-result message tagged with the producing
// tool and its next sequence number.
func (b *Buffer) AppendEphemeral(tool string, msg domain.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	seq := b.seqs[tool]
	b.seqs[tool] = seq + 1
	msg.Ephemeral = &domain.EphemeralTag{Tool: tool, Seq: seq}
	b.msgs = append(b.msgs, msg)
}

// Messages returns a copy of the buffer contents, tags included.
func (b *Buffer) Messages() []domain.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Message, len(b.msgs))
	copy(out, b.msgs)
	return out
}

// Flatten returns the buffer contents as provider-facing messages:
// a copy in insertion order with ephemeral tags stripped.
func (b *Buffer) Flatten() []domain.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Message, len(b.msgs))
	for i, m := range b.msgs {
		m.Ephemeral = nil
		out[i] = m
	}
	return out
}

// TrimEphemeral evicts, per tool, the oldest ephemeral messages in
// excess of that tool's retention. A retention of zero or below means
// unlimited. Untagged messages and messages from tools absent from
// retentions are never touched; survivors keep their relative order.
func (b *Buffer) TrimEphemeral(retentions map[string]int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts := make(map[string]int)
	for _, m := range b.msgs {
		if m.Ephemeral != nil {
			counts[m.Ephemeral.Tool]++
		}
	}

	evict := make(map[string]int)
	for tool, retention := range retentions {
		if retention > 0 && counts[tool] > retention {
			evict[tool] = counts[tool] - retention
		}
	}
	if len(evict) == 0 {
		return
	}

	kept := b.msgs[:0]
	for _, m := range b.msgs {
		if m.Ephemeral != nil && evict[m.Ephemeral.Tool] > 0 {
			evict[m.Ephemeral.Tool]--
			continue
		}
		kept = append(kept, m)
	}
	b.msgs = kept
}

// EstimateTokens sums the counter's estimate over every message's
// content, reasoning, and serialized tool-call arguments. A nil
// counter falls back to the chars/4 estimator.
func (b *Buffer) EstimateTokens(counter TokenCounter) int {
	if counter == nil {
		counter = EstimateCounter{}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, m := range b.msgs {
		total += counter.Count(m.Content)
		if m.Reasoning != "" {
			total += counter.Count(m.Reasoning)
		}
		for _, tc := range m.ToolCalls {
			total += counter.Count(tc.Name)
			total += counter.Count(string(tc.Arguments))
		}
	}
	return total
}

// ReplaceHead replaces everything before the last keep messages with a
// single synthetic user-role summary message.
func (b *Buffer) ReplaceHead(summary string, keep int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.msgs) <= keep {
		return
	}

	recent := make([]domain.Message, keep)
	copy(recent, b.msgs[len(b.msgs)-keep:])

	head := domain.Message{
		Role:      domain.RoleUser,
		Content:   summary,
		Summary:   true,
		Timestamp: time.Now(),
	}

	b.msgs = append([]domain.Message{head}, recent...)
}

// MessageCount returns the number of messages without copying.
func (b *Buffer) MessageCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.msgs)
}

// StepCount returns the cumulative steps consumed across runs.
func (b *Buffer) StepCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stepCount
}

// SetSteps overwrites the cumulative step count.
func (b *Buffer) SetSteps(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepCount = n
}

// AddSteps adds to the cumulative step count.
func (b *Buffer) AddSteps(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stepCount += n
}
