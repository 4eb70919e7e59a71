package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentcore/internal/domain"
)

type entry struct {
	tool   domain.Tool
	schema *jsonschema.Schema // nil when the tool declares no parameters
}

// Registry holds named tools and dispatches calls to them. Register all
// tools before handing the registry to a runner; Dispatch never returns
// a Go error, every failure surfaces as an Error outcome the model can
// read and react to.
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]*entry
	order      []string
	retentions map[string]int
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithoutDone suppresses the built-in done tool, for callers that
// provide their own completion signal.
func WithoutDone() Option {
	return func(r *Registry) {
		r.unregister(doneToolName)
	}
}

// NewRegistry creates a registry pre-loaded with the built-in done
// tool. Schemas are compiled at registration; a tool whose schema fails
// to compile is registered without validation and a warning is logged.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		tools:      make(map[string]*entry),
		retentions: make(map[string]int),
		logger:     logger,
	}
	if err := r.Register(&DoneTool{}); err != nil {
		logger.Error("register done tool", "error", err)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool. Returns an error if the name is already taken.
// If the tool implements domain.RetentionPolicy, its retention is
// recorded for ephemeral trimming.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}

	schema, err := compileSchema(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool",
			"tool", name, "error", err)
		schema = nil
	}

	r.tools[name] = &entry{tool: t, schema: schema}
	r.order = append(r.order, name)

	if rp, ok := t.(domain.RetentionPolicy); ok {
		r.retentions[name] = rp.Retention()
	}
	return nil
}

func (r *Registry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	delete(r.retentions, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return e.tool, nil
}

// Dispatch validates the input against the tool's schema and executes
// it. Unknown tools, malformed input, validation failures, executor
// errors, and panics all come back as Error outcomes.
func (r *Registry) Dispatch(ctx context.Context, name string, input json.RawMessage) (outcome domain.ToolOutcome) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return domain.ErrorOutcome(fmt.Sprintf("unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", name, "panic", rec)
			outcome = domain.ErrorOutcome(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	if e.schema != nil {
		var v interface{}
		if err := json.Unmarshal(input, &v); err != nil {
			return domain.ErrorOutcome(fmt.Sprintf("invalid JSON: %v", err))
		}
		if err := e.schema.Validate(v); err != nil {
			return domain.ErrorOutcome(fmt.Sprintf("schema validation failed: %v", err))
		}
	}

	out, err := e.tool.Execute(ctx, input)
	if err != nil {
		return domain.ErrorOutcome(err.Error())
	}
	return out
}

// Schemas returns all tool schemas in registration order, for model
// function-calling.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	schemas := make([]domain.ToolSchema, 0, len(r.order))
	for _, name := range r.order {
		schemas = append(schemas, r.tools[name].tool.Schema())
	}
	return schemas
}

// Retentions returns the per-tool ephemeral retention map. Tools
// without a declared policy are absent, meaning unlimited.
func (r *Registry) Retentions() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.retentions))
	for name, n := range r.retentions {
		out[name] = n
	}
	return out
}

func compileSchema(t domain.Tool) (*jsonschema.Schema, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return compiled, nil
}
