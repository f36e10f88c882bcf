package tool

import (
	"fmt"
	"log/slog"
	"sync"

	"leadflow/internal/domain"
)

// Registry is the tool catalogue the supervisor exposes to its agents.
// Built-in tools and MCP proxies register side by side under unique names.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]domain.Tool
	logger *slog.Logger
}

var _ domain.ToolExecutor = (*Registry)(nil)

// NewRegistry creates an empty catalogue. With a non-nil logger, every
// registered tool gets wrapped with schema validation; a schema that fails
// to compile demotes the tool to unvalidated with a warning.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
}

// Register adds one tool. Names are first come, first served; a duplicate
// is an error rather than a silent replacement.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, taken := r.tools[name]; taken {
		return fmt.Errorf("tool %q already registered", name)
	}

	r.tools[name] = r.guard(t)
	return nil
}

// guard wraps t with schema validation when the registry carries a logger.
func (r *Registry) guard(t domain.Tool) domain.Tool {
	if r.logger == nil {
		return t
	}
	wrapped, err := WithSchemaValidation(t)
	if err != nil {
		r.logger.Warn("schema validation disabled for tool", "tool", t.Name(), "error", err)
		return t
	}
	return wrapped
}

// RegisterAll registers tools in order, stopping at the first failure.
func (r *Registry) RegisterAll(tools ...domain.Tool) error {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns the registered tools in no particular order.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Schemas returns every tool schema, ready for a provider's tools array.
func (r *Registry) Schemas() []domain.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ToolSchema, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Schema())
	}
	return out
}
