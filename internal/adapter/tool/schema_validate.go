package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kaptinlin/jsonschema"

	"leadflow/internal/domain"
)

// schemaGuard rejects params that do not satisfy the tool's declared JSON
// Schema before the tool sees them. The model writes arguments from prose;
// the guard turns a malformed call into a correctable error instead of a
// half-executed action.
type schemaGuard struct {
	inner    domain.Tool
	compiled *jsonschema.Schema
}

// WithSchemaValidation wraps a tool with parameter validation against its
// own declared schema. Tools that declare no schema come back unwrapped.
// Returns an error when the schema does not compile; the registry decides
// whether to register the tool unguarded.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	compiled, err := jsonschema.NewCompiler().Compile([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}
	return &schemaGuard{inner: t, compiled: compiled}, nil
}

func (g *schemaGuard) Name() string              { return g.inner.Name() }
func (g *schemaGuard) Description() string       { return g.inner.Description() }
func (g *schemaGuard) Schema() domain.ToolSchema { return g.inner.Schema() }

func (g *schemaGuard) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("invalid JSON: %v", err),
		}, nil
	}

	if res := g.compiled.Validate(v); !res.IsValid() {
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("schema validation failed: %v", res.Error()),
		}, nil
	}

	return g.inner.Execute(ctx, params)
}
