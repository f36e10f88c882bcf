package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"leadflow/internal/domain"
)

// echoTool returns a canned result and records nothing.
type echoTool struct {
	name   string
	schema json.RawMessage
	result *domain.ToolResult
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: e.name, Description: "echo", Parameters: e.schema}
}
func (e *echoTool) Execute(_ context.Context, _ json.RawMessage) (*domain.ToolResult, error) {
	return e.result, nil
}

func guarded(t *testing.T, schema string) domain.Tool {
	t.Helper()
	wrapped, err := WithSchemaValidation(&echoTool{
		name:   "test",
		schema: json.RawMessage(schema),
		result: &domain.ToolResult{Content: "ok"},
	})
	if err != nil {
		t.Fatalf("WithSchemaValidation: %v", err)
	}
	return wrapped
}

const brokerIDSchema = `{
	"type": "object",
	"properties": {"broker_id": {"type": "string"}},
	"required": ["broker_id"]
}`

func TestSchemaGuardAdmitsValidParams(t *testing.T) {
	wrapped := guarded(t, brokerIDSchema)

	result, err := wrapped.Execute(context.Background(), json.RawMessage(`{"broker_id":"br-9"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Content)
	}
	if result.Content != "ok" {
		t.Errorf("Content = %q, inner tool should have run", result.Content)
	}
}

func TestSchemaGuardRejections(t *testing.T) {
	tests := []struct {
		name   string
		schema string
		params string
	}{
		{
			"missing required field",
			brokerIDSchema,
			`{}`,
		},
		{
			"wrong type",
			`{"type":"object","properties":{"limit":{"type":"integer"}}}`,
			`{"limit":"not-a-number"}`,
		},
		{
			"enum violation",
			`{"type":"object","properties":{"action":{"type":"string","enum":["list_slots","book_visit"]}},"required":["action"]}`,
			`{"action":"cancel_visit"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := guarded(t, tt.schema)

			result, err := wrapped.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !result.IsError {
				t.Fatalf("params %s should have been rejected", tt.params)
			}
			if !strings.Contains(result.Content, "schema validation failed") {
				t.Errorf("Content = %s", result.Content)
			}
		})
	}
}

func TestSchemaGuardMalformedParams(t *testing.T) {
	wrapped := guarded(t, brokerIDSchema)

	result, err := wrapped.Execute(context.Background(), json.RawMessage(`{not json`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.IsError || !strings.Contains(result.Content, "invalid JSON") {
		t.Errorf("result = %+v", result)
	}
}

func TestSchemaGuardSkipsToolsWithoutSchema(t *testing.T) {
	for _, schema := range []json.RawMessage{nil, json.RawMessage(`null`)} {
		inner := &echoTool{name: "test", schema: schema}
		wrapped, err := WithSchemaValidation(inner)
		if err != nil {
			t.Fatalf("WithSchemaValidation: %v", err)
		}
		if wrapped != inner {
			t.Errorf("schema %q: tool should come back unwrapped", string(schema))
		}
	}
}

func TestSchemaGuardCompileFailure(t *testing.T) {
	_, err := WithSchemaValidation(&echoTool{
		name:   "test",
		schema: json.RawMessage(`{"type": [not json`),
	})
	if err == nil {
		t.Fatal("expected error for uncompilable schema")
	}
	if !strings.Contains(err.Error(), `"test"`) {
		t.Errorf("error should name the tool: %v", err)
	}
}

func TestSchemaGuardDelegatesMetadata(t *testing.T) {
	wrapped := guarded(t, brokerIDSchema)

	// guarded() names its inner tool "test".
	if wrapped.Name() != "test" {
		t.Errorf("Name = %q", wrapped.Name())
	}
	if wrapped.Description() != "echo" {
		t.Errorf("Description = %q", wrapped.Description())
	}
	if wrapped.Schema().Name != "test" {
		t.Errorf("Schema().Name = %q", wrapped.Schema().Name)
	}
}
