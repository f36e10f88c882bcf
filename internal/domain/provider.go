package domain

import (
	"context"
	"encoding/json"
)

// Request describes one generation task for an LLM backend.
type Request struct {
	Model string `json:"model,omitempty"`
	// System is the system prompt; kept separate from Messages so each
	// vendor can place it where its wire protocol expects.
	System   string       `json:"system,omitempty"`
	Messages []Message    `json:"messages"`
	Tools    []ToolSchema `json:"tools,omitempty"`
	// Schema optionally constrains structured generation; the parsed output
	// is validated against it before being returned.
	Schema      json.RawMessage `json:"schema,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

// Result is the outcome of any ProviderAdapter operation.
type Result struct {
	// Text is the generated reply.
	Text string `json:"text"`
	// ToolCalls lists the tool executions performed during GenerateWithTools.
	ToolCalls []ToolRecord `json:"tool_calls,omitempty"`
	// Fields is the parsed mapping returned by GenerateStructured.
	Fields map[string]any `json:"fields,omitempty"`
	// Pending holds tool invocations the model requested but the adapter did
	// not execute (plain Generate with a tool catalogue).
	Pending  []ToolCall `json:"pending,omitempty"`
	Usage    Usage      `json:"usage"`
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	// Failover reports that a fallback provider served this result after the
	// primary was exhausted or its breaker was open.
	Failover bool `json:"failover,omitempty"`
}

// ProviderAdapter is the capability interface every LLM backend implements.
// Implementations are interchangeable structs unified only by this contract;
// the failover router satisfies it too, so callers cannot tell a plain
// adapter from the resilient composition.
type ProviderAdapter interface {
	// Generate produces a text reply from the conversation history.
	Generate(ctx context.Context, req Request) (*Result, error)
	// GenerateWithTools produces a reply, executing requested tools through
	// exec until the model stops asking, and returns the executed calls.
	GenerateWithTools(ctx context.Context, req Request, exec ToolExecutor) (*Result, error)
	// GenerateStructured produces a JSON-only reply parsed into Result.Fields,
	// validated against Request.Schema when present.
	GenerateStructured(ctx context.Context, req Request) (*Result, error)
	// Name returns the provider's identifier (e.g., "anthropic", "openai").
	Name() string
}
