package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// roundTripFunc is a function type that implements http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// errorReadCloser is an io.ReadCloser whose Read always returns an error.
type errorReadCloser struct{}

func (e *errorReadCloser) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated body read error")
}

func (e *errorReadCloser) Close() error {
	return nil
}

func newTestLogger() *slog.Logger {
	return slog.Default()
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type: %s", r.Header.Get("Content-Type"))
		}

		resp := openaiResponse{
			ID:    "chatcmpl-test",
			Model: "gpt-4o-mini",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "Test response"}, FinishReason: "stop"},
			},
			Usage: openaiUsage{PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai-test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	res, err := provider.Generate(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if res.Text != "Test response" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Provider != "openai-test" {
		t.Errorf("Provider = %q", res.Provider)
	}
	if res.Usage.TotalTokens != 8 {
		t.Errorf("TotalTokens = %d, want 8", res.Usage.TotalTokens)
	}
	if provider.Name() != "openai-test" {
		t.Errorf("Name = %q", provider.Name())
	}
}

func TestOpenAIGenerateNoAPIKey(t *testing.T) {
	// Local OpenAI-compatible servers run keyless.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("Authorization header should be absent, got %q", got)
		}
		resp := openaiResponse{
			Model: "llama3",
			Choices: []openaiChoice{
				{Message: openaiMessage{Role: "assistant", Content: "ok"}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "local",
		BaseURL: server.URL,
		Model:   "llama3",
	}, newTestLogger())

	if _, err := provider.Generate(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
}

func TestOpenAIRequestConversion(t *testing.T) {
	req := domain.Request{
		Model:  "gpt-4o-mini",
		System: "You are a leasing assistant.",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Hello"},
		},
		MaxTokens:   512,
		Temperature: 0.7,
	}

	oaiReq := toOpenAIRequest(req)

	// System prompt travels as a leading message.
	if len(oaiReq.Messages) != 2 {
		t.Fatalf("Messages len = %d, want 2", len(oaiReq.Messages))
	}
	if oaiReq.Messages[0].Role != domain.RoleSystem || oaiReq.Messages[0].Content != "You are a leasing assistant." {
		t.Errorf("leading message = %+v", oaiReq.Messages[0])
	}
	if oaiReq.Messages[1].Role != domain.RoleUser {
		t.Errorf("second message role = %q", oaiReq.Messages[1].Role)
	}
	if oaiReq.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature == nil || *oaiReq.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", oaiReq.Temperature)
	}
}

func TestOpenAIRequestDefaults(t *testing.T) {
	oaiReq := toOpenAIRequest(domain.Request{
		Model:    "gpt-4o-mini",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})

	if oaiReq.MaxTokens != 0 {
		t.Errorf("MaxTokens = %d, want 0 (omitted)", oaiReq.MaxTokens)
	}
	if oaiReq.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", oaiReq.Temperature)
	}
	if len(oaiReq.Tools) != 0 {
		t.Errorf("Tools = %+v, want none", oaiReq.Tools)
	}
}

func TestOpenAIRequestToolMessages(t *testing.T) {
	req := domain.Request{
		Model: "gpt-4o-mini",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Book the 10am slot"},
			{
				Role:    domain.RoleAssistant,
				Content: "Booking it now.",
				ToolCalls: []domain.ToolCall{
					{ID: "call_1", Name: "book_slot", Arguments: json.RawMessage(`{"slot_id":"s1"}`)},
				},
			},
			{
				Role:      domain.RoleTool,
				Content:   "booked",
				ToolCalls: []domain.ToolCall{{ID: "call_1", Name: "book_slot"}},
			},
		},
		Tools: []domain.ToolSchema{
			{Name: "book_slot", Description: "Book a slot", Parameters: json.RawMessage(`{"type":"object"}`)},
		},
	}

	oaiReq := toOpenAIRequest(req)

	if len(oaiReq.Tools) != 1 {
		t.Fatalf("Tools len = %d, want 1", len(oaiReq.Tools))
	}
	if oaiReq.Tools[0].Type != "function" || oaiReq.Tools[0].Function.Name != "book_slot" {
		t.Errorf("tool = %+v", oaiReq.Tools[0])
	}

	assistantMsg := oaiReq.Messages[1]
	if len(assistantMsg.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(assistantMsg.ToolCalls))
	}
	tc := assistantMsg.ToolCalls[0]
	if tc.ID != "call_1" || tc.Type != "function" || tc.Function.Name != "book_slot" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments != `{"slot_id":"s1"}` {
		t.Errorf("arguments = %q", tc.Function.Arguments)
	}

	toolMsg := oaiReq.Messages[2]
	if toolMsg.Role != domain.RoleTool {
		t.Errorf("tool message role = %q", toolMsg.Role)
	}
	if toolMsg.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", toolMsg.ToolCallID)
	}
	// A tool result is not itself a tool call.
	if len(toolMsg.ToolCalls) != 0 {
		t.Errorf("tool message carries %d tool calls, want 0", len(toolMsg.ToolCalls))
	}
}

func TestOpenAIResponseConversion(t *testing.T) {
	resp := openaiResponse{
		ID:    "chatcmpl-1",
		Model: "gpt-4o-mini",
		Choices: []openaiChoice{
			{
				Message: openaiMessage{
					Role:    "assistant",
					Content: "Checking availability.",
					ToolCalls: []openaiToolCall{
						{
							ID:   "call_9",
							Type: "function",
							Function: openaiToolCallFunction{
								Name:      "list_slots",
								Arguments: `{"day":"2026-03-02"}`,
							},
						},
					},
				},
				FinishReason: "tool_calls",
			},
		},
		Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}

	result := fromOpenAIResponse(resp, "fallback-model")

	if result.Text != "Checking availability." {
		t.Errorf("Text = %q", result.Text)
	}
	if result.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q", result.Model)
	}
	if len(result.Pending) != 1 {
		t.Fatalf("Pending len = %d, want 1", len(result.Pending))
	}
	if result.Pending[0].ID != "call_9" || result.Pending[0].Name != "list_slots" {
		t.Errorf("Pending[0] = %+v", result.Pending[0])
	}
	if string(result.Pending[0].Arguments) != `{"day":"2026-03-02"}` {
		t.Errorf("Arguments = %s", result.Pending[0].Arguments)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", result.Usage.TotalTokens)
	}

	// Missing model falls back to the requested one.
	resp.Model = ""
	result = fromOpenAIResponse(resp, "fallback-model")
	if result.Model != "fallback-model" {
		t.Errorf("Model = %q, want fallback", result.Model)
	}
}

func TestOpenAIGenerateEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := openaiResponse{
			ID:    "chatcmpl-empty",
			Model: "gpt-4o-mini",
			Usage: openaiUsage{PromptTokens: 5, TotalTokens: 5},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	res, err := provider.Generate(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "" {
		t.Errorf("Text = %q, want empty", res.Text)
	}
	if len(res.Pending) != 0 {
		t.Errorf("Pending = %+v, want none", res.Pending)
	}
}

func TestOpenAIErrorResponses(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantErr    error
	}{
		{name: "429 rate limit", statusCode: http.StatusTooManyRequests, wantErr: domain.ErrRateLimit},
		{name: "401 unauthorized", statusCode: http.StatusUnauthorized, wantErr: domain.ErrAuthInvalid},
		{name: "403 forbidden", statusCode: http.StatusForbidden, wantErr: domain.ErrAuthInvalid},
		{name: "413 context overflow", statusCode: http.StatusRequestEntityTooLarge, wantErr: domain.ErrContextOverflow},
		{name: "500 server error", statusCode: http.StatusInternalServerError, wantErr: domain.ErrServerError},
		{name: "503 unavailable", statusCode: http.StatusServiceUnavailable, wantErr: domain.ErrServerError},
		{name: "404 bad request", statusCode: http.StatusNotFound, wantErr: domain.ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(`{"error":{"message":"nope"}}`))
			}))
			defer server.Close()

			provider := NewOpenAIProvider(config.ProviderConfig{
				Name:    "test",
				BaseURL: server.URL,
				APIKey:  "test-key",
				Model:   "gpt-4o-mini",
			}, newTestLogger())

			_, err := provider.Generate(context.Background(), domain.Request{
				Messages: []domain.Message{{Role: domain.RoleUser, Content: "test"}},
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOpenAIGenerateInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<!doctype html><html>gateway error</html>`))
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	_, err := provider.Generate(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err == nil {
		t.Fatal("expected error for invalid JSON response")
	}
	if !strings.Contains(err.Error(), "unmarshal response") {
		t.Errorf("error = %q, want it to contain 'unmarshal response'", err.Error())
	}
}

func TestOpenAIGenerateWithToolsRoundTrip(t *testing.T) {
	var requests []openaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req openaiRequest
		json.Unmarshal(body, &req)
		requests = append(requests, req)

		var resp openaiResponse
		if len(requests) == 1 {
			resp = openaiResponse{
				Model: "gpt-4o-mini",
				Choices: []openaiChoice{
					{
						Message: openaiMessage{
							Role: "assistant",
							ToolCalls: []openaiToolCall{
								{ID: "call_1", Type: "function", Function: openaiToolCallFunction{Name: "echo", Arguments: `{"text":"hi"}`}},
							},
						},
						FinishReason: "tool_calls",
					},
				},
				Usage: openaiUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}
		} else {
			resp = openaiResponse{
				Model: "gpt-4o-mini",
				Choices: []openaiChoice{
					{Message: openaiMessage{Role: "assistant", Content: "All done."}, FinishReason: "stop"},
				},
				Usage: openaiUsage{PromptTokens: 20, CompletionTokens: 8, TotalTokens: 28},
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	provider := NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai-test",
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-4o-mini",
	}, newTestLogger())

	exec := newStubExecutor()
	res, err := provider.GenerateWithTools(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "run echo"}},
	}, exec)
	if err != nil {
		t.Fatalf("GenerateWithTools: %v", err)
	}

	if res.Text != "All done." {
		t.Errorf("Text = %q", res.Text)
	}
	if exec.callCount("echo") != 1 {
		t.Errorf("echo executions = %d, want 1", exec.callCount("echo"))
	}
	if res.Usage.TotalTokens != 43 {
		t.Errorf("TotalTokens = %d, want 43", res.Usage.TotalTokens)
	}

	// The second request ends with a tool message referencing the call.
	if len(requests) != 2 {
		t.Fatalf("requests = %d, want 2", len(requests))
	}
	last := requests[1].Messages[len(requests[1].Messages)-1]
	if last.Role != domain.RoleTool {
		t.Errorf("last message role = %q, want tool", last.Role)
	}
	if last.ToolCallID != "call_1" {
		t.Errorf("ToolCallID = %q, want call_1", last.ToolCallID)
	}
	if last.Content != "echoed" {
		t.Errorf("tool message content = %q", last.Content)
	}
}

func TestRegistryBasic(t *testing.T) {
	registry := NewRegistry()

	provider := &mockProvider{name: "openai"}
	if err := registry.Register(provider); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := registry.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name() != "openai" {
		t.Errorf("Name = %q", got.Name())
	}

	names := registry.List()
	if len(names) != 1 || names[0] != "openai" {
		t.Errorf("List = %v", names)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	registry := NewRegistry()

	if err := registry.Register(&mockProvider{name: "openai"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := registry.Register(&mockProvider{name: "openai"}); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistryNotFound(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Get("nonexistent")
	if !errors.Is(err, domain.ErrProviderNotFound) {
		t.Errorf("expected ErrProviderNotFound, got %v", err)
	}
}
