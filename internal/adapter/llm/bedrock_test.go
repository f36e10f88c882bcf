package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"leadflow/internal/domain"
)

// mockBedrockClient implements bedrockConverseAPI for tests.
type mockBedrockClient struct {
	converseFunc func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

func (m *mockBedrockClient) Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	return m.converseFunc(ctx, params, optFns...)
}

// mockAPIError implements smithy.APIError.
type mockAPIError struct {
	code    string
	message string
}

func (e *mockAPIError) Error() string                 { return e.code + ": " + e.message }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.message }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func textConverseOutput(text string, in, out int32) *bedrockruntime.ConverseOutput {
	return &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role:    types.ConversationRoleAssistant,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: text}},
			},
		},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(in), OutputTokens: aws.Int32(out)},
	}
}

func TestBedrockGenerate(t *testing.T) {
	var captured *bedrockruntime.ConverseInput
	client := &mockBedrockClient{
		converseFunc: func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
			captured = params
			return textConverseOutput("Test response", 5, 3), nil
		},
	}

	provider := newBedrockProviderWithClient("bedrock-test", "anthropic.claude-3-5-sonnet-20241022-v2:0", client, newTestLogger())

	res, err := provider.Generate(context.Background(), domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if res.Text != "Test response" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Provider != "bedrock-test" {
		t.Errorf("Provider = %q", res.Provider)
	}
	if res.Usage.TotalTokens != 8 {
		t.Errorf("TotalTokens = %d, want 8", res.Usage.TotalTokens)
	}
	// The provider default model fills in when the request has none.
	if aws.ToString(captured.ModelId) != "anthropic.claude-3-5-sonnet-20241022-v2:0" {
		t.Errorf("ModelId = %q", aws.ToString(captured.ModelId))
	}
	if provider.Name() != "bedrock-test" {
		t.Errorf("Name = %q", provider.Name())
	}
}

func TestBedrockConverseInputDefaults(t *testing.T) {
	input := toBedrockConverseInput(domain.Request{
		Model:    "model-id",
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})

	if aws.ToInt32(input.InferenceConfig.MaxTokens) != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", aws.ToInt32(input.InferenceConfig.MaxTokens))
	}
	if input.InferenceConfig.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", input.InferenceConfig.Temperature)
	}
	if input.System != nil {
		t.Errorf("System = %v, want nil", input.System)
	}
	if input.ToolConfig != nil {
		t.Errorf("ToolConfig = %v, want nil", input.ToolConfig)
	}
}

func TestBedrockConverseInputSystemAndInference(t *testing.T) {
	input := toBedrockConverseInput(domain.Request{
		Model:       "model-id",
		System:      "You are a leasing assistant.",
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
		MaxTokens:   1024,
		Temperature: 0.5,
	})

	if len(input.System) != 1 {
		t.Fatalf("System blocks = %d, want 1", len(input.System))
	}
	sys, ok := input.System[0].(*types.SystemContentBlockMemberText)
	if !ok || sys.Value != "You are a leasing assistant." {
		t.Errorf("System = %+v", input.System[0])
	}
	if aws.ToInt32(input.InferenceConfig.MaxTokens) != 1024 {
		t.Errorf("MaxTokens = %d", aws.ToInt32(input.InferenceConfig.MaxTokens))
	}
	if input.InferenceConfig.Temperature == nil || *input.InferenceConfig.Temperature != 0.5 {
		t.Errorf("Temperature = %v", input.InferenceConfig.Temperature)
	}
}

func TestBedrockInlineSystemMessage(t *testing.T) {
	input := toBedrockConverseInput(domain.Request{
		Model: "model-id",
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "You are helpful."},
			{Role: domain.RoleUser, Content: "Hi"},
		},
	})

	if len(input.System) != 1 {
		t.Fatalf("System blocks = %d, want 1", len(input.System))
	}
	sys := input.System[0].(*types.SystemContentBlockMemberText)
	if sys.Value != "You are helpful." {
		t.Errorf("System = %q", sys.Value)
	}
	// The system message does not land in Messages.
	if len(input.Messages) != 1 {
		t.Errorf("Messages len = %d, want 1", len(input.Messages))
	}
}

func TestBedrockMessageConversion(t *testing.T) {
	t.Run("tool result becomes user message", func(t *testing.T) {
		msg := toBedrockMessage(domain.Message{
			Role:      domain.RoleTool,
			Content:   "Mon 10:00",
			ToolCalls: []domain.ToolCall{{ID: "tu_1", Name: "list_slots"}},
		})

		if msg.Role != types.ConversationRoleUser {
			t.Errorf("role = %v, want user", msg.Role)
		}
		block, ok := msg.Content[0].(*types.ContentBlockMemberToolResult)
		if !ok {
			t.Fatalf("content block = %T, want tool result", msg.Content[0])
		}
		if aws.ToString(block.Value.ToolUseId) != "tu_1" {
			t.Errorf("ToolUseId = %q", aws.ToString(block.Value.ToolUseId))
		}
		text := block.Value.Content[0].(*types.ToolResultContentBlockMemberText)
		if text.Value != "Mon 10:00" {
			t.Errorf("content = %q", text.Value)
		}
	})

	t.Run("assistant with tool calls", func(t *testing.T) {
		msg := toBedrockMessage(domain.Message{
			Role:    domain.RoleAssistant,
			Content: "Booking it.",
			ToolCalls: []domain.ToolCall{
				{ID: "tu_2", Name: "book_slot", Arguments: json.RawMessage(`{"slot_id":"s1"}`)},
			},
		})

		if msg.Role != types.ConversationRoleAssistant {
			t.Errorf("role = %v", msg.Role)
		}
		if len(msg.Content) != 2 {
			t.Fatalf("content blocks = %d, want 2", len(msg.Content))
		}
		if text, ok := msg.Content[0].(*types.ContentBlockMemberText); !ok || text.Value != "Booking it." {
			t.Errorf("first block = %+v", msg.Content[0])
		}
		toolUse, ok := msg.Content[1].(*types.ContentBlockMemberToolUse)
		if !ok {
			t.Fatalf("second block = %T, want tool use", msg.Content[1])
		}
		if aws.ToString(toolUse.Value.ToolUseId) != "tu_2" || aws.ToString(toolUse.Value.Name) != "book_slot" {
			t.Errorf("tool use = %+v", toolUse.Value)
		}
	})

	t.Run("plain user message", func(t *testing.T) {
		msg := toBedrockMessage(domain.Message{Role: domain.RoleUser, Content: "Hello"})
		if msg.Role != types.ConversationRoleUser {
			t.Errorf("role = %v", msg.Role)
		}
		text := msg.Content[0].(*types.ContentBlockMemberText)
		if text.Value != "Hello" {
			t.Errorf("content = %q", text.Value)
		}
	})
}

func TestBedrockToolConfig(t *testing.T) {
	cfg := toBedrockToolConfig([]domain.ToolSchema{
		{Name: "list_slots", Description: "List open slots", Parameters: json.RawMessage(`{"type":"object","properties":{"day":{"type":"string"}}}`)},
	})

	if len(cfg.Tools) != 1 {
		t.Fatalf("Tools len = %d, want 1", len(cfg.Tools))
	}
	spec, ok := cfg.Tools[0].(*types.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool = %T, want tool spec", cfg.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "list_slots" {
		t.Errorf("Name = %q", aws.ToString(spec.Value.Name))
	}
	if aws.ToString(spec.Value.Description) != "List open slots" {
		t.Errorf("Description = %q", aws.ToString(spec.Value.Description))
	}
	if _, ok := spec.Value.InputSchema.(*types.ToolInputSchemaMemberJson); !ok {
		t.Errorf("InputSchema = %T", spec.Value.InputSchema)
	}
}

func TestBedrockResponseToolUse(t *testing.T) {
	output := &bedrockruntime.ConverseOutput{
		Output: &types.ConverseOutputMemberMessage{
			Value: types.Message{
				Role: types.ConversationRoleAssistant,
				Content: []types.ContentBlock{
					&types.ContentBlockMemberText{Value: "Checking."},
					&types.ContentBlockMemberToolUse{
						Value: types.ToolUseBlock{
							ToolUseId: aws.String("tu_9"),
							Name:      aws.String("list_slots"),
							Input:     document.NewLazyDocument(map[string]interface{}{"day": "2026-03-02"}),
						},
					},
				},
			},
		},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5)},
	}

	result := fromBedrockConverseOutput(output, "model-id")

	if result.Text != "Checking." {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.Pending) != 1 {
		t.Fatalf("Pending len = %d, want 1", len(result.Pending))
	}
	if result.Pending[0].ID != "tu_9" || result.Pending[0].Name != "list_slots" {
		t.Errorf("Pending[0] = %+v", result.Pending[0])
	}

	var args map[string]interface{}
	if err := json.Unmarshal(result.Pending[0].Arguments, &args); err != nil {
		t.Fatalf("unmarshal arguments: %v", err)
	}
	if args["day"] != "2026-03-02" {
		t.Errorf("args = %v", args)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", result.Usage.TotalTokens)
	}
}

func TestBedrockErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "throttling",
			err:     &mockAPIError{code: "ThrottlingException", message: "slow down"},
			wantErr: domain.ErrRateLimit,
		},
		{
			name:    "too many requests",
			err:     &mockAPIError{code: "TooManyRequestsException", message: "slow down"},
			wantErr: domain.ErrRateLimit,
		},
		{
			name:    "access denied",
			err:     &mockAPIError{code: "AccessDeniedException", message: "no access"},
			wantErr: domain.ErrAuthInvalid,
		},
		{
			name:    "unrecognized client",
			err:     &mockAPIError{code: "UnrecognizedClientException", message: "bad credentials"},
			wantErr: domain.ErrAuthInvalid,
		},
		{
			name:    "validation too long",
			err:     &mockAPIError{code: "ValidationException", message: "input is too long"},
			wantErr: domain.ErrContextOverflow,
		},
		{
			name:    "validation other",
			err:     &mockAPIError{code: "ValidationException", message: "bad field"},
			wantErr: domain.ErrBadRequest,
		},
		{
			name:    "model not ready",
			err:     &mockAPIError{code: "ModelNotReadyException", message: "warming up"},
			wantErr: domain.ErrServerError,
		},
		{
			name:    "service unavailable",
			err:     &mockAPIError{code: "ServiceUnavailableException", message: "down"},
			wantErr: domain.ErrServerError,
		},
		{
			name:    "internal server",
			err:     &mockAPIError{code: "InternalServerException", message: "oops"},
			wantErr: domain.ErrServerError,
		},
		{
			name:    "transport failure",
			err:     errors.New("dial tcp: connection refused"),
			wantErr: domain.ErrConnFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapBedrockError(context.Background(), tt.err)
			if !errors.Is(got, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, got)
			}
		})
	}
}

func TestBedrockUnknownAPICodeNotRetriable(t *testing.T) {
	err := mapBedrockError(context.Background(), &mockAPIError{code: "SomeNewException", message: "surprise"})
	if err == nil {
		t.Fatal("expected error")
	}
	if domain.IsRetryable(err) {
		t.Errorf("unknown API code should not be retriable: %v", err)
	}
	if errors.Is(err, domain.ErrConnFailed) {
		t.Errorf("API-level error mapped to transport failure: %v", err)
	}
}

func TestBedrockGenerateContextCancelled(t *testing.T) {
	client := &mockBedrockClient{
		converseFunc: func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
			return nil, errors.New("operation aborted")
		},
	}
	provider := newBedrockProviderWithClient("bedrock-test", "model-id", client, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := provider.Generate(ctx, domain.Request{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "Hi"}},
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestBedrockGenerateWithToolsRoundTrip(t *testing.T) {
	var inputs []*bedrockruntime.ConverseInput
	client := &mockBedrockClient{
		converseFunc: func(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
			inputs = append(inputs, params)
			if len(inputs) == 1 {
				return &bedrockruntime.ConverseOutput{
					Output: &types.ConverseOutputMemberMessage{
						Value: types.Message{
							Role: types.ConversationRoleAssistant,
							Content: []types.ContentBlock{
								&types.ContentBlockMemberToolUse{
									Value: types.ToolUseBlock{
										ToolUseId: aws.String("tu_1"),
										Name:      aws.String("echo"),
										Input:     document.NewLazyDocument(map[string]interface{}{"text": "hi"}),
									},
								},
							},
						},
					},
					Usage: &types.TokenUsage{InputTokens: aws.Int32(10), OutputTokens: aws.Int32(5)},
				}, nil
			}
			return textConverseOutput("All done.", 20, 8), nil
		},
	}

	provider := newBedrockProviderWithClient("bedrock-test", "model-id", client, newTestLogger())

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

	// The second call carries the tool result back.
	if len(inputs) != 2 {
		t.Fatalf("converse calls = %d, want 2", len(inputs))
	}
	second := inputs[1]
	last := second.Messages[len(second.Messages)-1]
	if last.Role != types.ConversationRoleUser {
		t.Errorf("last message role = %v, want user", last.Role)
	}
	block, ok := last.Content[0].(*types.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("last content block = %T, want tool result", last.Content[0])
	}
	if aws.ToString(block.Value.ToolUseId) != "tu_1" {
		t.Errorf("ToolUseId = %q", aws.ToString(block.Value.ToolUseId))
	}
}
