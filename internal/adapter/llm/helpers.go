package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// defaultMaxToolRounds caps generate/execute cycles within a single turn.
const defaultMaxToolRounds = 5

// generateFunc is the single network round-trip every layer exposes. The
// breaker and the failover router wrap it; the tool loop and structured
// generation are derived from it, so tool side effects and JSON parsing sit
// above the retry boundary and never replay.
type generateFunc func(ctx context.Context, req domain.Request) (*domain.Result, error)

// doJSONRequest performs a JSON POST request and returns the response body.
// It handles: create request, set headers, execute, read body (with limit),
// and check HTTP status code. Transport failures and non-200 responses come
// back as domain errors so retriability survives the vendor boundary.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		// A cancelled or expired context is the caller's doing, not the
		// provider's; keep it distinguishable from real transport failures.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("http request: %w", ctxErr)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", domain.ErrProviderTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrConnFailed, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, respBody)
	}

	return respBody, nil
}

// mapHTTPError maps an HTTP status code + response body to a domain error.
// The wrapped sentinel is the single input to retry, failover, and breaker
// classification.
func mapHTTPError(statusCode int, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, truncate(string(body), 500))

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return fmt.Errorf("%w: %s", domain.ErrRateLimit, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode >= 500: // 500, 502, 503, etc.
		return fmt.Errorf("%w: %s", domain.ErrServerError, detail)
	default:
		return fmt.Errorf("%w: %s", domain.ErrBadRequest, detail)
	}
}

// logGenerateCompleted logs the standard debug message after a successful call.
func logGenerateCompleted(logger *slog.Logger, providerName string, result *domain.Result) {
	logger.Debug("llm generate completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}

// runToolLoop drives the generate/execute cycle behind GenerateWithTools.
// gen is the calling layer's own Generate, so each round trip individually
// passes through whatever resilience wraps that layer while tools execute
// exactly once per request.
func runToolLoop(ctx context.Context, gen generateFunc, req domain.Request, exec domain.ToolExecutor, maxRounds int, logger *slog.Logger) (*domain.Result, error) {
	if exec == nil {
		return gen(ctx, req)
	}
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}
	if len(req.Tools) == 0 {
		req.Tools = exec.Schemas()
	}

	msgs := make([]domain.Message, len(req.Messages))
	copy(msgs, req.Messages)

	var records []domain.ToolRecord
	var usage domain.Usage

	for round := 0; round < maxRounds; round++ {
		roundReq := req
		roundReq.Messages = msgs

		res, err := gen(ctx, roundReq)
		if err != nil {
			return nil, err
		}
		usage.Add(res.Usage)

		// No pending calls = final response.
		if len(res.Pending) == 0 {
			res.ToolCalls = records
			res.Usage = usage
			return res, nil
		}

		msgs = append(msgs, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   res.Text,
			ToolCalls: res.Pending,
			Timestamp: time.Now(),
		})

		// Execute requested calls in parallel.
		// Results are indexed to preserve the original call order.
		toolMsgs := make([]domain.Message, len(res.Pending))
		recs := make([]domain.ToolRecord, len(res.Pending))
		var wg sync.WaitGroup
		for i, call := range res.Pending {
			wg.Add(1)
			go func(idx int, c domain.ToolCall) {
				defer wg.Done()
				toolMsgs[idx], recs[idx] = executeToolCall(ctx, exec, c)
			}(i, call)
		}
		wg.Wait()

		msgs = append(msgs, toolMsgs...)
		records = append(records, recs...)
	}

	logger.Warn("tool round limit reached", "rounds", maxRounds)
	return nil, domain.ErrMaxToolRounds
}

// executeToolCall runs a single requested call and returns the tool message
// plus its audit record. Tool failures become results the model can read,
// never errors that abort the loop.
func executeToolCall(ctx context.Context, exec domain.ToolExecutor, call domain.ToolCall) (domain.Message, domain.ToolRecord) {
	ctx, span := tracer.StartSpan(ctx, "llm.execute_tool",
		trace.WithAttributes(tracer.StringAttr("tool.name", call.Name)),
	)
	defer span.End()

	tool, err := exec.Get(call.Name)
	if err != nil {
		tracer.RecordError(span, err)
		return toolMessage(call, err.Error()), domain.ToolRecord{
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    err.Error(),
			IsError:   true,
		}
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		tracer.RecordError(span, err)
		return toolMessage(call, err.Error()), domain.ToolRecord{
			Name:      call.Name,
			Arguments: call.Arguments,
			Result:    err.Error(),
			IsError:   true,
		}
	}

	tracer.SetOK(span)
	return toolMessage(call, result.Content), domain.ToolRecord{
		Name:      call.Name,
		Arguments: call.Arguments,
		Result:    result.Content,
		IsError:   result.IsError,
	}
}

// toolMessage shapes a tool outcome as the message vendors expect back.
func toolMessage(call domain.ToolCall, content string) domain.Message {
	return domain.Message{
		Role:    domain.RoleTool,
		Content: content,
		ToolCalls: []domain.ToolCall{{
			ID:   call.ID,
			Name: call.Name,
		}},
		Timestamp: time.Now(),
	}
}

// jsonOnlySystem is appended to the system prompt for structured extraction.
const jsonOnlySystem = "You are a JSON-only function. " +
	"Return ONLY a valid JSON object. " +
	"Do not wrap in markdown fences. " +
	"Do not include commentary. " +
	"Do not call tools."

// generateStructured drives a JSON-only round trip through gen and parses the
// reply into Result.Fields, validating against req.Schema when present.
func generateStructured(ctx context.Context, gen generateFunc, req domain.Request) (*domain.Result, error) {
	if req.System != "" {
		req.System = req.System + "\n\n" + jsonOnlySystem
	} else {
		req.System = jsonOnlySystem
	}
	req.Tools = nil

	res, err := gen(ctx, req)
	if err != nil {
		return nil, err
	}

	raw := stripCodeFences(res.Text)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty output", domain.ErrUnparsableOutput)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v (raw: %s)", domain.ErrUnparsableOutput, err, truncate(raw, 500))
	}

	if len(req.Schema) > 0 && !bytes.Equal(req.Schema, []byte("null")) {
		if err := validateJSONSchema(req.Schema, fields); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrUnparsableOutput, err)
		}
	}

	res.Fields = fields
	return res, nil
}

// validateJSONSchema validates parsed JSON against a JSON Schema.
func validateJSONSchema(schemaBytes json.RawMessage, data any) error {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the LLM wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// truncate shortens a string to maxLen bytes on a clean UTF-8 boundary,
// appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	// Walk runes to find the last boundary at or before maxLen bytes.
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
