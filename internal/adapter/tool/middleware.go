package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"leadflow/internal/domain"
	"leadflow/internal/infra/tracer"
)

// Execute runs the shared tool pipeline: decode params, open a span, invoke
// the handler, and shape whatever comes back into a ToolResult.
//
// Handler return values are interpreted by type:
//   - *domain.ToolResult passes through untouched (custom formatting)
//   - string becomes a plain-text result
//   - any other value is JSON-encoded
//
// Handler errors never propagate as Go errors. The model is the caller
// here, and it can only react to what lands in the result content.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if err := json.Unmarshal(rawParams, &p); err != nil {
		tracer.RecordError(span, err)
		return &domain.ToolResult{IsError: true, Content: fmt.Sprintf("invalid params: %v", err)}, nil
	}

	out, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)
		return failure(err), nil
	}

	return renderResult(span, out)
}

// failure shapes a handler error into a result the model can act on. The
// retry hint matters: without it the model tends to apologize to the lead
// instead of trying the call again.
func failure(err error) *domain.ToolResult {
	retryable := classifyToolError(err)
	content := err.Error()
	if retryable {
		content += " (transient error, may succeed on retry)"
	}
	return &domain.ToolResult{IsError: true, IsRetryable: retryable, Content: content}
}

// renderResult converts a handler return value into a ToolResult.
func renderResult(span trace.Span, out any) (*domain.ToolResult, error) {
	switch v := out.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
			return v, nil
		}
		tracer.SetOK(span)
		return v, nil
	case string:
		tracer.SetOK(span)
		return TextResult(v), nil
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		tracer.RecordError(span, err)
		return &domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("failed to format response: %v", err),
		}, nil
	}
	tracer.SetOK(span)
	return TextResult(string(data)), nil
}

// ErrResult builds an error ToolResult for validation failures the handler
// wants surfaced to the model without a log entry.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}, nil
}

// TextResult builds a plain-text success ToolResult.
func TextResult(s string) *domain.ToolResult {
	return &domain.ToolResult{Content: s}
}
