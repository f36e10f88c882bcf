package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"leadflow/internal/domain"
)

// Compile-time interface assertion.
var _ domain.ProviderAdapter = (*FailoverRouter)(nil)

// Default retry policy for the primary provider.
const (
	defaultMaxRetries = 2
	defaultBaseDelay  = 500 * time.Millisecond
	defaultMaxDelay   = 4 * time.Second
)

// RetryPolicy bounds the retry budget the router spends on its primary
// before routing to the fallbacks.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// BaseDelay is the first backoff step; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff.
	MaxDelay time.Duration
}

// FailoverRouter wraps a primary adapter and fallbacks behind the same
// capability interface, so callers cannot tell it from a plain adapter.
// Retriable failures on the primary are retried with exponential backoff,
// then each fallback gets exactly one attempt. Non-retriable failures
// re-raise immediately without touching the fallbacks. The router keeps no
// state between calls: every call prefers the primary again.
type FailoverRouter struct {
	primary   domain.ProviderAdapter
	fallbacks []domain.ProviderAdapter
	policy    RetryPolicy
	bus       domain.EventBus
	logger    *slog.Logger

	// ToolRounds caps the generate/execute cycles of GenerateWithTools.
	// Zero means the package default.
	ToolRounds int
}

// NewFailoverRouter creates a failover-capable adapter. Zero-valued policy
// fields fall back to defaults; a negative MaxRetries disables retries.
// bus may be nil.
func NewFailoverRouter(primary domain.ProviderAdapter, fallbacks []domain.ProviderAdapter, policy RetryPolicy, bus domain.EventBus, logger *slog.Logger) *FailoverRouter {
	switch {
	case policy.MaxRetries == 0:
		policy.MaxRetries = defaultMaxRetries
	case policy.MaxRetries < 0:
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = defaultBaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = defaultMaxDelay
	}

	return &FailoverRouter{
		primary:   primary,
		fallbacks: fallbacks,
		policy:    policy,
		bus:       bus,
		logger:    logger,
	}
}

// Generate implements domain.ProviderAdapter. One call here is one resolved
// round trip: retries on the primary, then at most one attempt per fallback.
func (f *FailoverRouter) Generate(ctx context.Context, req domain.Request) (*domain.Result, error) {
	res, primaryErr := f.generatePrimary(ctx, req)
	if primaryErr == nil {
		return res, nil
	}

	// The caller abandoned the turn; nothing left to route.
	if ctx.Err() != nil || domain.IsCancellation(primaryErr) {
		return nil, primaryErr
	}

	// Non-retriable failures re-raise without touching the fallbacks. An
	// open breaker is the exception: it is the cue to go straight there.
	if !domain.IsRetryable(primaryErr) && !errors.Is(primaryErr, domain.ErrCircuitOpen) {
		return nil, primaryErr
	}

	f.logger.Warn("primary provider exhausted, failing over",
		"primary", f.primary.Name(), "error", primaryErr)

	allErrors := []string{fmt.Sprintf("%s: %v", f.primary.Name(), primaryErr)}
	lastErr := primaryErr

	for _, fb := range f.fallbacks {
		res, err := fb.Generate(ctx, req)
		if err == nil {
			f.logger.Info("failover succeeded", "provider", fb.Name())
			f.publishFailover(ctx, f.primary.Name(), fb.Name())
			res.Failover = true
			return res, nil
		}
		if ctx.Err() != nil || domain.IsCancellation(err) {
			return nil, err
		}
		f.logger.Warn("fallback provider failed", "provider", fb.Name(), "error", err)
		allErrors = append(allErrors, fmt.Sprintf("%s: %v", fb.Name(), err))
		lastErr = err
	}

	// Wrap the last failure so callers can still classify the error chain.
	return nil, fmt.Errorf("all providers failed [%s]: %w", joinErrors(allErrors), lastErr)
}

// generatePrimary spends the retry budget on the primary. Retriable errors
// back off and retry; cancellation, non-retriable errors, and an open
// breaker return immediately. The open breaker never consumes retry budget.
func (f *FailoverRouter) generatePrimary(ctx context.Context, req domain.Request) (*domain.Result, error) {
	maxAttempts := f.policy.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		res, err := f.primary.Generate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if errors.Is(err, domain.ErrCircuitOpen) {
			return nil, err
		}
		if domain.IsCancellation(err) || !domain.IsRetryable(err) {
			return nil, err
		}

		if attempt < maxAttempts-1 {
			delay := f.retryBackoff(attempt)
			f.logger.Info("retrying primary provider after error",
				"provider", f.primary.Name(),
				"attempt", attempt+1, "delay", delay, "error", err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// GenerateWithTools implements domain.ProviderAdapter. The tool loop runs
// above the router so each round trip is individually retried and routed
// while tool side effects execute exactly once.
func (f *FailoverRouter) GenerateWithTools(ctx context.Context, req domain.Request, exec domain.ToolExecutor) (*domain.Result, error) {
	return runToolLoop(ctx, f.Generate, req, exec, f.ToolRounds, f.logger)
}

// GenerateStructured implements domain.ProviderAdapter.
func (f *FailoverRouter) GenerateStructured(ctx context.Context, req domain.Request) (*domain.Result, error) {
	return generateStructured(ctx, f.Generate, req)
}

// Name returns a composite name.
func (f *FailoverRouter) Name() string {
	return f.primary.Name() + "+failover"
}

// retryBackoff computes exponential backoff with jitter.
func (f *FailoverRouter) retryBackoff(attempt int) time.Duration {
	delay := f.policy.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > f.policy.MaxDelay {
		delay = f.policy.MaxDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}

func (f *FailoverRouter) publishFailover(ctx context.Context, from, to string) {
	if f.bus == nil {
		return
	}
	f.bus.Publish(ctx, domain.NewEvent(domain.EventProviderFailover, "", "", map[string]string{
		"from": from,
		"to":   to,
	}))
}

// joinErrors joins error messages with "; " separator
func joinErrors(errs []string) string {
	if len(errs) == 0 {
		return ""
	}
	result := errs[0]
	for i := 1; i < len(errs); i++ {
		result += "; " + errs[i]
	}
	return result
}
