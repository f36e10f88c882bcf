package telemetry

import (
	"context"
	"time"

	"leadflow/internal/domain"
)

// InstrumentedProvider decorates a provider chain with per-call cost
// telemetry. It wraps the outermost adapter so each logical operation
// produces exactly one record, whatever retries and failovers happened
// underneath.
type InstrumentedProvider struct {
	inner     domain.ProviderAdapter
	costs     domain.CostLogger
	estimator *TokenEstimator
}

// NewInstrumentedProvider wraps inner. A nil cost logger disables recording
// without changing the call path.
func NewInstrumentedProvider(inner domain.ProviderAdapter, costs domain.CostLogger) *InstrumentedProvider {
	if costs == nil {
		costs = NopCostLogger{}
	}
	return &InstrumentedProvider{
		inner:     inner,
		costs:     costs,
		estimator: NewTokenEstimator(),
	}
}

func (p *InstrumentedProvider) Generate(ctx context.Context, req domain.Request) (*domain.Result, error) {
	start := time.Now()
	res, err := p.inner.Generate(ctx, req)
	p.record("generate", req, res, err, time.Since(start))
	return res, err
}

func (p *InstrumentedProvider) GenerateWithTools(ctx context.Context, req domain.Request, exec domain.ToolExecutor) (*domain.Result, error) {
	start := time.Now()
	res, err := p.inner.GenerateWithTools(ctx, req, exec)
	p.record("generate_with_tools", req, res, err, time.Since(start))
	return res, err
}

func (p *InstrumentedProvider) GenerateStructured(ctx context.Context, req domain.Request) (*domain.Result, error) {
	start := time.Now()
	res, err := p.inner.GenerateStructured(ctx, req)
	p.record("generate_structured", req, res, err, time.Since(start))
	return res, err
}

func (p *InstrumentedProvider) Name() string { return p.inner.Name() }

func (p *InstrumentedProvider) record(op string, req domain.Request, res *domain.Result, err error, latency time.Duration) {
	rec := domain.ProviderCallRecord{
		Provider:  p.inner.Name(),
		Model:     req.Model,
		Operation: op,
		Latency:   latency,
		At:        time.Now(),
	}

	if res != nil {
		if res.Provider != "" {
			rec.Provider = res.Provider
		}
		if res.Model != "" {
			rec.Model = res.Model
		}
		rec.FailoverUsed = res.Failover
		rec.PromptTokens = res.Usage.PromptTokens
		rec.CompletionTokens = res.Usage.CompletionTokens

		// Vendors that omit usage still get an approximate bill.
		if res.Usage.TotalTokens == 0 && rec.PromptTokens == 0 && rec.CompletionTokens == 0 {
			rec.PromptTokens = p.estimator.Count(req.System) + p.estimator.EstimateMessages(req.Messages)
			rec.CompletionTokens = p.estimator.Count(res.Text)
			rec.Estimated = true
		}
	}
	if err != nil {
		rec.ErrorCode = domain.ErrorCodeOf(err)
	}

	p.costs.LogCall(rec)
}
