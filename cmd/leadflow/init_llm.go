package main

import (
	"fmt"
	"log/slog"

	"leadflow/internal/adapter/llm"
	"leadflow/internal/adapter/telemetry"
	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// LLMComponents holds the provider stack assembled from configuration.
type LLMComponents struct {
	Registry *llm.Registry
	Breakers []*llm.BreakerProvider
	Provider domain.ProviderAdapter // outermost adapter the agents call
	CostLog  *telemetry.AsyncCostLogger
}

// initLLM builds one adapter per configured provider, wraps each with a
// circuit breaker, layers the failover router over the default provider,
// and instruments the outermost adapter with cost telemetry. The layering
// matters: breakers sit per-provider inside the router so an open circuit
// on the primary routes to fallbacks, and telemetry wraps the outside so
// one logical turn produces one record whatever happened underneath.
func initLLM(cfg *config.Config, bus domain.EventBus, sink telemetry.CallSink, log *slog.Logger) (*LLMComponents, error) {
	if len(cfg.LLM.Providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}

	comps := &LLMComponents{Registry: llm.NewRegistry()}

	for _, pc := range cfg.LLM.Providers {
		adapter, err := createProvider(pc, log)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		if cfg.LLM.CircuitBreaker.Enabled {
			bp := llm.NewBreakerProvider(adapter, cfg.LLM.CircuitBreaker, bus, log)
			comps.Breakers = append(comps.Breakers, bp)
			adapter = bp
		}
		if err := comps.Registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	primary, err := comps.Registry.Get(cfg.LLM.DefaultProvider)
	if err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}

	provider := primary
	if cfg.LLM.Failover.Enabled {
		fallbacks, err := resolveFallbacks(cfg, comps.Registry)
		if err != nil {
			return nil, err
		}
		router := llm.NewFailoverRouter(primary, fallbacks, llm.RetryPolicy{
			MaxRetries: cfg.LLM.Failover.MaxRetries,
			BaseDelay:  cfg.LLM.Failover.BaseDelay,
			MaxDelay:   cfg.LLM.Failover.MaxDelay,
		}, bus, log)
		router.ToolRounds = cfg.Agents.MaxToolRounds
		provider = router
	}

	if cfg.Telemetry.CostLog {
		comps.CostLog = telemetry.NewAsyncCostLogger(sink, cfg.Telemetry.BufferSize, log)
		provider = telemetry.NewInstrumentedProvider(provider, comps.CostLog)
	}
	comps.Provider = provider

	return comps, nil
}

// resolveFallbacks returns the fallback chain in configured order. When no
// explicit chain is given, every other configured provider becomes a
// fallback in config order.
func resolveFallbacks(cfg *config.Config, registry *llm.Registry) ([]domain.ProviderAdapter, error) {
	names := cfg.LLM.Failover.Fallbacks
	if len(names) == 0 {
		for _, pc := range cfg.LLM.Providers {
			if pc.Name != cfg.LLM.DefaultProvider {
				names = append(names, pc.Name)
			}
		}
	}

	var fallbacks []domain.ProviderAdapter
	for _, name := range names {
		if name == cfg.LLM.DefaultProvider {
			continue
		}
		fb, err := registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("fallback provider: %w", err)
		}
		fallbacks = append(fallbacks, fb)
	}
	return fallbacks, nil
}

// createProvider instantiates one adapter from its config entry. Type
// defaults to the provider name so short configs stay short.
func createProvider(pc config.ProviderConfig, log *slog.Logger) (domain.ProviderAdapter, error) {
	kind := pc.Type
	if kind == "" {
		kind = pc.Name
	}
	switch kind {
	case "anthropic":
		return llm.NewAnthropicProvider(pc, log), nil
	case "openai":
		return llm.NewOpenAIProvider(pc, log), nil
	case "bedrock":
		return llm.NewBedrockProvider(pc, log)
	default:
		return nil, fmt.Errorf("unknown provider type %q", kind)
	}
}
