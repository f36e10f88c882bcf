package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBCooldown    time.Duration = 45 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerProvider wraps a ProviderAdapter with circuit breaker protection.
// One instance exists per provider for the whole process, so failures
// observed in one lead's conversation immediately protect every other
// concurrent conversation from hammering a dead backend. While the circuit
// is open, calls fail instantly with domain.ErrCircuitOpen and no network
// traffic is attempted.
type BreakerProvider struct {
	inner   domain.ProviderAdapter
	breaker *gobreaker.CircuitBreaker[*domain.Result]
	logger  *slog.Logger
}

// NewBreakerProvider wraps inner with a circuit breaker. Zero-valued cfg
// fields fall back to defaults. bus may be nil; state transitions are then
// only logged.
func NewBreakerProvider(inner domain.ProviderAdapter, cfg config.CircuitBreakerConfig, bus domain.EventBus, logger *slog.Logger) *BreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = defaultCBCooldown
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	name := inner.Name()
	cb := gobreaker.NewCircuitBreaker[*domain.Result](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1, // allow 1 trial call in half-open state
		Interval:    interval,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(breakerName string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", breakerName,
				"from", from.String(),
				"to", to.String(),
			)
			if bus != nil {
				bus.Publish(context.Background(), domain.NewEvent(
					domain.EventBreakerChanged, "", "",
					map[string]string{
						"provider": name,
						"from":     from.String(),
						"to":       to.String(),
					},
				))
			}
		},
		IsSuccessful: func(err error) bool {
			// A cancelled call reveals nothing about provider health and
			// must not trip the breaker.
			return err == nil || domain.IsCancellation(err)
		},
	})

	return &BreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// Generate implements domain.ProviderAdapter. Every round trip passes
// through the breaker and counts toward its consecutive-failure window.
func (p *BreakerProvider) Generate(ctx context.Context, req domain.Request) (*domain.Result, error) {
	// Calls dead on arrival never charge the breaker.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	res, err := p.breaker.Execute(func() (*domain.Result, error) {
		return p.inner.Generate(ctx, req)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("provider %q: %w", p.inner.Name(), domain.ErrCircuitOpen)
		}
		return nil, err
	}
	return res, nil
}

// GenerateWithTools implements domain.ProviderAdapter. The tool loop runs
// above the breaker so each round trip is accounted individually and tool
// side effects never replay.
func (p *BreakerProvider) GenerateWithTools(ctx context.Context, req domain.Request, exec domain.ToolExecutor) (*domain.Result, error) {
	return runToolLoop(ctx, p.Generate, req, exec, 0, p.logger)
}

// GenerateStructured implements domain.ProviderAdapter.
func (p *BreakerProvider) GenerateStructured(ctx context.Context, req domain.Request) (*domain.Result, error) {
	return generateStructured(ctx, p.Generate, req)
}

// Name implements domain.ProviderAdapter.
func (p *BreakerProvider) Name() string { return p.inner.Name() }

// State returns the current circuit breaker state for monitoring.
func (p *BreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

// Counts returns the current circuit breaker failure/success counts.
func (p *BreakerProvider) Counts() gobreaker.Counts {
	return p.breaker.Counts()
}

// Compile-time interface check.
var _ domain.ProviderAdapter = (*BreakerProvider)(nil)

// --- Connection Pooling ---

// PooledTransportConfig configures HTTP connection pooling for LLM providers.
type PooledTransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// Default connection pool settings optimized for LLM API usage patterns:
// few hosts, high concurrency, long-lived connections.
const (
	defaultMaxIdleConns        = 20
	defaultMaxIdleConnsPerHost = 10
	defaultMaxConnsPerHost     = 20
	defaultIdleConnTimeout     = 120 * time.Second
)

// NewPooledTransport creates an http.Transport with connection pooling
// optimized for LLM API calls. It accepts per-connection timeouts and
// pool sizing configuration.
func NewPooledTransport(connTimeout, respTimeout time.Duration, pool PooledTransportConfig) *http.Transport {
	if connTimeout == 0 {
		connTimeout = 30 * time.Second
	}
	if respTimeout == 0 {
		respTimeout = 120 * time.Second
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxIdlePerHost := pool.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultMaxIdleConnsPerHost
	}
	maxConnsPerHost := pool.MaxConnsPerHost
	if maxConnsPerHost <= 0 {
		maxConnsPerHost = defaultMaxConnsPerHost
	}
	idleTimeout := pool.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleConnTimeout
	}

	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   connTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: respTimeout,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		MaxConnsPerHost:       maxConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		ForceAttemptHTTP2:     true,
	}
}

// Default provider timeouts.
const (
	defaultConnTimeout = 30 * time.Second
	defaultRespTimeout = 120 * time.Second
)

// NewHTTPClient creates an *http.Client with pooled transport and timeout
// defaults suitable for LLM providers. Used by the OpenAI and Anthropic
// adapters to avoid duplicating client setup logic.
func NewHTTPClient(cfg config.ProviderConfig) *http.Client {
	connTimeout := cfg.ConnTimeout
	if connTimeout == 0 {
		connTimeout = defaultConnTimeout
	}
	respTimeout := cfg.RespTimeout
	if respTimeout == 0 {
		respTimeout = defaultRespTimeout
	}

	return &http.Client{
		Transport: NewPooledTransport(connTimeout, respTimeout, PooledTransportConfig{
			MaxIdleConns:        cfg.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.Pool.MaxConnsPerHost,
			IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		}),
		Timeout: connTimeout + respTimeout,
	}
}
