package config

import (
	"fmt"
	"strings"
	"time"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateBroker(cfg, ve)
	validateLLM(cfg, ve)
	validateAgents(cfg, ve)
	validateStore(cfg, ve)
	validateTools(cfg, ve)
	validateScheduler(cfg, ve)
	validateGateway(cfg, ve)
	validateNotify(cfg, ve)
	validateTelemetry(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateBroker(cfg *Config, ve *ValidationError) {
	if cfg.Broker.ID == "" {
		ve.Add("broker.id must not be empty")
	}
	if cfg.Broker.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Broker.Timezone); err != nil {
			ve.Add("broker.timezone %q is not a valid IANA timezone", cfg.Broker.Timezone)
		}
	}
}

var validProviderTypes = map[string]bool{
	"openai":    true,
	"anthropic": true,
	"bedrock":   true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}

	if cfg.LLM.Failover.MaxRetries < 0 {
		ve.Add("llm.failover.max_retries must be >= 0")
	}
	if cfg.LLM.Failover.BaseDelay < 0 {
		ve.Add("llm.failover.base_delay must be >= 0")
	}
	if cfg.LLM.Failover.MaxDelay > 0 && cfg.LLM.Failover.MaxDelay < cfg.LLM.Failover.BaseDelay {
		ve.Add("llm.failover.max_delay must be >= base_delay")
	}
	if cfg.LLM.CircuitBreaker.Enabled {
		if cfg.LLM.CircuitBreaker.MaxFailures == 0 {
			ve.Add("llm.circuit_breaker.max_failures must be > 0 when the breaker is enabled")
		}
		if cfg.LLM.CircuitBreaker.Cooldown <= 0 {
			ve.Add("llm.circuit_breaker.cooldown must be > 0 when the breaker is enabled")
		}
	}

	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if p.Type != "" && !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, anthropic, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via LEADFLOW_LLM_PROVIDER_%s_API_KEY)",
				i, p.Name, strings.ToUpper(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	for _, fb := range cfg.LLM.Failover.Fallbacks {
		if !seen[fb] {
			ve.Add("llm.failover.fallbacks: %q does not match any configured provider", fb)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.MaxHandoffs < 0 {
		ve.Add("agents.max_handoffs must be >= 0")
	}
	if cfg.Agents.MaxToolRounds <= 0 {
		ve.Add("agents.max_tool_rounds must be > 0")
	}
	if cfg.Agents.HistoryWindow <= 0 {
		ve.Add("agents.history_window must be > 0")
	}
	if cfg.Agents.Language == "" {
		ve.Add("agents.language must not be empty")
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
	if cfg.Store.EncryptPII && !cfg.Security.Encryption.Enabled {
		ve.Add("store.encrypt_pii requires security.encryption.enabled to be true")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.AppointmentEnabled && cfg.Tools.AppointmentTimeout <= 0 {
		ve.Add("tools.appointment_timeout must be > 0 when appointment is enabled")
	}
	if cfg.Tools.MCPEnabled {
		if len(cfg.Tools.MCPServers) == 0 {
			ve.Add("tools.mcp_servers must not be empty when mcp is enabled")
		}
		validMCPTransports := map[string]bool{"stdio": true, "http": true}
		names := make(map[string]bool)
		for i, s := range cfg.Tools.MCPServers {
			if s.Name == "" {
				ve.Add("tools.mcp_servers[%d].name must not be empty", i)
			} else if names[s.Name] {
				ve.Add("tools.mcp_servers[%d].name %q is duplicate", i, s.Name)
			}
			names[s.Name] = true
			if !validMCPTransports[s.Transport] {
				ve.Add("tools.mcp_servers[%d].transport %q is invalid (want: stdio, http)", i, s.Transport)
			}
			if s.Transport == "stdio" && s.Command == "" {
				ve.Add("tools.mcp_servers[%d].command is required for stdio transport", i)
			}
			if s.Transport == "http" && s.URL == "" {
				ve.Add("tools.mcp_servers[%d].url is required for http transport", i)
			}
		}
	}
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	if cfg.Scheduler.ReminderSpec == "" {
		ve.Add("scheduler.reminder_spec must not be empty when scheduler is enabled")
	}
	if cfg.Scheduler.IdleSpec == "" {
		ve.Add("scheduler.idle_spec must not be empty when scheduler is enabled")
	}
	if cfg.Scheduler.IdleAfter <= 0 {
		ve.Add("scheduler.idle_after must be > 0 when scheduler is enabled")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr must not be empty when gateway is enabled")
	}
	if cfg.Gateway.Auth.Type != "" && cfg.Gateway.Auth.Type != "static" {
		ve.Add("gateway.auth.type %q is invalid (want: static or empty)", cfg.Gateway.Auth.Type)
	}
	if cfg.Gateway.Auth.Type == "static" && len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must not be empty when auth type is static")
	}
	for i, t := range cfg.Gateway.Auth.Tokens {
		if t.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
	if cfg.Gateway.RateLimit.RPS < 0 {
		ve.Add("gateway.rate_limit.rps must be >= 0")
	}
	if cfg.Gateway.RateLimit.RPS > 0 && cfg.Gateway.RateLimit.Burst <= 0 {
		ve.Add("gateway.rate_limit.burst must be > 0 when rps is set")
	}
}

func validateNotify(cfg *Config, ve *ValidationError) {
	if !cfg.Notify.Slack.Enabled {
		return
	}
	if cfg.Notify.Slack.BotToken == "" {
		ve.Add("notify.slack.bot_token is required when slack notify is enabled (set via LEADFLOW_NOTIFY_SLACK_BOT_TOKEN)")
	}
	if cfg.Notify.Slack.Channel == "" {
		ve.Add("notify.slack.channel is required when slack notify is enabled")
	}
}

func validateTelemetry(cfg *Config, ve *ValidationError) {
	if cfg.Telemetry.CostLog && cfg.Telemetry.BufferSize <= 0 {
		ve.Add("telemetry.buffer_size must be > 0 when cost_log is enabled")
	}
}
