package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	LLM       LLMConfig       `yaml:"llm"`
	Agents    AgentsConfig    `yaml:"agents"`
	Store     StoreConfig     `yaml:"store"`
	Tools     ToolsConfig     `yaml:"tools"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Notify    NotifyConfig    `yaml:"notify"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Security  SecurityConfig  `yaml:"security"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// BrokerConfig identifies the brokerage this instance qualifies leads for.
type BrokerConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"` // IANA name, e.g. "America/Santiago"
}

// FailoverConfig holds provider failover and retry settings.
type FailoverConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Fallbacks  []string      `yaml:"fallbacks"`
	MaxRetries int           `yaml:"max_retries"` // retries after the first attempt
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
	Interval    time.Duration `yaml:"interval"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	Failover        FailoverConfig       `yaml:"failover"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// AgentsConfig holds conversation agent behavior settings.
type AgentsConfig struct {
	MaxHandoffs   int    `yaml:"max_handoffs"`   // handoff hops allowed within one turn
	MaxToolRounds int    `yaml:"max_tool_rounds"`
	HistoryWindow int    `yaml:"history_window"` // messages kept per lead conversation
	Language      string `yaml:"language"`       // reply language, e.g. "es"

	// Optional overrides for the built-in agent prompts.
	QualifierPrompt string `yaml:"qualifier_prompt,omitempty"`
	SchedulerPrompt string `yaml:"scheduler_prompt,omitempty"`
	FollowUpPrompt  string `yaml:"follow_up_prompt,omitempty"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path       string `yaml:"path"`        // SQLite database file
	EncryptPII bool   `yaml:"encrypt_pii"` // encrypt lead contact fields at rest
}

// ToolsConfig holds tool system settings.
type ToolsConfig struct {
	AppointmentEnabled bool          `yaml:"appointment_enabled"`
	AppointmentTimeout time.Duration `yaml:"appointment_timeout"`

	// MCP (Model Context Protocol) bridge for external CRM tooling.
	MCPEnabled bool        `yaml:"mcp_enabled"`
	MCPServers []MCPServer `yaml:"mcp_servers,omitempty"`
}

// MCPServer configures an MCP server connection. AllowLoopback is the
// opt-in for an HTTP server running on this machine; other private
// addresses stay blocked regardless.
type MCPServer struct {
	Name          string            `yaml:"name"`
	Transport     string            `yaml:"transport"` // "stdio" or "http"
	Command       string            `yaml:"command,omitempty"`
	Args          []string          `yaml:"args,omitempty"`
	URL           string            `yaml:"url,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	AllowLoopback bool              `yaml:"allow_loopback,omitempty"`
}

// SchedulerConfig holds background sweep settings.
type SchedulerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	ReminderSpec     string        `yaml:"reminder_spec"`      // cron spec for the reminder sweep
	IdleSpec         string        `yaml:"idle_spec"`          // cron spec for the idle-lead sweep
	RetentionSpec    string        `yaml:"retention_spec"`     // cron spec for the retention sweep
	IdleAfter        time.Duration `yaml:"idle_after"`         // inactivity before a follow-up nudge
	ReminderLeadTime time.Duration `yaml:"reminder_lead_time"` // how long before a visit the reminder fires
	MessageMaxAge    time.Duration `yaml:"message_max_age"`    // conversation history retention window
}

// GatewayConfig holds HTTP gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-gateway request rate limits.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// NotifyConfig holds broker notification settings.
type NotifyConfig struct {
	Slack SlackNotifyConfig `yaml:"slack"`
}

// SlackNotifyConfig holds Slack notifier settings.
type SlackNotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// TelemetryConfig holds provider call accounting settings.
type TelemetryConfig struct {
	CostLog    bool `yaml:"cost_log"`    // record per-call token usage rows
	BufferSize int  `yaml:"buffer_size"` // async writer queue size
}

// SecurityConfig holds security settings.
// Passphrase for PII encryption is read from LEADFLOW_ENCRYPTION_KEY.
type SecurityConfig struct {
	Encryption EncryptionConfig `yaml:"encryption"`
	Audit      AuditConfig      `yaml:"audit"`
	ExportsDir string           `yaml:"exports_dir"` // root for data-subject export files
}

// EncryptionConfig holds content encryption settings.
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuditConfig holds the lead-data access trail settings.
type AuditConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	MaxAge  time.Duration `yaml:"max_age"`  // entries older than this are swept
	MaxSize string        `yaml:"max_size"` // e.g. "50MB"; oldest entries trimmed past it
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings. SampleRatio keeps the given fraction
// of traces; zero or an out-of-range value samples everything.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.leadflow/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".leadflow", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Broker: BrokerConfig{
			ID:       "default",
			Name:     "Corredora",
			Timezone: "America/Santiago",
		},
		LLM: LLMConfig{
			DefaultProvider: "anthropic",
			Failover: FailoverConfig{
				Enabled:    true,
				MaxRetries: 2,
				BaseDelay:  500 * time.Millisecond,
				MaxDelay:   4 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Cooldown:    45 * time.Second,
			},
		},
		Agents: AgentsConfig{
			MaxHandoffs:   2,
			MaxToolRounds: 5,
			HistoryWindow: 40,
			Language:      "es",
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "leadflow.db"),
		},
		Tools: ToolsConfig{
			AppointmentEnabled: true,
			AppointmentTimeout: 15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:          false,
			ReminderSpec:     "@every 1m",
			IdleSpec:         "@every 15m",
			RetentionSpec:    "@daily",
			IdleAfter:        24 * time.Hour,
			ReminderLeadTime: 24 * time.Hour,
			MessageMaxAge:    180 * 24 * time.Hour,
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    ":8080",
			RateLimit: RateLimitConfig{
				RPS:   10,
				Burst: 20,
			},
		},
		Telemetry: TelemetryConfig{
			CostLog:    true,
			BufferSize: 256,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Security: SecurityConfig{
			Encryption: EncryptionConfig{Enabled: false},
			Audit: AuditConfig{
				Enabled: true,
				Path:    filepath.Join(dataDir, "audit.jsonl"),
				MaxAge:  90 * 24 * time.Hour,
				MaxSize: "50MB",
			},
			ExportsDir: filepath.Join(dataDir, "exports"),
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	// First pass: unmarshal to get the includes list.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (merges included files into cfg).
	hasIncludes := len(cfg.Includes) > 0
	if hasIncludes {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}

		// Second pass: re-unmarshal main config so it takes precedence over includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("LEADFLOW_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps LEADFLOW_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LEADFLOW_BROKER_ID"); v != "" {
		cfg.Broker.ID = v
	}
	if v := os.Getenv("LEADFLOW_BROKER_NAME"); v != "" {
		cfg.Broker.Name = v
	}
	if v := os.Getenv("LEADFLOW_BROKER_TIMEZONE"); v != "" {
		cfg.Broker.Timezone = v
	}
	if v := os.Getenv("LEADFLOW_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("LEADFLOW_LLM_FAILOVER_ENABLED"); v == "false" {
		cfg.LLM.Failover.Enabled = false
	}
	if v := os.Getenv("LEADFLOW_LLM_FAILOVER_FALLBACKS"); v != "" {
		cfg.LLM.Failover.Fallbacks = splitAndTrim(v, ",")
	}
	if v := os.Getenv("LEADFLOW_LLM_FAILOVER_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LLM.Failover.MaxRetries = n
		}
	}
	if v := os.Getenv("LEADFLOW_LLM_CIRCUIT_BREAKER_ENABLED"); v == "false" {
		cfg.LLM.CircuitBreaker.Enabled = false
	}
	if v := os.Getenv("LEADFLOW_LLM_CIRCUIT_BREAKER_MAX_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LLM.CircuitBreaker.MaxFailures = uint32(n)
		}
	}
	if v := os.Getenv("LEADFLOW_LLM_CIRCUIT_BREAKER_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.LLM.CircuitBreaker.Cooldown = d
		}
	}
	if v := os.Getenv("LEADFLOW_AGENTS_MAX_HANDOFFS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Agents.MaxHandoffs = n
		}
	}
	if v := os.Getenv("LEADFLOW_AGENTS_HISTORY_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agents.HistoryWindow = n
		}
	}
	if v := os.Getenv("LEADFLOW_AGENTS_LANGUAGE"); v != "" {
		cfg.Agents.Language = v
	}
	if v := os.Getenv("LEADFLOW_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LEADFLOW_STORE_ENCRYPT_PII"); v == "true" {
		cfg.Store.EncryptPII = true
	}
	if v := os.Getenv("LEADFLOW_SCHEDULER_ENABLED"); v == "true" {
		cfg.Scheduler.Enabled = true
	}
	if v := os.Getenv("LEADFLOW_SCHEDULER_IDLE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Scheduler.IdleAfter = d
		}
	}
	if v := os.Getenv("LEADFLOW_GATEWAY_ENABLED"); v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("LEADFLOW_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("LEADFLOW_NOTIFY_SLACK_ENABLED"); v == "true" {
		cfg.Notify.Slack.Enabled = true
	}
	if v := os.Getenv("LEADFLOW_NOTIFY_SLACK_BOT_TOKEN"); v != "" {
		cfg.Notify.Slack.BotToken = v
	}
	if v := os.Getenv("LEADFLOW_NOTIFY_SLACK_CHANNEL"); v != "" {
		cfg.Notify.Slack.Channel = v
	}
	if v := os.Getenv("LEADFLOW_TELEMETRY_COST_LOG"); v == "false" {
		cfg.Telemetry.CostLog = false
	}
	if v := os.Getenv("LEADFLOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LEADFLOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LEADFLOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LEADFLOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("LEADFLOW_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.Tracer.SampleRatio = f
		}
	}
	if v := os.Getenv("LEADFLOW_SECURITY_ENCRYPTION_ENABLED"); v == "true" {
		cfg.Security.Encryption.Enabled = true
	}
	if v := os.Getenv("LEADFLOW_SECURITY_AUDIT_ENABLED"); v == "false" {
		cfg.Security.Audit.Enabled = false
	}
	if v := os.Getenv("LEADFLOW_SECURITY_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}
	if v := os.Getenv("LEADFLOW_TOOLS_MCP_ENABLED"); v == "true" {
		cfg.Tools.MCPEnabled = true
	}

	// Per-provider API key overrides: LEADFLOW_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("LEADFLOW_LLM_PROVIDER_%s_API_KEY",
			strings.ToUpper(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}

	if strings.HasPrefix(cfg.Notify.Slack.BotToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Notify.Slack.BotToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("slack bot_token: %w", err)
		}
		cfg.Notify.Slack.BotToken = decrypted
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}

	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	key := deriveKey(passphrase, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
