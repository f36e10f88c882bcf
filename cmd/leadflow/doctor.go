package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"leadflow/internal/adapter/notify"
	"leadflow/internal/adapter/store"
	"leadflow/internal/infra/config"
	"leadflow/internal/security"
	"leadflow/internal/usecase/scheduling"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config — some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Provider API keys", Fn: checkProviderKeys},
		{Name: "Provider connectivity", Fn: checkProviderConnectivity},
		{Name: "Lead store", Fn: checkStore},
		{Name: "PII encryption", Fn: checkEncryption},
		{Name: "Audit trail", Fn: checkAudit},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Slack notifier", Fn: checkSlack},
		{Name: "Scheduler specs", Fn: checkSchedulerSpecs},
		{Name: "MCP servers", Fn: checkMCPServers},
	}

	fmt.Println("leadflow doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above before putting leadflow in front of leads.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nleadflow should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! leadflow is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and
// parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s — running on defaults and LEADFLOW_* env", cfgPath),
				Fix:     "Copy config.example.yaml to config.yaml and edit it",
			}
		}
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600)",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkProviderKeys verifies each configured provider has credentials.
// Bedrock authenticates through the AWS credential chain and needs no key.
func checkProviderKeys(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if len(cfg.LLM.Providers) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "no LLM providers configured",
			Fix:     "Add at least one provider in config.yaml under llm.providers",
		}
	}

	var withKey, withoutKey []string
	for _, p := range cfg.LLM.Providers {
		if p.APIKey != "" || providerKind(p) == "bedrock" {
			withKey = append(withKey, p.Name)
		} else {
			withoutKey = append(withoutKey, p.Name)
		}
	}

	if len(withKey) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("no API keys for providers: %s", strings.Join(withoutKey, ", ")),
			Fix:     "Set keys via env (e.g. LEADFLOW_LLM_PROVIDER_ANTHROPIC_API_KEY)",
		}
	}
	if len(withoutKey) > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("keys for [%s]; missing for [%s]", strings.Join(withKey, ", "), strings.Join(withoutKey, ", ")),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("credentials configured for: %s", strings.Join(withKey, ", ")),
	}
}

// checkProviderConnectivity tests if the default provider is reachable.
func checkProviderConnectivity(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	var provider *config.ProviderConfig
	for i := range cfg.LLM.Providers {
		if cfg.LLM.Providers[i].Name == cfg.LLM.DefaultProvider {
			provider = &cfg.LLM.Providers[i]
			break
		}
	}
	if provider == nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("default provider %q not found in config", cfg.LLM.DefaultProvider),
		}
	}
	if providerKind(*provider) == "bedrock" {
		return CheckResult{
			Status:  StatusPass,
			Message: "bedrock uses the AWS SDK credential chain, connectivity not probed",
		}
	}

	endpoint := providerEndpoint(provider)
	if endpoint == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no known endpoint for provider type %q, skipping", provider.Type),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("failed to create request: %v", err)}
	}
	resp, err := http.DefaultClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", endpoint, err),
			Fix:     "Check your internet connection and firewall settings",
		}
	}
	resp.Body.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s reachable (latency: %dms)", provider.Name, latency.Milliseconds()),
	}
}

func providerKind(p config.ProviderConfig) string {
	if p.Type != "" {
		return p.Type
	}
	return p.Name
}

// providerEndpoint returns a ping URL for the given provider.
func providerEndpoint(p *config.ProviderConfig) string {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/")
	}
	switch providerKind(*p) {
	case "anthropic":
		return "https://api.anthropic.com/"
	case "openai":
		return "https://api.openai.com/v1/models"
	default:
		return ""
	}
}

// checkStore opens the lead database and runs the schema migration.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("data directory %s cannot be created: %v", dir, err),
			Fix:     fmt.Sprintf("Create it by hand: mkdir -p %s", dir),
		}
	}

	st, err := store.Open(cfg.Store.Path, nil, discardLogger())
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open store at %s: %v", cfg.Store.Path, err),
		}
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := st.PipelineCounts(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("schema check failed: %v", err)}
	}
	total := 0
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("store OK at %s (%d leads)", cfg.Store.Path, total),
	}
}

// checkEncryption verifies the encryption flags and key agree.
func checkEncryption(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}

	wanted := cfg.Store.EncryptPII || cfg.Security.Encryption.Enabled
	keySet := os.Getenv("LEADFLOW_ENCRYPTION_KEY") != ""

	switch {
	case wanted && !keySet:
		return CheckResult{
			Status:  StatusFail,
			Message: "encryption enabled but LEADFLOW_ENCRYPTION_KEY is not set",
			Fix:     "export LEADFLOW_ENCRYPTION_KEY=<passphrase> before starting",
		}
	case !wanted && keySet:
		return CheckResult{
			Status:  StatusWarn,
			Message: "LEADFLOW_ENCRYPTION_KEY is set but encryption is disabled",
			Fix:     "Enable store.encrypt_pii in config.yaml or unset the variable",
		}
	case wanted:
		return CheckResult{Status: StatusPass, Message: "PII encryption on, key present"}
	default:
		return CheckResult{
			Status:  StatusWarn,
			Message: "lead PII will be stored in plaintext",
			Fix:     "Set store.encrypt_pii: true and LEADFLOW_ENCRYPTION_KEY",
		}
	}
}

// checkAudit verifies the audit trail destination is usable.
func checkAudit(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Security.Audit.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "audit trail disabled, lead-data access will not be recorded",
		}
	}
	if _, err := security.ParseRetentionMaxSize(cfg.Security.Audit.MaxSize); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("audit max_size invalid: %v", err),
			Fix:     `Use a size like "50MB" or "1GB"`,
		}
	}

	dir := filepath.Dir(cfg.Security.Audit.Path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("audit directory %s cannot be created: %v", dir, err),
		}
	}
	probe := filepath.Join(dir, ".doctor-check")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("audit directory %s not writable: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 700 %s", dir),
		}
	}
	os.Remove(probe)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("audit trail at %s", cfg.Security.Audit.Path),
	}
}

// checkGatewayAuth warns when the HTTP gateway runs without tokens.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Gateway.Enabled {
		return CheckResult{Status: StatusPass, Message: "gateway disabled"}
	}

	tokens := 0
	for _, t := range cfg.Gateway.Auth.Tokens {
		if t.Token != "" {
			tokens++
		}
	}
	if tokens == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("gateway on %s accepts unauthenticated requests", cfg.Gateway.Addr),
			Fix:     "Add tokens under gateway.auth.tokens in config.yaml",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("gateway on %s with %d auth token(s)", cfg.Gateway.Addr, tokens),
	}
}

// checkSlack verifies the notifier token against the Slack API.
func checkSlack(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Notify.Slack.Enabled {
		return CheckResult{Status: StatusPass, Message: "slack notifications disabled"}
	}
	if cfg.Notify.Slack.BotToken == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "slack enabled but bot_token is empty",
			Fix:     "Set LEADFLOW_NOTIFY_SLACK_BOT_TOKEN or notify.slack.bot_token",
		}
	}
	if cfg.Notify.Slack.Channel == "" {
		return CheckResult{
			Status:  StatusFail,
			Message: "slack enabled but channel is empty",
			Fix:     "Set notify.slack.channel to the broker channel ID",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := notify.NewSlackNotifier(cfg.Notify.Slack, discardLogger()).Verify(ctx); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("slack auth test failed: %v", err),
			Fix:     "Check the bot token and its channel permissions",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("slack token valid, posting to %s", cfg.Notify.Slack.Channel),
	}
}

// checkSchedulerSpecs validates the sweep schedules without starting them.
func checkSchedulerSpecs(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Scheduler.Enabled {
		return CheckResult{Status: StatusPass, Message: "scheduler disabled"}
	}

	sched := scheduling.NewScheduler(discardLogger())
	noop := func(context.Context) error { return nil }
	specs := map[string]string{
		"reminder_spec":  cfg.Scheduler.ReminderSpec,
		"idle_spec":      cfg.Scheduler.IdleSpec,
		"retention_spec": cfg.Scheduler.RetentionSpec,
	}
	var bad []string
	for name, spec := range specs {
		if err := sched.AddSweep(name, spec, noop); err != nil {
			bad = append(bad, fmt.Sprintf("%s=%q", name, spec))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("invalid sweep spec(s): %s", strings.Join(bad, ", ")),
			Fix:     `Use a cron expression ("@daily", "*/5 * * * *") or a duration ("30m")`,
		}
	}
	return CheckResult{Status: StatusPass, Message: "sweep schedules valid"}
}

// checkMCPServers validates MCP server entries without connecting.
func checkMCPServers(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Tools.MCPEnabled {
		return CheckResult{Status: StatusPass, Message: "MCP bridge disabled"}
	}
	if len(cfg.Tools.MCPServers) == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: "MCP enabled but no servers configured",
			Fix:     "Add entries under tools.mcp_servers or disable tools.mcp_enabled",
		}
	}

	var bad []string
	for _, srv := range cfg.Tools.MCPServers {
		switch srv.Transport {
		case "stdio":
			if _, err := exec.LookPath(srv.Command); err != nil {
				bad = append(bad, fmt.Sprintf("%s: command %q not found", srv.Name, srv.Command))
			}
		case "http":
			if err := security.ValidateEndpoint(srv.URL, srv.AllowLoopback); err != nil {
				bad = append(bad, fmt.Sprintf("%s: %v", srv.Name, err))
			}
		default:
			bad = append(bad, fmt.Sprintf("%s: unsupported transport %q", srv.Name, srv.Transport))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: strings.Join(bad, "; "),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%d MCP server(s) look sane", len(cfg.Tools.MCPServers)),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
