package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"leadflow/internal/adapter/gateway"
	"leadflow/internal/adapter/llm"
	"leadflow/internal/adapter/notify"
	"leadflow/internal/adapter/store"
	"leadflow/internal/adapter/tool"
	"leadflow/internal/domain"
	"leadflow/internal/infra/config"
	"leadflow/internal/security"
	"leadflow/internal/usecase"
	"leadflow/internal/usecase/eventbus"
	"leadflow/internal/usecase/scheduling"
)

// Runtime bundles the long-lived components a command runs with.
type Runtime struct {
	Store      *store.Store
	Bus        *eventbus.Bus
	Registry   *llm.Registry
	Engine     *usecase.Engine
	Security   *SecurityComponents
	DataRights *security.DataRightsService
	Scheduler  *scheduling.Scheduler // nil unless scheduler.enabled
	Gateway    *gateway.Server       // nil unless gateway.enabled
	Notifier   *notify.SlackNotifier // nil unless notify.slack.enabled
}

// runtimeOptions selects which outer surfaces a command wants around the
// conversation core.
type runtimeOptions struct {
	gateway   bool
	scheduler bool
	notifier  bool
}

func serveOptions() runtimeOptions {
	return runtimeOptions{gateway: true, scheduler: true, notifier: true}
}

// consoleOptions keeps the console to the engine and its collaborators.
func consoleOptions() runtimeOptions { return runtimeOptions{} }

// buildRuntime wires the component graph in dependency order: security,
// store, bus, providers, tools, agents, engine, then the outer surfaces.
// The returned cleanup tears everything down in reverse and is safe to call
// exactly once.
func buildRuntime(ctx context.Context, cfg *config.Config, log *slog.Logger, opts runtimeOptions) (*Runtime, func(context.Context) error, error) {
	rt := &Runtime{}
	var cleanups []func(context.Context) error

	cleanup := func(ctx context.Context) error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			if err := cleanups[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	fail := func(err error) (*Runtime, func(context.Context) error, error) {
		cleanup(context.Background())
		return nil, nil, err
	}
	add := func(fn func(context.Context) error) { cleanups = append(cleanups, fn) }

	// Security: encryption, audit trail, export sandbox.
	sec, secCleanup, err := initSecurity(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	rt.Security = sec
	add(func(context.Context) error { secCleanup(); return nil })

	// Store. The encryptor interface stays nil unless one was built; a
	// typed nil would silently pass the nil checks inside the store.
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0700); err != nil {
		return fail(fmt.Errorf("create data dir: %w", err))
	}
	var enc domain.ContentEncryptor
	if sec.Encryptor != nil {
		enc = sec.Encryptor
	}
	st, err := store.Open(cfg.Store.Path, enc, log)
	if err != nil {
		return fail(fmt.Errorf("store: %w", err))
	}
	rt.Store = st
	add(func(context.Context) error { return st.Close() })

	// Event bus. Closed before the store so in-flight handlers can still
	// write.
	bus := eventbus.New(log)
	rt.Bus = bus
	add(func(context.Context) error { bus.Close(); return nil })

	// Provider stack.
	llmc, err := initLLM(cfg, bus, st, log)
	if err != nil {
		return fail(err)
	}
	rt.Registry = llmc.Registry
	if llmc.CostLog != nil {
		add(func(context.Context) error { llmc.CostLog.Close(); return nil })
	}

	// Tool catalogue.
	tools := tool.NewRegistry(log)
	if cfg.Tools.AppointmentEnabled {
		if err := tools.Register(tool.NewAppointmentTool(st, st, bus, log)); err != nil {
			return fail(err)
		}
	}
	if cfg.Tools.MCPEnabled && len(cfg.Tools.MCPServers) > 0 {
		bridge, err := tool.NewMCPBridge(ctx, cfg.Tools.MCPServers, log)
		if err != nil {
			return fail(fmt.Errorf("mcp: %w", err))
		}
		add(func(context.Context) error { bridge.Close(); return nil })
		if err := tools.RegisterAll(bridge.Tools()...); err != nil {
			return fail(err)
		}
	}

	// Agents and the conversation engine.
	identity := usecase.BrokerIdentity{
		Name:     cfg.Broker.Name,
		Timezone: cfg.Broker.Timezone,
		Language: cfg.Agents.Language,
	}
	// Most advanced agent first; the supervisor re-asserts this order anyway.
	agents := []usecase.SpecializedAgent{
		usecase.NewFollowUpAgent(llmc.Provider, identity, cfg.Agents.FollowUpPrompt, log),
		usecase.NewSchedulerAgent(llmc.Provider, tools, identity, cfg.Agents.SchedulerPrompt, log),
		usecase.NewQualifierAgent(llmc.Provider, identity, cfg.Agents.QualifierPrompt, log),
	}
	supervisor := usecase.NewSupervisor(agents, cfg.Agents.MaxHandoffs, bus, log)
	rt.Engine = usecase.NewEngine(usecase.EngineDeps{
		Supervisor: supervisor,
		Leads:      st,
		Convs:      st,
		Builder:    usecase.NewContextBuilder(st, cfg.Agents.HistoryWindow),
		Bus:        bus,
		Logger:     log,
		BrokerID:   cfg.Broker.ID,
	})

	// Data-subject rights over the store.
	rt.DataRights = security.NewDataRightsService(st, sec.Sandbox, sec.Audit, log)

	// Background sweeps.
	if opts.scheduler && cfg.Scheduler.Enabled {
		sched := scheduling.NewScheduler(log)
		deps := scheduling.SweeperDeps{
			Leads:     st,
			Convs:     st,
			Reminders: st,
			Bus:       bus,
			Logger:    log,
			Config:    cfg.Scheduler,
		}
		if sec.FileAudit != nil {
			deps.Retention = sec.FileAudit
		}
		unsub, err := scheduling.NewSweeper(deps).Attach(sched)
		if err != nil {
			return fail(err)
		}
		rt.Scheduler = sched
		add(func(context.Context) error { unsub(); return sched.Stop() })
	}

	// Gateway. Start blocks and shuts itself down on context cancellation,
	// so it owns no cleanup entry here.
	if opts.gateway && cfg.Gateway.Enabled {
		srv := gateway.NewServer(bus, gateway.NewAuthenticator(cfg.Gateway.Auth), cfg.Gateway, log)
		gateway.RegisterHandlers(srv, gateway.HandlerDeps{
			Engine:     rt.Engine,
			Leads:      st,
			DataRights: rt.DataRights,
			ExportsDir: cfg.Security.ExportsDir,
			Logger:     log,
			Status: gateway.StatusDeps{
				Version:  version,
				Breakers: breakerStatus(llmc.Breakers),
				Pipeline: st.PipelineCounts,
				Costs:    costStatus(st),
			},
		})
		rt.Gateway = srv
	}

	// Broker notifications.
	if opts.notifier && cfg.Notify.Slack.Enabled {
		notifier := notify.NewSlackNotifier(cfg.Notify.Slack, log)
		notifier.Attach(bus)
		rt.Notifier = notifier
		add(func(context.Context) error { notifier.Detach(); return nil })
	}

	return rt, cleanup, nil
}

// breakerStatus adapts the breaker wrappers to the status API shape.
func breakerStatus(breakers []*llm.BreakerProvider) func() []gateway.ProviderStatus {
	if len(breakers) == 0 {
		return nil
	}
	return func() []gateway.ProviderStatus {
		out := make([]gateway.ProviderStatus, 0, len(breakers))
		for _, b := range breakers {
			counts := b.Counts()
			out = append(out, gateway.ProviderStatus{
				Name:                b.Name(),
				Breaker:             b.State().String(),
				Requests:            counts.Requests,
				TotalFailures:       counts.TotalFailures,
				ConsecutiveFailures: counts.ConsecutiveFailures,
			})
		}
		return out
	}
}

// costStatus reports the last 24 hours of provider-call accounting.
func costStatus(st *store.Store) func(context.Context) (*gateway.CostStatus, error) {
	return func(ctx context.Context) (*gateway.CostStatus, error) {
		sum, err := st.CostSince(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return nil, err
		}
		return &gateway.CostStatus{
			Calls:            sum.Calls,
			PromptTokens:     sum.PromptTokens,
			CompletionTokens: sum.CompletionTokens,
			Errors:           sum.Errors,
		}, nil
	}
}
