// Package scheduling runs the recurring background work around the
// conversation core: due-reminder delivery, idle-lead nudges, and history
// retention.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// sweepTimeout bounds a single sweep run.
const sweepTimeout = 5 * time.Minute

// Scheduler runs registered sweeps on cron expressions or fixed intervals.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
	}
}

// AddSweep registers a recurring sweep. The spec is a cron expression
// ("*/5 * * * *", "@daily") or a plain duration ("30m").
func (s *Scheduler) AddSweep(name, spec string, fn func(ctx context.Context) error) error {
	schedule, err := parseSchedule(spec)
	if err != nil {
		return fmt.Errorf("scheduler: invalid spec %q for sweep %q: %w", spec, name, err)
	}

	logger := s.logger
	s.cron.Schedule(schedule, cron.FuncJob(func() {
		// Read context under lock
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping sweep", "sweep", name)
			return
		}

		sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(sweepCtx); err != nil {
			logger.Warn("sweep failed",
				"sweep", name,
				"error", err,
				"duration", time.Since(start))
		} else {
			logger.Debug("sweep completed",
				"sweep", name,
				"duration", time.Since(start))
		}
	}))

	logger.Info("sweep registered", "sweep", name, "spec", spec)
	return nil
}

// Start begins running the registered sweeps.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
	return nil
}

// Stop signals the scheduler to stop and waits for running sweeps to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
	s.ctx = nil
	return nil
}

// parseSchedule tries to parse a schedule string as a cron expression first,
// then falls back to time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval. Unlike
// cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
