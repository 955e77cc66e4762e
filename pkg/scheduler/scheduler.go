// Package scheduler runs consolidation sweeps and expiry cleanup on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

// DefaultJobTimeout bounds a single job run when no timeout is given.
const DefaultJobTimeout = 30 * time.Minute

// Maintainer is the maintenance surface the scheduler drives. *core.Client
// implements it.
type Maintainer interface {
	Consolidate(ctx context.Context, opts types.ConsolidationOptions) (*types.ConsolidationResult, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Scheduler manages cron-based maintenance jobs.
//
// Cron expressions use the standard 5-field format (minute hour
// day-of-month month day-of-week) plus descriptors such as "@hourly" and
// "@every 30m". A job that is still running when its next tick fires is
// skipped for that tick.
type Scheduler struct {
	cron   *cron.Cron
	target Maintainer
	logger zerolog.Logger
	chain  cron.Chain
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// NewScheduler creates a scheduler driving target.
func NewScheduler(target Maintainer, opts ...Option) *Scheduler {
	s := &Scheduler{
		target: target,
		logger: log.With().Str("component", "scheduler").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
	s.chain = cron.NewChain(cron.SkipIfStillRunning(cl))
	return s
}

// RegisterConsolidation schedules a consolidation sweep.
//
// Parameters:
//   - spec: Cron expression
//   - opts: Sweep options; TenantID is required
//   - timeout: Upper bound for one run; zero means DefaultJobTimeout
//
// Returns the cron entry id.
func (s *Scheduler) RegisterConsolidation(spec string, opts types.ConsolidationOptions, timeout time.Duration) (cron.EntryID, error) {
	if opts.TenantID == "" {
		return 0, fmt.Errorf("registering consolidation: %w: tenant_id is required", types.ErrValidation)
	}
	return s.add("consolidation", spec, s.consolidationJob(opts, orDefault(timeout)))
}

// RegisterCleanup schedules removal of expired memories.
func (s *Scheduler) RegisterCleanup(spec string, timeout time.Duration) (cron.EntryID, error) {
	return s.add("cleanup", spec, s.cleanupJob(orDefault(timeout)))
}

func (s *Scheduler) add(name, spec string, fn func()) (cron.EntryID, error) {
	id, err := s.cron.AddJob(spec, s.chain.Then(cron.FuncJob(fn)))
	if err != nil {
		return 0, fmt.Errorf("registering %s cron %q: %w", name, spec, err)
	}
	s.logger.Debug().Str("job", name).Str("spec", spec).Int("entry_id", int(id)).Msg("job_registered")
	return id, nil
}

func (s *Scheduler) consolidationJob(opts types.ConsolidationOptions, timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		s.logger.Info().Str("tenant_id", opts.TenantID).Msg("scheduled_consolidation_fired")
		res, err := s.target.Consolidate(ctx, opts)
		if err != nil {
			ev := s.logger.Error().Err(err).Str("tenant_id", opts.TenantID)
			if res != nil {
				ev = ev.Int("processed", res.Processed).Bool("cancelled", res.Cancelled)
			}
			ev.Msg("scheduled_consolidation_failed")
			return
		}
		s.logger.Info().
			Str("tenant_id", opts.TenantID).
			Str("run_id", res.RunID).
			Int("changes", res.Changes()).
			Msg("scheduled_consolidation_done")
	}
}

func (s *Scheduler) cleanupJob(timeout time.Duration) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		n, err := s.target.CleanupExpired(ctx)
		if err != nil {
			s.logger.Error().Err(err).Msg("scheduled_cleanup_failed")
			return
		}
		s.logger.Info().Int("removed", n).Msg("scheduled_cleanup_done")
	}
}

// Start begins executing registered jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs to complete.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Entries returns the number of registered cron entries.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

func orDefault(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return DefaultJobTimeout
	}
	return timeout
}

// cronLogger routes cron's internal logging to zerolog.
type cronLogger struct {
	l zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug().Fields(keysAndValues).Msg("cron_" + msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error().Err(err).Fields(keysAndValues).Msg("cron_" + msg)
}
