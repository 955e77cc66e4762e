package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/oceanbase/tiermem-go/pkg/core"
	"github.com/oceanbase/tiermem-go/pkg/scheduler"
	"github.com/oceanbase/tiermem-go/pkg/types"
)

var (
	schedTenant       string
	schedConsolidate  string
	schedCleanup      string
	schedMergeSimilar bool
	schedMinAgeHours  float64
	schedTimeout      time.Duration
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run consolidation and cleanup on cron schedules until interrupted",
	Long: `schedule registers a consolidation sweep and an expiry cleanup from the
scheduler section of the config (SCHEDULER_* variables), with flags taking
precedence, and runs them until SIGINT or SIGTERM.

Cron expressions use five fields or descriptors such as "@hourly" and
"@every 30m".`,
	RunE: runSchedule,
}

func init() {
	f := scheduleCmd.Flags()
	f.StringVar(&schedTenant, "tenant", "", "Tenant to consolidate (overrides scheduler.tenant_id)")
	f.StringVar(&schedConsolidate, "consolidate", "", "Cron for consolidation sweeps (overrides scheduler.consolidation_cron)")
	f.StringVar(&schedCleanup, "cleanup", "", "Cron for expiry cleanup (overrides scheduler.cleanup_cron)")
	f.BoolVar(&schedMergeSimilar, "merge", false, "Merge near-duplicates during sweeps")
	f.Float64Var(&schedMinAgeHours, "min-age-hours", 0, "Skip memories younger than this")
	f.DurationVar(&schedTimeout, "timeout", 0, "Upper bound for one job run (default 30m)")
	rootCmd.AddCommand(scheduleCmd)
}

// scheduleSettings merges the scheduler config section with the flags.
func scheduleSettings(cmd *cobra.Command, cfg core.SchedulerConfig) core.SchedulerConfig {
	flags := cmd.Flags()
	if flags.Changed("tenant") {
		cfg.TenantID = schedTenant
	}
	if flags.Changed("consolidate") {
		cfg.ConsolidationCron = schedConsolidate
	}
	if flags.Changed("cleanup") {
		cfg.CleanupCron = schedCleanup
	}
	if flags.Changed("merge") {
		cfg.MergeSimilar = schedMergeSimilar
	}
	if flags.Changed("min-age-hours") {
		cfg.MinAgeHours = schedMinAgeHours
	}
	if flags.Changed("timeout") {
		cfg.TimeoutSeconds = int(schedTimeout / time.Second)
	}
	return cfg
}

// buildScheduler registers the configured jobs. At least one is required.
func buildScheduler(client scheduler.Maintainer, cfg core.SchedulerConfig) (*scheduler.Scheduler, error) {
	s := scheduler.NewScheduler(client)
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second

	if cfg.ConsolidationCron != "" {
		opts := types.ConsolidationOptions{
			TenantID:     cfg.TenantID,
			MinAgeHours:  cfg.MinAgeHours,
			MergeSimilar: cfg.MergeSimilar,
		}
		if _, err := s.RegisterConsolidation(cfg.ConsolidationCron, opts, timeout); err != nil {
			return nil, err
		}
	}
	if cfg.CleanupCron != "" {
		if _, err := s.RegisterCleanup(cfg.CleanupCron, timeout); err != nil {
			return nil, err
		}
	}
	if s.Entries() == 0 {
		return nil, fmt.Errorf("nothing to schedule: set --consolidate or --cleanup")
	}
	return s, nil
}

func runSchedule(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	settings := scheduleSettings(cmd, client.Config().Scheduler)
	s, err := buildScheduler(client, settings)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.Start()
	log.Info().
		Str("tenant_id", settings.TenantID).
		Str("consolidation_cron", settings.ConsolidationCron).
		Str("cleanup_cron", settings.CleanupCron).
		Int("entries", s.Entries()).
		Msg("scheduler_started")

	<-ctx.Done()
	s.Stop()
	log.Info().Msg("scheduler_stopped")
	return nil
}
