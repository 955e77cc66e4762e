// Package cmd implements the tiermem operator CLI.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/spf13/cobra"

	"github.com/oceanbase/tiermem-go/internal/telemetry"
	"github.com/oceanbase/tiermem-go/pkg/core"
)

// tracer is the package-level tracer for all CLI commands
var tracer = telemetry.Tracer("github.com/oceanbase/tiermem-go/internal/cmd")

var (
	otelShutdown func(context.Context) error

	// Version info injected via ldflags at build time
	Version = "dev"
	Commit  = "none"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	otelFlag  bool
)

var rootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Operate a tiered memory store",
	Long: `tiermem runs the maintenance side of a tiered memory engine:
consolidation sweeps, bulk forgetting, expiry cleanup and cron scheduling.

Configuration is read from --config (.yaml, .json or .env) or, when unset,
from environment variables and the nearest .env file.`,
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		core.SetupLogging(logLevel, logFormat)

		shutdown, err := telemetry.Setup("tiermem", resolvedVersion(), otelFlag || os.Getenv("TIERMEM_OTEL_ENABLED") == "true", os.Stderr)
		if err != nil {
			return fmt.Errorf("initializing OpenTelemetry: %w", err)
		}
		otelShutdown = shutdown
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (.yaml, .json or .env); default: environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&otelFlag, "otel", false, "enable OpenTelemetry (traces and metrics to stderr)")
}

// resolvedVersion returns Version unless it is "dev" and the build info
// carries a real module version.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return Version
}

// loadConfig reads --config, or the environment when it is unset.
func loadConfig() (*core.Config, error) {
	if cfgFile != "" {
		return core.LoadConfigFromFile(cfgFile)
	}
	return core.LoadConfigFromEnv()
}

// openClient is replaced in tests.
var openClient = func() (*core.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return core.NewClient(cfg)
}

// writeJSON prints v as indented JSON. Logs go to stderr.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the root command and flushes OTel on exit
func Execute() error {
	err := rootCmd.Execute()
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelShutdown(ctx)
	}
	return err
}
