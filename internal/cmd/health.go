package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthTimeout time.Duration

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the configured store and embedder are reachable",
	RunE:  runHealth,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tiermem %s (commit %s)\n", resolvedVersion(), Commit)
	},
}

func init() {
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 15*time.Second, "Give up after this long")
	rootCmd.AddCommand(healthCmd, versionCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	cfg := client.Config()
	out := cmd.OutOrStdout()
	if err := client.HealthCheck(ctx); err != nil {
		fmt.Fprintf(out, "✗ store %s, embedder %s: %v\n", cfg.Store.Provider, cfg.Embedder.Provider, err)
		return fmt.Errorf("health check failed")
	}
	fmt.Fprintf(out, "✓ store %s, embedder %s: ok\n", cfg.Store.Provider, cfg.Embedder.Provider)
	return nil
}
