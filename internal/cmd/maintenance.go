package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oceanbase/tiermem-go/pkg/types"
)

var (
	consolidateOpts types.ConsolidationOptions

	forgetCriteria types.ForgetCriteria
	forgetTypes    []string
)

var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run one consolidation sweep (promote, demote, merge, archive)",
	RunE:  runConsolidate,
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Forget memories matching the given filters",
	Long: `Forget soft-deletes (or with --hard, removes) every memory matching all
of the given filters. --tenant is required.`,
	RunE: runForget,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove memories whose expiry has passed",
	RunE:  runCleanup,
}

func init() {
	f := consolidateCmd.Flags()
	f.StringVar(&consolidateOpts.TenantID, "tenant", "", "Tenant ID (required)")
	f.StringVar(&consolidateOpts.UserID, "user", "", "Restrict the sweep to one user")
	f.Float64Var(&consolidateOpts.MinAgeHours, "min-age-hours", 0, "Skip memories younger than this")
	f.IntVar(&consolidateOpts.BatchSize, "batch-size", 0, "Memories per batch (default 100)")
	f.BoolVar(&consolidateOpts.MergeSimilar, "merge", false, "Merge near-duplicate memories")
	f.Float64Var(&consolidateOpts.MergeThreshold, "merge-threshold", 0, "Similarity needed to merge (default 0.92)")
	f.BoolVar(&consolidateOpts.DryRun, "dry-run", false, "Report planned changes without writing")

	f = forgetCmd.Flags()
	f.StringVar(&forgetCriteria.TenantID, "tenant", "", "Tenant ID (required)")
	f.StringVar(&forgetCriteria.UserID, "user", "", "User ID")
	f.StringVar(&forgetCriteria.ChatbotID, "chatbot", "", "Chatbot ID")
	f.StringSliceVar(&forgetTypes, "types", nil, "Memory types to match")
	f.Float64Var(&forgetCriteria.DecayThreshold, "decay-below", 0, "Match memories whose decay score is below this")
	f.Float64Var(&forgetCriteria.OlderThanDays, "older-than-days", 0, "Match memories older than this")
	f.StringSliceVar(&forgetCriteria.Tags, "tags", nil, "Match memories carrying any of these tags")
	f.StringSliceVar(&forgetCriteria.ContainsKeywords, "keywords", nil, "Match memories containing any of these words")
	f.StringSliceVar(&forgetCriteria.MemoryIDs, "ids", nil, "Match these memory IDs")
	f.BoolVar(&forgetCriteria.HardDelete, "hard", false, "Remove records instead of soft-deleting")
	f.BoolVar(&forgetCriteria.SkipHighImportance, "skip-important", false, "Keep memories at or above --importance-threshold")
	f.Float64Var(&forgetCriteria.ImportanceThreshold, "importance-threshold", 0, "Importance kept by --skip-important (default 0.8)")

	rootCmd.AddCommand(consolidateCmd, forgetCmd, cleanupCmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cli.consolidate",
		trace.WithAttributes(attribute.String("tenant_id", consolidateOpts.TenantID)))
	defer span.End()

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Consolidate(ctx, consolidateOpts)
	if res != nil {
		if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
			return werr
		}
	}
	return err
}

func runForget(cmd *cobra.Command, args []string) error {
	ctx, span := tracer.Start(cmd.Context(), "cli.forget",
		trace.WithAttributes(attribute.String("tenant_id", forgetCriteria.TenantID)))
	defer span.End()

	criteria := forgetCriteria
	criteria.Types = nil
	for _, t := range forgetTypes {
		mt := types.MemoryType(t)
		if !mt.Valid() {
			return fmt.Errorf("unknown memory type %q", t)
		}
		criteria.Types = append(criteria.Types, mt)
	}

	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Forget(ctx, criteria)
	if res != nil {
		if werr := writeJSON(cmd.OutOrStdout(), res); werr != nil {
			return werr
		}
	}
	return err
}

func runCleanup(cmd *cobra.Command, args []string) error {
	client, err := openClient()
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := client.CleanupExpired(cmd.Context())
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]int{"removed": n})
}
