package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/patterns"
)

var (
	cleanupDays    int
	cleanupHotspot float64
	cleanupRemove  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Find fingerprints that stopped matching or belong to closed bugs",
	Long: `Compute statistics over the last --days days and list fingerprints with no
hits, closed bugs with no hits, and (with --hotspot) fingerprints matching at
least that share of eligible runs. With --remove, query files of closed bugs
without hits are deleted.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Days of history to inspect")
	cleanupCmd.Flags().Float64Var(&cleanupHotspot, "hotspot", 0, "Report fingerprints matching at least this fraction of runs (0 disables)")
	cleanupCmd.Flags().BoolVar(&cleanupRemove, "remove", false, "Delete query files of closed bugs without hits")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cleanupDays <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	logger := newLogger(cmd.ErrOrStderr())

	cat, err := bootstrap.LoadCatalog(cfg.Catalog)
	if err != nil {
		return err
	}
	st, err := buildStack(cfg, cat, logger)
	if err != nil {
		return err
	}
	defer st.close()

	end := time.Now().UTC().Truncate(time.Hour)
	window, err := models.NewTimeWindow(end.Add(-time.Duration(cleanupDays)*24*time.Hour), end)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	report, err := st.engine.ComputeStats(ctx, window)
	if err != nil {
		return err
	}
	findings, err := patterns.NewMiner(logger, nil, cleanupHotspot).Mine(ctx, cat, report)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(findings) == 0 {
		fmt.Fprintln(out, "no findings")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUG\tFINDING\tMATCHES\tRUNS\tFILE")
	for _, f := range findings {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", f.BugID, f.Kind, f.Matches, f.TotalRuns, f.Origin)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(report.Skipped) > 0 {
		fmt.Fprintf(out, "skipped (backend errors): %v\n", report.Skipped)
	}

	if !cleanupRemove {
		return nil
	}
	for _, f := range findings {
		if f.Kind != patterns.Closed || f.Origin == "" {
			continue
		}
		if err := os.Remove(f.Origin); err != nil {
			return fmt.Errorf("remove %s: %w", f.Origin, err)
		}
		fmt.Fprintf(out, "removed %s\n", f.Origin)
	}
	return nil
}
