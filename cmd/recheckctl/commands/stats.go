package commands

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/recheckstack/recheck/internal/api"
	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/models"
)

var statsHours int

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Compute per-fingerprint match ratios over a trailing window",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().IntVar(&statsHours, "hours", 24, "Length of the reporting window in hours")
}

func runStats(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if statsHours <= 0 {
		return fmt.Errorf("--hours must be positive")
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
	window, err := models.NewTimeWindow(end.Add(-time.Duration(statsHours)*time.Hour), end)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
	defer cancel()

	report, err := st.engine.ComputeStats(ctx, window)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "window %s\n", window)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BUG\tMATCHES\tRUNS\tRATIO")
	for _, s := range api.SortedStats(report.Fingerprints) {
		ratio := fmt.Sprintf("%.2f%%", s.Ratio()*100)
		if s.Skipped {
			ratio = "skipped"
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", s.BugID, s.Matches, s.TotalRuns, ratio)
	}
	return tw.Flush()
}
