package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the query catalog and report every invalid fingerprint",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	cat, err := bootstrap.LoadCatalog(cfg.Catalog)
	if err != nil {
		var joined interface{ Unwrap() []error }
		if errors.As(err, &joined) {
			for _, e := range joined.Unwrap() {
				fmt.Fprintf(out, "ERROR %v\n", e)
			}
		} else {
			fmt.Fprintf(out, "ERROR %v\n", err)
		}
		return fmt.Errorf("catalog %s is invalid", cfg.Catalog.Dir)
	}

	fmt.Fprintf(out, "%d fingerprints loaded from %s\n", cat.Len(), cfg.Catalog.Dir)
	for _, fp := range cat.Entries() {
		var flags []string
		if fp.SuppressNotification {
			flags = append(flags, "suppress-notification")
		}
		if fp.SuppressStats {
			flags = append(flags, "suppress-graph")
		}
		if !fp.ClosedOn.IsZero() {
			flags = append(flags, "closed "+fp.ClosedOn.Format("2006-01-02"))
		}
		if len(flags) > 0 {
			fmt.Fprintf(out, "  %s %v\n", fp.BugID, flags)
		}
	}
	return nil
}
