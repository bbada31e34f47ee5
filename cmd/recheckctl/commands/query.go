package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/extractors"
	"github.com/recheckstack/recheck/internal/models"
)

var (
	queryDays     int
	queryQuantity int
	queryVerbose  bool
	querySamples  int
)

var queryCmd = &cobra.Command{
	Use:   "query <bug-id | query-file>",
	Short: "Run one fingerprint and summarise the attributes of its hits",
	Long: `Run a single fingerprint over the last --days days and print which
attribute values dominate its hits. The argument is either a bug identifier in
the configured catalog or the path to a standalone query file.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVar(&queryDays, "days", 10, "Days of history to search")
	queryCmd.Flags().IntVar(&queryQuantity, "quantity", 5, "Values shown per attribute")
	queryCmd.Flags().IntVar(&querySamples, "samples", 100, "Hits sampled for the attribute summary")
	queryCmd.Flags().BoolVarP(&queryVerbose, "verbose", "v", false, "Include per-run attributes such as build_uuid")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if queryDays <= 0 {
		return fmt.Errorf("--days must be positive")
	}
	logger := newLogger(cmd.ErrOrStderr())

	cat, bugID, err := queryCatalog(cfg, args[0])
	if err != nil {
		return err
	}
	st, err := buildStack(cfg, cat, logger)
	if err != nil {
		return err
	}
	defer st.close()

	end := time.Now().UTC()
	window, err := models.NewTimeWindow(end.Add(-time.Duration(queryDays)*24*time.Hour), end)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
	defer cancel()

	analysis, err := st.engine.Analyze(ctx, bugID, window, querySamples)
	if err != nil {
		return err
	}

	fp, _ := cat.Find(bugID)
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d hits in the last %d days (%d sampled)\n", bugID, analysis.TotalHits, queryDays, analysis.Samples)
	fmt.Fprintf(out, "logstash: %s\n", catalog.EncodeLogstashQuery(fp.Raw, queryDays*86400))
	for _, name := range analysis.Names() {
		if !queryVerbose && slices.Contains(extractors.NoisyAttributes, name) {
			continue
		}
		shares := analysis.Attributes[name]
		if len(shares) > queryQuantity {
			shares = shares[:queryQuantity]
		}
		fmt.Fprintf(out, "%s\n", name)
		for _, s := range shares {
			fmt.Fprintf(out, "  %5.1f%% %s\n", s.Percent, s.Value)
		}
	}
	return nil
}

// queryCatalog resolves arg as a query file when one exists at that path and
// as a bug identifier in the configured catalog otherwise.
func queryCatalog(cfg *config.Config, arg string) (*catalog.Catalog, string, error) {
	if info, err := os.Stat(arg); err == nil && !info.IsDir() {
		def, err := catalog.LoadDefinitionFile(arg)
		if err != nil {
			return nil, "", err
		}
		cat, err := catalog.Load(catalog.StaticSource{def}, bootstrap.CatalogOptions(cfg.Catalog)...)
		if err != nil {
			return nil, "", err
		}
		return cat, def.BugID, nil
	}

	cat, err := bootstrap.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, "", err
	}
	if _, ok := cat.Find(arg); !ok {
		return nil, "", fmt.Errorf("fingerprint %s not in catalog %s", arg, cfg.Catalog.Dir)
	}
	return cat, arg, nil
}
