package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/engine"
	"github.com/recheckstack/recheck/internal/utils"
)

const Version = "0.1.0"

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "recheckctl",
	Short: "recheckctl - inspect and exercise the CI failure fingerprint catalog",
	Long: `recheckctl loads the same configuration as recheck-engine and runs catalog
checks, single-fingerprint analysis and reporting-window statistics from the
command line.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (defaults to $RECHECK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level written to stderr")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(statsCmd)
}

func newLogger(w io.Writer) *slog.Logger {
	return utils.NewLoggerTo(w, logLevel, false)
}

// stack is the engine wiring shared by the commands that query the index.
type stack struct {
	cfg    *config.Config
	engine *engine.Engine
	close  func()
}

func buildStack(cfg *config.Config, cat *catalog.Catalog, logger *slog.Logger) (*stack, error) {
	client, err := bootstrap.SearchClient(cfg.Search, logger)
	if err != nil {
		return nil, fmt.Errorf("search client: %w", err)
	}
	qc, shared, err := bootstrap.QueryCache(cfg.Cache, logger)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	eng, _, err := bootstrap.Engine(cfg, catalog.NewStore(cat), client, qc, logger)
	if err != nil {
		shared.Close()
		return nil, err
	}
	return &stack{cfg: cfg, engine: eng, close: func() { shared.Close() }}, nil
}
