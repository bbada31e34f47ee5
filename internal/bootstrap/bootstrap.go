// Package bootstrap builds the engine stack from configuration. Both the
// server and the command line tool start from here.
package bootstrap

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/recheckstack/recheck/internal/cache"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/engine"
	"github.com/recheckstack/recheck/internal/search"
)

// SearchClient connects to Elasticsearch, or serves a local document dump
// when search.documentsFile is set.
func SearchClient(cfg config.SearchConfig, logger *slog.Logger) (engine.SearchClient, error) {
	if cfg.DocumentsFile != "" {
		f, err := os.Open(cfg.DocumentsFile)
		if err != nil {
			return nil, fmt.Errorf("open documents: %w", err)
		}
		defer f.Close()
		docs, err := search.LoadDocuments(f)
		if err != nil {
			return nil, err
		}
		logger.Info("serving search from local documents", slog.String("path", cfg.DocumentsFile), slog.Int("documents", len(docs)))
		return search.NewMemoryClient(docs...), nil
	}
	return search.NewElasticClient(search.Config{
		URL:            cfg.URL,
		IndexFormat:    cfg.IndexFormat,
		IndexPattern:   cfg.IndexPattern,
		TimestampField: cfg.TimestampField,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}, logger)
}

// CatalogOptions translates catalog settings into load options.
func CatalogOptions(cfg config.CatalogConfig) []catalog.Option {
	return []catalog.Option{
		catalog.WithTextFields(cfg.TextFields...),
		catalog.WithFacilityField(cfg.FacilityField),
	}
}

// LoadCatalog reads and validates the catalog directory.
func LoadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	return catalog.Load(catalog.DirSource{Dir: cfg.Dir}, CatalogOptions(cfg)...)
}

// QueryCache builds the query cache and, when enabled, its Redis tier. The
// returned provider must be closed by the caller.
func QueryCache(cfg config.CacheConfig, logger *slog.Logger) (*cache.QueryCache, cache.Provider, error) {
	var shared cache.Provider = cache.NoopProvider{}
	if cfg.Shared.Enabled {
		provider, err := cache.NewRedisProvider(cache.RedisConfig{
			Addr:         cfg.Shared.Addr,
			Username:     cfg.Shared.Username,
			Password:     cfg.Shared.Password,
			DB:           cfg.Shared.DB,
			DialTimeout:  cfg.Shared.DialTimeout,
			ReadTimeout:  cfg.Shared.ReadTimeout,
			WriteTimeout: cfg.Shared.WriteTimeout,
			MaxRetries:   cfg.Shared.MaxRetries,
			TLS:          cfg.Shared.TLS,
		})
		if err != nil {
			logger.Warn("shared query cache unavailable", slog.Any("error", err))
		} else {
			shared = provider
		}
	}

	qcfg := cache.Config{TTL: cfg.TTL, MaxEntries: cfg.MaxEntries, SharedPrefix: cfg.Shared.Prefix}
	if _, noop := shared.(cache.NoopProvider); !noop {
		qcfg.Shared = shared
	}
	qc, err := cache.New(qcfg, logger)
	if err != nil {
		_ = shared.Close()
		return nil, nil, err
	}
	return qc, shared, nil
}

// Engine builds the executor, engine and decider over store.
func Engine(cfg *config.Config, store *catalog.Store, client engine.SearchClient, qc *cache.QueryCache, logger *slog.Logger) (*engine.Engine, *engine.Decider, error) {
	parseOpts := catalog.DefaultParseOptions()
	if len(cfg.Catalog.TextFields) > 0 {
		parseOpts.TextFields = cfg.Catalog.TextFields
	}

	exec, err := engine.NewExecutor(client, qc, engine.ExecutorConfig{
		Granularity: cfg.Engine.Granularity,
		SampleIDs:   cfg.Engine.SampleIDs,
		RunField:    cfg.Engine.RunFields.RunID,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	opts := engine.Options{
		Concurrency: cfg.Engine.Concurrency,
		RunFields: engine.RunFields{
			RunID:    cfg.Engine.RunFields.RunID,
			JobName:  cfg.Engine.RunFields.JobName,
			Change:   cfg.Engine.RunFields.Change,
			Patchset: cfg.Engine.RunFields.Patchset,
			Queue:    cfg.Engine.RunFields.Queue,
		},
		StatsScopeFields: cfg.Stats.ScopeFields,
		StatsQueue:       cfg.Stats.Queue,
		CountRuns:        cfg.Stats.CountRuns,
		ReportingPeriod:  cfg.Stats.ReportingPeriod,
	}
	if cfg.Stats.EligibleRunsQuery != "" {
		if opts.EligibleRunsQuery, err = catalog.ParseExprWith(cfg.Stats.EligibleRunsQuery, parseOpts); err != nil {
			return nil, nil, fmt.Errorf("stats.eligibleRunsQuery: %w", err)
		}
	}
	eng, err := engine.New(store, exec, opts, logger)
	if err != nil {
		return nil, nil, err
	}

	deciderOpts := engine.DeciderOptions{
		IndexingMargin:    cfg.Engine.IndexingMargin,
		Timeout:           cfg.Engine.DecideTimeout,
		FileField:         cfg.Engine.FileField,
		ReadyPollInterval: cfg.Engine.ReadyPollInterval,
		ReadyTimeout:      cfg.Engine.ReadyTimeout,
	}
	if cfg.Engine.ReadyQuery != "" {
		if deciderOpts.ReadyQuery, err = catalog.ParseExprWith(cfg.Engine.ReadyQuery, parseOpts); err != nil {
			return nil, nil, fmt.Errorf("engine.readyQuery: %w", err)
		}
	}
	for i, rule := range cfg.Engine.RequiredFiles {
		pattern, err := regexp.Compile(rule.Job)
		if err != nil {
			return nil, nil, fmt.Errorf("engine.requiredFiles[%d].job: %w", i, err)
		}
		deciderOpts.RequiredFiles = append(deciderOpts.RequiredFiles, engine.RequiredFiles{JobPattern: pattern, Files: rule.Files})
	}
	decider, err := engine.NewDecider(eng, deciderOpts, logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, decider, nil
}
