package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/recheckstack/recheck/internal/api"
	"github.com/recheckstack/recheck/internal/bootstrap"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/config"
	"github.com/recheckstack/recheck/internal/dispatch"
	"github.com/recheckstack/recheck/internal/engine"
	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/services"
	"github.com/recheckstack/recheck/internal/tracing"
	"github.com/recheckstack/recheck/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting recheck-engine", slog.String("address", cfg.Server.Address))

	tracer, err := tracing.NewProvider(tracing.Config{
		Enabled:       cfg.Tracing.Enabled,
		Endpoint:      cfg.Tracing.Endpoint,
		ServiceName:   cfg.Tracing.ServiceName,
		SampleRatio:   cfg.Tracing.SampleRatio,
		TLSCAPath:     cfg.Tracing.TLSCAPath,
		TLSInsecure:   cfg.Tracing.TLSInsecure,
		ExportTimeout: cfg.Tracing.ExportTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to initialise tracing", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queryCache, shared, err := bootstrap.QueryCache(cfg.Cache, logger)
	if err != nil {
		logger.Error("failed to create query cache", slog.Any("error", err))
		os.Exit(1)
	}
	defer shared.Close()
	go queryCache.Run(ctx, cfg.Cache.SweepInterval)

	client, err := bootstrap.SearchClient(cfg.Search, logger)
	if err != nil {
		logger.Error("failed to create search client", slog.Any("error", err))
		os.Exit(1)
	}

	cat, err := bootstrap.LoadCatalog(cfg.Catalog)
	if err != nil {
		logger.Error("failed to load query catalog", slog.String("dir", cfg.Catalog.Dir), slog.Any("error", err))
		os.Exit(1)
	}
	store := catalog.NewStore(cat)
	metrics.SetCatalogSize(cat.Len())
	logger.Info("query catalog loaded", slog.Int("fingerprints", cat.Len()))

	if cfg.Catalog.Watch {
		watcher, err := catalog.NewWatcher(catalog.WatcherConfig{
			Dir:      cfg.Catalog.Dir,
			Debounce: cfg.Catalog.Debounce,
			Options:  bootstrap.CatalogOptions(cfg.Catalog),
			OnReload: func(next *catalog.Catalog) { metrics.SetCatalogSize(next.Len()) },
		}, store, logger)
		if err != nil {
			logger.Error("failed to create catalog watcher", slog.Any("error", err))
			os.Exit(1)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("catalog watcher stopped", slog.Any("error", err))
			}
		}()
	}

	eng, decider, err := bootstrap.Engine(cfg, store, client, queryCache, logger)
	if err != nil {
		logger.Error("failed to build classification engine", slog.Any("error", err))
		os.Exit(1)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer, metrics.NewStatsCollector(eng)); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	sinks, err := buildSinks(cfg.Notify, logger)
	if err != nil {
		logger.Error("failed to configure notification sinks", slog.Any("error", err))
		os.Exit(1)
	}
	dispatcher, err := dispatch.New(decider, dispatch.Config{
		Workers:             cfg.Dispatch.Workers,
		QueueSize:           cfg.Dispatch.QueueSize,
		TaskTimeout:         cfg.Dispatch.TaskTimeout,
		NotifyUncategorized: cfg.Notify.NotifyUncategorized,
	}, logger, sinks...)
	if err != nil {
		logger.Error("failed to create dispatcher", slog.Any("error", err))
		os.Exit(1)
	}
	// Workers outlive the signal context so Stop can drain the queue; they
	// are cancelled only once the drain deadline passes.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		if err := dispatcher.Run(dispatchCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher exited", slog.Any("error", err))
		}
	}()

	if cfg.Stats.Interval > 0 {
		go statsLoop(ctx, eng, cfg.Stats, logger)
	}

	recheckService := services.NewRecheckService(logger, eng, decider, services.Options{
		Submitter:         dispatcher,
		Cache:             queryCache,
		Freshness:         eng,
		LogstashTimeframe: int(cfg.Stats.Window / time.Second),
	})

	server, err := api.NewServer(cfg.Server, recheckService)
	if err != nil {
		logger.Error("failed to create gRPC server", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go func() {
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("gRPC server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	dispatcher.Stop()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		logger.Warn("dispatcher did not drain before shutdown timeout", slog.Int("pending", dispatcher.Pending()))
		cancelDispatch()
		<-dispatchDone
	}

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	traceCtx, cancelTrace := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tracer.Shutdown(traceCtx); err != nil {
		logger.Warn("tracer shutdown", slog.Any("error", err))
	}
	cancelTrace()

	logger.Info("recheck-engine stopped")
}

func buildSinks(cfg config.NotifyConfig, logger *slog.Logger) ([]dispatch.Sink, error) {
	var sinks []dispatch.Sink
	if cfg.Log {
		sinks = append(sinks, dispatch.NewLogSink(logger, cfg.BugURLTemplate))
	}
	if cfg.WebhookURL != "" {
		webhook, err := dispatch.NewWebhookSink(dispatch.WebhookConfig{
			URL:            cfg.WebhookURL,
			Timeout:        cfg.WebhookTimeout,
			MaxRetries:     cfg.WebhookRetries,
			BugURLTemplate: cfg.BugURLTemplate,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, webhook)
	}
	return sinks, nil
}

// statsLoop recomputes fingerprint statistics over the trailing window, aligned
// to the hour so repeated runs share cached counts.
func statsLoop(ctx context.Context, eng *engine.Engine, cfg config.StatsConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	compute := func() {
		end := time.Now().UTC().Truncate(time.Hour)
		window, err := models.NewTimeWindow(end.Add(-cfg.Window), end)
		if err != nil {
			logger.Warn("invalid stats window", slog.Any("error", err))
			return
		}
		report, err := eng.ComputeStats(ctx, window)
		if err != nil {
			logger.Warn("stats computation failed", slog.Any("error", err))
			return
		}
		logger.Info("fingerprint stats updated",
			slog.String("window", window.String()),
			slog.Int("fingerprints", len(report.Fingerprints)),
			slog.Int("skipped", len(report.Skipped)),
		)
	}

	compute()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			compute()
		}
	}
}
