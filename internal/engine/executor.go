package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/recheckstack/recheck/internal/cache"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/search"
	"github.com/recheckstack/recheck/internal/tracing"
)

// SearchClient is the log index the executor queries.
type SearchClient interface {
	Search(ctx context.Context, req search.Request) (search.Response, error)
}

// ExecutorConfig tunes query execution.
type ExecutorConfig struct {
	// Granularity windows are rounded outward to before caching. Default: 1h.
	Granularity time.Duration
	// SampleIDs is how many matching document IDs to keep per result.
	SampleIDs int
	// RunField, when set, makes every query also count distinct runs.
	RunField string
}

// Executor runs single fingerprint queries through the query cache.
type Executor struct {
	client SearchClient
	cache  *cache.QueryCache
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewExecutor constructs an executor.
func NewExecutor(client SearchClient, qc *cache.QueryCache, cfg ExecutorConfig, logger *slog.Logger) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("search client not configured")
	}
	if qc == nil {
		return nil, fmt.Errorf("query cache not configured")
	}
	if cfg.Granularity <= 0 {
		cfg.Granularity = time.Hour
	}
	if cfg.SampleIDs < 0 {
		cfg.SampleIDs = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{client: client, cache: qc, cfg: cfg, logger: logger}, nil
}

// Execute counts fp's matches over window.
func (e *Executor) Execute(ctx context.Context, fp catalog.Fingerprint, window models.TimeWindow) (models.QueryResult, error) {
	return e.ExecuteScoped(ctx, fp, nil, window)
}

// ExecuteScoped counts matches of fp conjoined with scope. Windows outside
// the fingerprint's validity yield a zero result without a backend call.
// Errors are always *BackendError.
func (e *Executor) ExecuteScoped(ctx context.Context, fp catalog.Fingerprint, scope catalog.Expr, window models.TimeWindow) (models.QueryResult, error) {
	if err := window.Validate(); err != nil {
		return models.QueryResult{}, &BackendError{BugID: fp.BugID, Kind: Permanent, Err: err}
	}
	if !fp.Active(window) {
		return models.QueryResult{BugID: fp.BugID, Window: window}, nil
	}
	if fp.Expr == nil {
		return models.QueryResult{}, &BackendError{BugID: fp.BugID, Kind: MalformedExpression, Err: fmt.Errorf("fingerprint has no expression")}
	}

	// The normalised window always covers the requested one, so the clip
	// cannot come back empty.
	normalized, _ := fp.Clip(window.Truncate(e.cfg.Granularity))
	expr := catalog.And(fp.Expr, scope)
	key := cache.Key{
		Query: fp.BugID + " " + expr.QueryString(),
		Start: normalized.Start,
		End:   normalized.End,
	}

	ctx, span := tracing.Tracer().Start(ctx, "executor.execute", trace.WithAttributes(
		attribute.String("recheck.bug", fp.BugID),
		attribute.Bool("recheck.scoped", scope != nil),
	))
	defer span.End()

	result, err := e.cache.GetOrCompute(ctx, key, func(ctx context.Context) (models.QueryResult, error) {
		resp, err := e.client.Search(ctx, search.Request{
			Query:    expr,
			Window:   normalized,
			Size:     e.cfg.SampleIDs,
			Distinct: e.cfg.RunField,
		})
		if err != nil {
			return models.QueryResult{}, err
		}
		return toResult(fp.BugID, normalized, resp, false), nil
	})
	if err != nil {
		berr := asBackendError(fp.BugID, err)
		span.RecordError(berr)
		span.SetStatus(codes.Error, string(berr.Kind))
		return models.QueryResult{}, berr
	}
	span.SetAttributes(attribute.Int64("recheck.count", result.Count))
	return result, nil
}

// CountUncached counts matches of expr without caching, for checks whose
// answer is expected to change within the cache TTL.
func (e *Executor) CountUncached(ctx context.Context, bugID string, expr catalog.Expr, window models.TimeWindow) (int64, error) {
	resp, err := e.client.Search(ctx, search.Request{Query: expr, Window: window})
	if err != nil {
		return 0, asBackendError(bugID, err)
	}
	return resp.Total, nil
}

// MostRecent returns the newest indexed timestamp matching expr in window.
func (e *Executor) MostRecent(ctx context.Context, expr catalog.Expr, window models.TimeWindow) (time.Time, error) {
	latest, err := search.MostRecent(ctx, e.client, expr, window)
	if err != nil {
		return time.Time{}, asBackendError("freshness", err)
	}
	return latest, nil
}

// Sample fetches up to size matching documents for fp, bypassing the cache.
func (e *Executor) Sample(ctx context.Context, fp catalog.Fingerprint, window models.TimeWindow, size int) (models.QueryResult, error) {
	if err := window.Validate(); err != nil {
		return models.QueryResult{}, &BackendError{BugID: fp.BugID, Kind: Permanent, Err: err}
	}
	resp, err := e.client.Search(ctx, search.Request{Query: fp.Expr, Window: window, Size: size})
	if err != nil {
		return models.QueryResult{}, asBackendError(fp.BugID, err)
	}
	return toResult(fp.BugID, window, resp, true), nil
}

func toResult(bugID string, window models.TimeWindow, resp search.Response, keepSamples bool) models.QueryResult {
	result := models.QueryResult{
		BugID:  bugID,
		Window: window,
		Count:  resp.Total,
		Runs:   resp.Distinct,
	}
	for _, hit := range resp.Hits {
		result.SampleIDs = append(result.SampleIDs, hit.ID)
	}
	if keepSamples {
		result.Samples = resp.Hits
	}
	return result
}
