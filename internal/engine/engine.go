package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/extractors"
	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/tracing"
)

var recordNamespace = uuid.MustParse("6f1c8a52-3d0e-5b7a-9c44-1e2f7d9b0a61")

// RunFields names the log fields that identify a run in the index.
type RunFields struct {
	RunID    string
	JobName  string
	Change   string
	Patchset string
	Queue    string
}

// DefaultRunFields matches the Zuul/logstash field names.
func DefaultRunFields() RunFields {
	return RunFields{
		RunID:    "build_uuid",
		JobName:  "build_name",
		Change:   "build_change",
		Patchset: "build_patchset",
		Queue:    "build_queue",
	}
}

// Options tunes an Engine.
type Options struct {
	// Concurrency bounds per-request fingerprint fan-out. Default: 8.
	Concurrency int
	RunFields   RunFields
	// EligibleRunsQuery counts the runs a fingerprint could have matched.
	// ComputeStats fails without it.
	EligibleRunsQuery catalog.Expr
	// StatsScopeFields are copied from a fingerprint's own exact matches
	// onto its eligible-runs query.
	StatsScopeFields []string
	// StatsQueue, when set, restricts both stats queries to one pipeline queue.
	StatsQueue string
	// CountRuns makes stats use distinct-run counts rather than hit counts.
	CountRuns bool
	// FreshnessQuery selects the documents whose newest timestamp measures
	// indexing progress. Default: console logs of any run.
	FreshnessQuery catalog.Expr
	// ReportingPeriod bounds how long the latest ComputeStats report stays the
	// published aggregate. Default: 24h.
	ReportingPeriod time.Duration
}

// Engine evaluates the active catalog against runs and reporting windows.
type Engine struct {
	store  *catalog.Store
	exec   *Executor
	opts   Options
	logger *slog.Logger

	statsMu     sync.Mutex
	statsPeriod time.Time
	statsWindow models.TimeWindow
	statsLatest map[string]models.FingerprintStats
}

// New constructs an engine. It refuses to start without a non-empty catalog.
func New(store *catalog.Store, exec *Executor, opts Options, logger *slog.Logger) (*Engine, error) {
	if store == nil || store.Current().Len() == 0 {
		return nil, ErrNoCatalog
	}
	if exec == nil {
		return nil, fmt.Errorf("executor not configured")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.RunFields == (RunFields{}) {
		opts.RunFields = DefaultRunFields()
	}
	if opts.FreshnessQuery == nil {
		opts.FreshnessQuery = catalog.OrExpr{Terms: []catalog.Expr{
			catalog.FieldMatch{Field: "filename", Value: "console.html"},
			catalog.FieldMatch{Field: "filename", Value: "job-output.txt"},
		}}
	}
	if opts.ReportingPeriod <= 0 {
		opts.ReportingPeriod = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       store,
		exec:        exec,
		opts:        opts,
		logger:      logger,
		statsLatest: make(map[string]models.FingerprintStats),
	}, nil
}

// Catalog returns the catalog snapshot currently in use.
func (e *Engine) Catalog() *catalog.Catalog {
	return e.store.Current()
}

func (e *Engine) snapshot() (*catalog.Catalog, error) {
	cat := e.store.Current()
	if cat.Len() == 0 {
		return nil, ErrNoCatalog
	}
	return cat, nil
}

// RunScope builds the filter identifying run's own log lines.
func (e *Engine) RunScope(run models.RunDescriptor) catalog.Expr {
	f := e.opts.RunFields
	var terms []catalog.Expr
	add := func(field, value string) {
		if field != "" && value != "" {
			terms = append(terms, catalog.FieldMatch{Field: field, Value: value})
		}
	}
	add(f.RunID, run.RunID)
	add(f.JobName, run.JobName)
	add(f.Change, run.Change)
	add(f.Patchset, run.Patchset)
	return catalog.And(terms...)
}

type outcome struct {
	matched bool
	err     error
}

// ClassifyRun checks run against every active fingerprint over the run's span
// clipped to window. Matches are reported in catalog order; fingerprints whose
// query failed are listed as skipped.
func (e *Engine) ClassifyRun(ctx context.Context, run models.RunDescriptor, window models.TimeWindow) (models.ClassificationRecord, error) {
	cat, err := e.snapshot()
	if err != nil {
		return models.ClassificationRecord{}, err
	}
	if err := run.Validate(); err != nil {
		return models.ClassificationRecord{}, fmt.Errorf("classify run: %w", err)
	}
	if err := window.Validate(); err != nil {
		return models.ClassificationRecord{}, fmt.Errorf("classify run %s: %w", run.RunID, err)
	}

	ctx, span := tracing.Tracer().Start(ctx, "engine.classify_run", trace.WithAttributes(
		attribute.String("recheck.run", run.RunID),
		attribute.String("recheck.job", run.JobName),
	))
	defer span.End()

	record := models.ClassificationRecord{
		ID:       recordID(run, window),
		RunID:    run.RunID,
		Window:   window,
		Decision: models.DecisionUncategorized,
	}

	runWindow, ok := run.Span().Intersect(window)
	if !ok {
		return record, nil
	}

	var eligible []catalog.Fingerprint
	for _, fp := range cat.Entries() {
		if fp.SuppressNotification || !fp.Active(runWindow) {
			continue
		}
		eligible = append(eligible, fp)
	}

	scope := e.RunScope(run)
	outcomes := make([]outcome, len(eligible))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, fp := range eligible {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = outcome{err: asBackendError(fp.BugID, err)}
				return nil
			}
			res, err := e.exec.ExecuteScoped(ctx, fp, scope, runWindow)
			outcomes[i] = outcome{matched: err == nil && res.Matched(), err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, fp := range eligible {
		o := outcomes[i]
		switch {
		case o.err != nil:
			record.Skipped = append(record.Skipped, fp.BugID)
			metrics.ObserveSkip(fp.BugID)
			e.logger.Warn("fingerprint skipped",
				slog.String("run", run.RunID),
				slog.String("bug", fp.BugID),
				slog.Any("error", o.err),
			)
		case o.matched:
			record.Checked++
			record.Matched = append(record.Matched, fp.BugID)
		default:
			record.Checked++
		}
	}
	if len(record.Matched) > 0 {
		record.Decision = models.DecisionMatched
	}

	span.SetAttributes(
		attribute.Int("recheck.matched", len(record.Matched)),
		attribute.Int("recheck.skipped", len(record.Skipped)),
	)
	e.logger.Debug("run classified",
		slog.String("run", run.RunID),
		slog.Any("matched", record.Matched),
		slog.Int("checked", record.Checked),
		slog.Int("skipped", len(record.Skipped)),
	)
	return record, nil
}

// Ready reports whether expr, scoped to run, has any hits in window. It is
// used to wait for a run's logs to be indexed before classifying it.
func (e *Engine) Ready(ctx context.Context, run models.RunDescriptor, expr catalog.Expr, window models.TimeWindow) (bool, error) {
	n, err := e.exec.CountUncached(ctx, "ready", catalog.And(expr, e.RunScope(run)), window)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MissingFiles returns the entries of files for which run has no indexed
// document in window, matching on fileField. Order follows files.
func (e *Engine) MissingFiles(ctx context.Context, run models.RunDescriptor, fileField string, files []string, window models.TimeWindow) ([]string, error) {
	scope := e.RunScope(run)
	var missing []string
	for _, file := range files {
		n, err := e.exec.CountUncached(ctx, "ready", catalog.And(catalog.FieldMatch{Field: fileField, Value: file}, scope), window)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			missing = append(missing, file)
		}
	}
	return missing, nil
}

// IndexFreshness returns the newest timestamp matched by the freshness query
// in window, or the zero time when the index holds nothing there.
func (e *Engine) IndexFreshness(ctx context.Context, window models.TimeWindow) (time.Time, error) {
	return e.exec.MostRecent(ctx, e.opts.FreshnessQuery, window)
}

// ComputeStats counts, for every fingerprint not excluded from stats, its
// matches and the eligible runs over window. Failed fingerprints are reported
// as skipped. The result is also folded into the rolling aggregate.
func (e *Engine) ComputeStats(ctx context.Context, window models.TimeWindow) (models.StatsReport, error) {
	cat, err := e.snapshot()
	if err != nil {
		return models.StatsReport{}, err
	}
	if e.opts.EligibleRunsQuery == nil {
		return models.StatsReport{}, fmt.Errorf("eligible-runs query not configured")
	}
	if err := window.Validate(); err != nil {
		return models.StatsReport{}, fmt.Errorf("compute stats: %w", err)
	}

	ctx, span := tracing.Tracer().Start(ctx, "engine.compute_stats")
	defer span.End()

	var queue catalog.Expr
	if e.opts.StatsQueue != "" && e.opts.RunFields.Queue != "" {
		queue = catalog.FieldMatch{Field: e.opts.RunFields.Queue, Value: e.opts.StatsQueue}
	}

	var entries []catalog.Fingerprint
	for _, fp := range cat.Entries() {
		if !fp.SuppressStats {
			entries = append(entries, fp)
		}
	}

	results := make([]models.FingerprintStats, len(entries))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, fp := range entries {
		g.Go(func() error {
			results[i] = e.fingerprintStats(ctx, fp, queue, window)
			return nil
		})
	}
	_ = g.Wait()

	report := models.StatsReport{Window: window, Fingerprints: make(map[string]models.FingerprintStats, len(entries))}
	for _, s := range results {
		report.Fingerprints[s.BugID] = s
		if s.Skipped {
			report.Skipped = append(report.Skipped, s.BugID)
		}
	}
	e.mergeStats(report)
	return report, nil
}

func (e *Engine) fingerprintStats(ctx context.Context, fp catalog.Fingerprint, queue catalog.Expr, window models.TimeWindow) models.FingerprintStats {
	stats := models.FingerprintStats{BugID: fp.BugID}

	matches, err := e.exec.ExecuteScoped(ctx, fp, queue, window)
	if err != nil {
		e.logger.Warn("stats matches query failed", slog.String("bug", fp.BugID), slog.Any("error", err))
		metrics.ObserveSkip(fp.BugID)
		stats.Skipped = true
		return stats
	}

	scoped := []catalog.Expr{e.opts.EligibleRunsQuery, queue}
	for _, field := range e.opts.StatsScopeFields {
		for _, value := range catalog.FieldValues(fp.Expr, field) {
			scoped = append(scoped, catalog.FieldMatch{Field: field, Value: value})
		}
	}
	// The eligible-runs query has no validity interval of its own.
	eligible := catalog.Fingerprint{BugID: fp.BugID, Expr: catalog.And(scoped...)}
	total, err := e.exec.Execute(ctx, eligible, window)
	if err != nil {
		e.logger.Warn("stats eligible-runs query failed", slog.String("bug", fp.BugID), slog.Any("error", err))
		metrics.ObserveSkip(fp.BugID)
		stats.Skipped = true
		return stats
	}

	stats.Matches, stats.TotalRuns = matches.Count, total.Count
	if e.opts.CountRuns {
		stats.Matches, stats.TotalRuns = matches.Runs, total.Runs
	}
	return stats
}

// mergeStats publishes report as the aggregate. Reports are never summed:
// trailing windows overlap, so the latest window (by start, then end)
// replaces the published one whatever order reports arrive in. A report
// from an earlier reporting period is ignored. A skipped fingerprint keeps
// its previous counts within the same period.
func (e *Engine) mergeStats(report models.StatsReport) {
	period := report.Window.Start.UTC().Truncate(e.opts.ReportingPeriod)

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	switch {
	case period.After(e.statsPeriod):
		e.statsPeriod = period
		e.statsLatest = make(map[string]models.FingerprintStats)
	case period.Before(e.statsPeriod), laterWindow(e.statsWindow, report.Window):
		return
	}
	e.statsWindow = report.Window

	latest := make(map[string]models.FingerprintStats, len(report.Fingerprints))
	for bug, s := range report.Fingerprints {
		if !s.Skipped {
			latest[bug] = s
		} else if prev, ok := e.statsLatest[bug]; ok {
			latest[bug] = prev
		}
	}
	e.statsLatest = latest
}

func laterWindow(a, b models.TimeWindow) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.After(b.Start)
	}
	return a.End.After(b.End)
}

// Stats returns the published aggregate for the current reporting period.
func (e *Engine) Stats() map[string]models.FingerprintStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	out := make(map[string]models.FingerprintStats, len(e.statsLatest))
	for bug, s := range e.statsLatest {
		out[bug] = s
	}
	return out
}

// Analyze samples a fingerprint's hits over window and summarises their
// attribute values. Noisy attributes are kept; callers filter for display.
func (e *Engine) Analyze(ctx context.Context, bugID string, window models.TimeWindow, size int) (extractors.AttributeAnalysis, error) {
	cat, err := e.snapshot()
	if err != nil {
		return extractors.AttributeAnalysis{}, err
	}
	fp, ok := cat.Find(bugID)
	if !ok {
		return extractors.AttributeAnalysis{}, fmt.Errorf("fingerprint %s not in catalog", bugID)
	}
	res, err := e.exec.Sample(ctx, fp, window, size)
	if err != nil {
		return extractors.AttributeAnalysis{}, err
	}
	return extractors.NewAttributeExtractor().Analyze(res), nil
}

func recordID(run models.RunDescriptor, window models.TimeWindow) string {
	return uuid.NewSHA1(recordNamespace, []byte(run.RunID+"|"+window.String())).String()
}
