package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/tracing"
)

const freshnessLookback = 24 * time.Hour

var errNotReady = errors.New("run not ready")

// RequiredFiles names log files that runs of matching jobs must have indexed
// before they are classified. JobPattern is unanchored; use ^ to pin it.
type RequiredFiles struct {
	JobPattern *regexp.Regexp
	Files      []string
}

// DeciderOptions tunes the recheck decision.
type DeciderOptions struct {
	// IndexingMargin widens the run's span to tolerate indexing lag. Default: 10m.
	IndexingMargin time.Duration
	// Timeout bounds a whole decision; zero leaves it to the caller.
	Timeout time.Duration
	// ReadyQuery, when set, must have a hit for the run before it is classified.
	ReadyQuery catalog.Expr
	// RequiredFiles adds per-job file checks to readiness.
	RequiredFiles []RequiredFiles
	// FileField is the index field holding a log line's file name. Default: "filename".
	FileField string
	// ReadyPollInterval spaces readiness checks. Default: 40s.
	ReadyPollInterval time.Duration
	// ReadyTimeout bounds the wait for a run's logs; zero checks once.
	ReadyTimeout time.Duration
	Clock        func() time.Time
}

// Decider turns a classification into a KnownBug, Uncategorized or
// Indeterminate verdict.
type Decider struct {
	engine *Engine
	opts   DeciderOptions
	logger *slog.Logger
}

// NewDecider wraps engine.
func NewDecider(engine *Engine, opts DeciderOptions, logger *slog.Logger) (*Decider, error) {
	if engine == nil {
		return nil, fmt.Errorf("classification engine not configured")
	}
	if opts.IndexingMargin <= 0 {
		opts.IndexingMargin = 10 * time.Minute
	}
	if opts.FileField == "" {
		opts.FileField = "filename"
	}
	if opts.ReadyPollInterval <= 0 {
		opts.ReadyPollInterval = 40 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decider{engine: engine, opts: opts, logger: logger}, nil
}

// Window returns the classification window used for run.
func (d *Decider) Window(run models.RunDescriptor) models.TimeWindow {
	return run.Span().Extend(d.opts.IndexingMargin)
}

// Decide classifies run. Indeterminate means nothing could be checked: every
// fingerprint query failed or the run's logs are not indexed yet.
func (d *Decider) Decide(ctx context.Context, run models.RunDescriptor) (models.RecheckDecision, error) {
	if err := run.Validate(); err != nil {
		return models.RecheckDecision{}, fmt.Errorf("decide: %w", err)
	}
	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	ctx, span := tracing.Tracer().Start(ctx, "decider.decide", trace.WithAttributes(attribute.String("recheck.run", run.RunID)))
	defer span.End()

	start := time.Now()
	window := d.Window(run)

	if d.opts.ReadyQuery != nil || len(d.opts.RequiredFiles) > 0 {
		if reason := d.waitReady(ctx, run, window); reason != "" {
			decision := models.RecheckDecision{
				Kind:      models.Indeterminate,
				Reason:    reason,
				Record:    models.ClassificationRecord{RunID: run.RunID, Window: window},
				DecidedAt: d.opts.Clock(),
			}
			d.finish(span, run, decision, start)
			return decision, nil
		}
	}

	record, err := d.engine.ClassifyRun(ctx, run, window)
	if err != nil {
		return models.RecheckDecision{}, err
	}

	decision := models.RecheckDecision{Record: record, DecidedAt: d.opts.Clock()}
	switch {
	case len(record.Matched) > 0:
		decision.Kind = models.KnownBug
		decision.BugIDs = append([]string(nil), record.Matched...)
		decision.Reason = "matched known bug fingerprints"
	case record.AllSkipped():
		decision.Kind = models.Indeterminate
		decision.Reason = "every fingerprint query failed"
	default:
		decision.Kind = models.Uncategorized
		decision.Reason = "no fingerprint matched"
	}
	d.finish(span, run, decision, start)
	return decision, nil
}

// waitReady polls until run's logs are indexed or ReadyTimeout passes. It
// returns an empty string once ready, otherwise why the run is not.
func (d *Decider) waitReady(ctx context.Context, run models.RunDescriptor, window models.TimeWindow) string {
	waitCtx := ctx
	var policy backoff.BackOff = backoff.NewConstantBackOff(d.opts.ReadyPollInterval)
	if d.opts.ReadyTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, d.opts.ReadyTimeout)
		defer cancel()
	} else {
		policy = backoff.WithMaxRetries(policy, 0)
	}

	var reason string
	op := func() error {
		r, err := d.checkReady(waitCtx, run, window)
		switch {
		case err != nil:
			// A check cut short by the wait deadline keeps the last real answer.
			if reason == "" || waitCtx.Err() == nil {
				reason = "readiness check failed: " + err.Error()
			}
			return err
		case r != "":
			reason = r
			return errNotReady
		}
		return nil
	}
	notify := func(_ error, next time.Duration) {
		d.logger.Debug("run not ready",
			slog.String("run", run.RunID),
			slog.String("reason", reason),
			slog.Duration("retry_in", next),
		)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, waitCtx), notify); err == nil {
		return ""
	}
	if reason == "" {
		reason = "run logs not indexed yet"
	}
	return reason + d.indexLag(ctx)
}

// checkReady runs one round of readiness checks. A non-empty result names
// what is still missing.
func (d *Decider) checkReady(ctx context.Context, run models.RunDescriptor, window models.TimeWindow) (string, error) {
	if d.opts.ReadyQuery != nil {
		ready, err := d.engine.Ready(ctx, run, d.opts.ReadyQuery, window)
		if err != nil {
			return "", err
		}
		if !ready {
			return "run logs not indexed yet", nil
		}
	}
	files := d.requiredFiles(run.JobName)
	if len(files) == 0 {
		return "", nil
	}
	missing, err := d.engine.MissingFiles(ctx, run, d.opts.FileField, files, window)
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "required files not indexed yet: " + strings.Join(missing, ", "), nil
	}
	return "", nil
}

func (d *Decider) requiredFiles(job string) []string {
	var files []string
	seen := make(map[string]struct{})
	for _, rule := range d.opts.RequiredFiles {
		if rule.JobPattern == nil || !rule.JobPattern.MatchString(job) {
			continue
		}
		for _, f := range rule.Files {
			if _, dup := seen[f]; !dup {
				seen[f] = struct{}{}
				files = append(files, f)
			}
		}
	}
	return files
}

// indexLag describes how far the index trails the clock, or nothing when it
// cannot be measured.
func (d *Decider) indexLag(ctx context.Context) string {
	now := d.opts.Clock()
	latest, err := d.engine.IndexFreshness(ctx, models.TimeWindow{Start: now.Add(-freshnessLookback), End: now.Add(time.Minute)})
	if err != nil {
		d.logger.Debug("index freshness unavailable", slog.Any("error", err))
		return ""
	}
	if latest.IsZero() {
		return fmt.Sprintf(" (nothing indexed in the last %s)", freshnessLookback)
	}
	lag := now.Sub(latest)
	if lag < 0 {
		lag = 0
	}
	return fmt.Sprintf(" (index lag %s)", lag.Truncate(time.Second))
}

func (d *Decider) finish(span trace.Span, run models.RunDescriptor, decision models.RecheckDecision, start time.Time) {
	metrics.ObserveDecision(string(decision.Kind), time.Since(start))
	span.SetAttributes(attribute.String("recheck.decision", string(decision.Kind)))
	d.logger.Info("recheck decision",
		slog.String("run", run.RunID),
		slog.String("job", run.JobName),
		slog.String("decision", string(decision.Kind)),
		slog.Any("bugs", decision.BugIDs),
		slog.String("reason", decision.Reason),
	)
}
