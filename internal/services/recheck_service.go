package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/recheckstack/recheck/internal/api"
	"github.com/recheckstack/recheck/internal/api/recheckv1"
	"github.com/recheckstack/recheck/internal/cache"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/dispatch"
	"github.com/recheckstack/recheck/internal/engine"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/utils"
)

// Classifier is the part of the engine the service exposes.
type Classifier interface {
	Catalog() *catalog.Catalog
	ClassifyRun(ctx context.Context, run models.RunDescriptor, window models.TimeWindow) (models.ClassificationRecord, error)
	ComputeStats(ctx context.Context, window models.TimeWindow) (models.StatsReport, error)
}

// Decider produces recheck decisions.
type Decider interface {
	Decide(ctx context.Context, run models.RunDescriptor) (models.RecheckDecision, error)
}

// Submitter queues runs for asynchronous decisions.
type Submitter interface {
	Submit(run models.RunDescriptor) error
	Pending() int
}

// CacheStatser reports query cache occupancy.
type CacheStatser interface {
	Stats() cache.Stats
}

// FreshnessReporter measures how current the log index is.
type FreshnessReporter interface {
	IndexFreshness(ctx context.Context, window models.TimeWindow) (time.Time, error)
}

// Options wires optional collaborators into the service.
type Options struct {
	Submitter Submitter
	Cache     CacheStatser
	Freshness FreshnessReporter
	// LogstashTimeframe sizes the logstash links attached to fingerprints, in seconds.
	LogstashTimeframe int
	Clock             func() time.Time
}

// RecheckService implements the gRPC RecheckEngine service.
type RecheckService struct {
	recheckv1.UnimplementedRecheckEngineServer

	logger     *slog.Logger
	classifier Classifier
	decider    Decider
	opts       Options
	latencies  *utils.LatencyTracker
}

// NewRecheckService constructs the service facade.
func NewRecheckService(logger *slog.Logger, classifier Classifier, decider Decider, opts Options) *RecheckService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &RecheckService{
		logger:     logger,
		classifier: classifier,
		decider:    decider,
		opts:       opts,
		latencies:  utils.NewLatencyTracker(1024),
	}
}

// Decide classifies a single run and returns the recheck decision.
func (s *RecheckService) Decide(ctx context.Context, req *recheckv1.DecideRequest) (*recheckv1.DecideResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.decider == nil {
		return nil, status.Error(codes.FailedPrecondition, "decider not configured")
	}
	run, err := api.FromProtoRun(req.GetRun())
	if err != nil {
		return nil, toStatus(err)
	}

	s.logger.Debug("Decide called", slog.String("run", run.RunID), slog.String("job", run.JobName))

	start := time.Now()
	decision, err := s.decider.Decide(ctx, run)
	if err != nil {
		s.logger.Error("decide failed", slog.String("run", run.RunID), slog.Any("error", err))
		return nil, toStatus(err)
	}
	s.observe(time.Since(start))
	return api.ToProtoDecision(decision), nil
}

// ClassifyRun returns the raw classification record for a run.
func (s *RecheckService) ClassifyRun(ctx context.Context, req *recheckv1.ClassifyRunRequest) (*recheckv1.ClassifyRunResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.classifier == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	run, err := api.FromProtoRun(req.GetRun())
	if err != nil {
		return nil, toStatus(err)
	}
	window, err := api.FromProtoWindow(req.GetWindow(), run.Span())
	if err != nil {
		return nil, toStatus(err)
	}

	record, err := s.classifier.ClassifyRun(ctx, run, window)
	if err != nil {
		s.logger.Error("classify run failed", slog.String("run", run.RunID), slog.Any("error", err))
		return nil, toStatus(err)
	}
	return &recheckv1.ClassifyRunResponse{Record: api.ToProtoRecord(record)}, nil
}

// ComputeStats reports per-fingerprint match ratios over a window. Without a
// window it covers the last 24 hours.
func (s *RecheckService) ComputeStats(ctx context.Context, req *recheckv1.ComputeStatsRequest) (*recheckv1.ComputeStatsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.classifier == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	now := s.opts.Clock().UTC()
	window, err := api.FromProtoWindow(req.GetWindow(), models.TimeWindow{Start: now.Add(-24 * time.Hour), End: now})
	if err != nil {
		return nil, toStatus(err)
	}

	report, err := s.classifier.ComputeStats(ctx, window)
	if err != nil {
		s.logger.Error("compute stats failed", slog.Any("error", err))
		return nil, toStatus(err)
	}
	return api.ToProtoStats(report), nil
}

// ListFingerprints returns the active catalog in declared order.
func (s *RecheckService) ListFingerprints(ctx context.Context, req *recheckv1.ListFingerprintsRequest) (*recheckv1.ListFingerprintsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.classifier == nil {
		return nil, status.Error(codes.FailedPrecondition, "engine not configured")
	}
	now := s.opts.Clock().UTC()
	today := models.TimeWindow{Start: now, End: now.Add(time.Second)}

	resp := &recheckv1.ListFingerprintsResponse{}
	for _, fp := range s.classifier.Catalog().Entries() {
		if req.ActiveOnly && !fp.Active(today) {
			continue
		}
		resp.Fingerprints = append(resp.Fingerprints, api.ToProtoFingerprint(fp, s.opts.LogstashTimeframe))
	}
	return resp, nil
}

// SubmitRuns queues runs for asynchronous decisions. Runs that cannot be
// queued are reported back individually.
func (s *RecheckService) SubmitRuns(ctx context.Context, req *recheckv1.SubmitRunsRequest) (*recheckv1.SubmitRunsResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	if s.opts.Submitter == nil {
		return nil, status.Error(codes.FailedPrecondition, "dispatcher not configured")
	}

	resp := &recheckv1.SubmitRunsResponse{}
	for _, wire := range req.Runs {
		reject := func(reason string) {
			resp.Rejected = append(resp.Rejected, &recheckv1.Rejection{RunId: wire.GetRunId(), Reason: reason})
		}
		run, err := api.FromProtoRun(wire)
		if err != nil {
			reject(err.Error())
			continue
		}
		switch err := s.opts.Submitter.Submit(run); {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, dispatch.ErrStopped):
			return nil, status.Error(codes.Unavailable, "dispatcher is shutting down")
		default:
			reject(err.Error())
		}
	}
	if len(resp.Rejected) > 0 {
		s.logger.Warn("runs rejected", slog.Int("accepted", int(resp.Accepted)), slog.Int("rejected", len(resp.Rejected)))
	}
	return resp, nil
}

// HealthCheck reports SERVING while a catalog is loaded.
func (s *RecheckService) HealthCheck(ctx context.Context, req *recheckv1.HealthRequest) (*recheckv1.HealthResponse, error) {
	resp := &recheckv1.HealthResponse{Status: "SERVING"}
	if s.classifier == nil || s.classifier.Catalog().Len() == 0 {
		resp.Status = "NOT_SERVING"
	} else {
		resp.CatalogSize = int32(s.classifier.Catalog().Len())
	}
	if s.opts.Cache != nil {
		resp.CacheEntries = int32(s.opts.Cache.Stats().Entries)
	}
	if s.opts.Submitter != nil {
		resp.QueueDepth = int32(s.opts.Submitter.Pending())
	}
	if s.opts.Freshness != nil {
		now := s.opts.Clock()
		latest, err := s.opts.Freshness.IndexFreshness(ctx, models.TimeWindow{Start: now.Add(-24 * time.Hour), End: now.Add(time.Minute)})
		switch {
		case err != nil:
			s.logger.Debug("index freshness unavailable", slog.Any("error", err))
		case !latest.IsZero():
			resp.LatestIndexed = latest.UTC().Format(time.RFC3339)
		}
	}
	return resp, nil
}

// LatencyP95 returns the current p95 decision latency.
func (s *RecheckService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}

func (s *RecheckService) observe(d time.Duration) {
	s.latencies.Observe(d)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("decision latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}
}

func toStatus(err error) error {
	switch {
	case utils.IsAppError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, engine.ErrNoCatalog):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
