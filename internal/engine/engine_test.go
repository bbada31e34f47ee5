package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recheckstack/recheck/internal/cache"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/search"
	"github.com/recheckstack/recheck/internal/utils"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// scriptedClient wraps a search client, counting calls and injecting delays
// or failures for queries containing a marker.
type scriptedClient struct {
	inner SearchClient

	mu      sync.Mutex
	queries []string
	fail    map[string]error
	delay   map[string]time.Duration
	block   bool
}

func (s *scriptedClient) Search(ctx context.Context, req search.Request) (search.Response, error) {
	q := req.Query.QueryString()
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()

	if s.block {
		<-ctx.Done()
		return search.Response{}, &search.Error{Temporary: true, Err: ctx.Err()}
	}
	for marker, d := range s.delay {
		if strings.Contains(q, marker) {
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return search.Response{}, &search.Error{Temporary: true, Err: ctx.Err()}
			}
		}
	}
	for marker, err := range s.fail {
		if strings.Contains(q, marker) {
			return search.Response{}, err
		}
	}
	return s.inner.Search(ctx, req)
}

func (s *scriptedClient) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queries)
}

func runDoc(id, runID, message string, at time.Time) models.Document {
	return models.Document{
		ID:        id,
		Timestamp: at,
		Fields: map[string]any{
			"message":      message,
			"job":          "gate-tempest",
			"build_uuid":   runID,
			"build_name":   "gate-tempest",
			"build_status": "FAILURE",
			"build_queue":  "gate",
			"filename":     "console.html",
		},
	}
}

func testRun() models.RunDescriptor {
	return models.RunDescriptor{
		RunID:   "run-1",
		JobName: "gate-tempest",
		Start:   t0,
		End:     t0.Add(30 * time.Minute),
	}
}

func newTestEngine(t *testing.T, client SearchClient, defs catalog.StaticSource, opts Options) *Engine {
	t.Helper()
	cat, err := catalog.Load(defs)
	require.NoError(t, err)
	qc, err := cache.New(cache.Config{TTL: time.Minute}, utils.DiscardLogger())
	require.NoError(t, err)
	exec, err := NewExecutor(client, qc, ExecutorConfig{SampleIDs: 3, RunField: "build_uuid"}, utils.DiscardLogger())
	require.NoError(t, err)
	eng, err := New(catalog.NewStore(cat), exec, opts, utils.DiscardLogger())
	require.NoError(t, err)
	return eng
}

func TestClassifyRunMatchesKnownBug(t *testing.T) {
	mem := search.NewMemoryClient(
		runDoc("d1", "run-1", "tempest.lib.exceptions.TimeoutError: Request timed out", t0.Add(5*time.Minute)),
		runDoc("d2", "run-2", "TimeoutError elsewhere", t0.Add(5*time.Minute)),
	)
	eng := newTestEngine(t, mem, catalog.StaticSource{
		{BugID: "BUG-100", Query: `message ~ "TimeoutError" AND job = "gate-tempest"`},
		{BugID: "BUG-200", Query: `message:"No valid host was found"`},
	}, Options{})

	record, err := eng.ClassifyRun(context.Background(), testRun(), testRun().Span())
	require.NoError(t, err)
	assert.Equal(t, []string{"BUG-100"}, record.Matched)
	assert.Empty(t, record.Skipped)
	assert.Equal(t, 2, record.Checked)
	assert.Equal(t, models.DecisionMatched, record.Decision)
	assert.NotEmpty(t, record.ID)
}

func TestClassifyRunIsIdempotent(t *testing.T) {
	mem := search.NewMemoryClient(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)))
	eng := newTestEngine(t, mem, catalog.StaticSource{
		{BugID: "BUG-100", Query: `message:"TimeoutError"`},
		{BugID: "BUG-200", Query: `message:"Connection refused"`},
	}, Options{})

	first, err := eng.ClassifyRun(context.Background(), testRun(), testRun().Span())
	require.NoError(t, err)
	second, err := eng.ClassifyRun(context.Background(), testRun(), testRun().Span())
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("repeated classification differs (-first +second):\n%s", diff)
	}
}

func TestClassifyRunSkipsInactiveFingerprints(t *testing.T) {
	client := &scriptedClient{inner: search.NewMemoryClient(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)))}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "BUG-OLD", Query: `message:"TimeoutError"`, ClosedOn: "2024-04-01"},
		{BugID: "BUG-NEW", Query: `message:"TimeoutError"`, OpenSince: "2024-06-01"},
		{BugID: "BUG-LIVE", Query: `message:"TimeoutError"`, OpenSince: "2024-04-01"},
		{BugID: "BUG-QUIET", Query: `message:"TimeoutError"`, SuppressNotification: true},
	}, Options{})

	record, err := eng.ClassifyRun(context.Background(), testRun(), testRun().Span())
	require.NoError(t, err)
	assert.Equal(t, []string{"BUG-LIVE"}, record.Matched)
	assert.Equal(t, 1, record.Checked)
	assert.Equal(t, 1, client.calls(), "inactive and suppressed fingerprints must not reach the backend")
}

func TestClassifyRunPartialFailureKeepsCatalogOrder(t *testing.T) {
	mem := search.NewMemoryClient(
		runDoc("d1", "run-1", "alpha failure", t0.Add(time.Minute)),
		runDoc("d2", "run-1", "gamma failure", t0.Add(2*time.Minute)),
	)
	client := &scriptedClient{
		inner: mem,
		delay: map[string]time.Duration{"alpha": 50 * time.Millisecond},
		fail:  map[string]error{"beta": &search.Error{Status: 503, Temporary: true, Err: errors.New("unavailable")}},
	}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "A", Query: `message:"alpha"`},
		{BugID: "B", Query: `message:"beta"`},
		{BugID: "C", Query: `message:"gamma"`},
	}, Options{})

	record, err := eng.ClassifyRun(context.Background(), testRun(), testRun().Span())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, record.Matched)
	assert.Equal(t, []string{"B"}, record.Skipped)
	assert.Equal(t, 2, record.Checked)
	assert.False(t, record.AllSkipped())
}

func TestClassifyRunOutsideWindowIsUncategorized(t *testing.T) {
	client := &scriptedClient{inner: search.NewMemoryClient()}
	eng := newTestEngine(t, client, catalog.StaticSource{{BugID: "BUG-1", Query: `message:"x"`}}, Options{})

	window := models.TimeWindow{Start: t0.Add(2 * time.Hour), End: t0.Add(3 * time.Hour)}
	record, err := eng.ClassifyRun(context.Background(), testRun(), window)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionUncategorized, record.Decision)
	assert.Zero(t, record.Checked)
	assert.Empty(t, record.Skipped)
	assert.Zero(t, client.calls())
}

func TestClassifyRunRejectsInvalidInput(t *testing.T) {
	eng := newTestEngine(t, search.NewMemoryClient(), catalog.StaticSource{{BugID: "BUG-1", Query: `message:"x"`}}, Options{})

	_, err := eng.ClassifyRun(context.Background(), models.RunDescriptor{Start: t0}, testRun().Span())
	assert.Error(t, err)

	_, err = eng.ClassifyRun(context.Background(), testRun(), models.TimeWindow{Start: t0, End: t0})
	assert.Error(t, err)
}

func TestClassifyRunCallerTimeoutSkips(t *testing.T) {
	client := &scriptedClient{inner: search.NewMemoryClient(), block: true}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "A", Query: `message:"a"`},
		{BugID: "B", Query: `message:"b"`},
	}, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	record, err := eng.ClassifyRun(ctx, testRun(), testRun().Span())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, record.Skipped)
	assert.True(t, record.AllSkipped())
}

func TestNewRefusesMissingCatalog(t *testing.T) {
	qc, err := cache.New(cache.Config{}, nil)
	require.NoError(t, err)
	exec, err := NewExecutor(search.NewMemoryClient(), qc, ExecutorConfig{}, nil)
	require.NoError(t, err)

	_, err = New(catalog.NewStore(nil), exec, Options{}, nil)
	assert.ErrorIs(t, err, ErrNoCatalog)

	_, err = catalog.Load(catalog.StaticSource{
		{BugID: "BUG-1", Query: `message:"a"`},
		{BugID: "BUG-1", Query: `message:"b"`},
	})
	assert.ErrorIs(t, err, catalog.ErrDuplicateIdentifier)
}

func TestExecuteScopedErrorKinds(t *testing.T) {
	client := &scriptedClient{
		inner: search.NewMemoryClient(),
		fail: map[string]error{
			"bad":  &search.Error{Status: 400, Malformed: true, Err: errors.New("parse failure")},
			"gone": &search.Error{Status: 404, Err: errors.New("no index")},
		},
	}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "BAD", Query: `message:"bad"`},
		{BugID: "GONE", Query: `message:"gone"`},
	}, Options{})

	for bug, kind := range map[string]BackendErrorKind{"BAD": MalformedExpression, "GONE": Permanent} {
		fp, ok := eng.Catalog().Find(bug)
		require.True(t, ok)
		_, err := eng.exec.Execute(context.Background(), fp, testRun().Span())
		var be *BackendError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, kind, be.Kind, bug)
		assert.Equal(t, bug, be.BugID)
	}
}

func TestExecuteOutsideValidityMakesNoBackendCall(t *testing.T) {
	client := &scriptedClient{
		inner: search.NewMemoryClient(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute))),
	}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "CLOSED", Query: `message:"TimeoutError"`, ClosedOn: "2024-04-01"},
		{BugID: "FUTURE", Query: `message:"TimeoutError"`, OpenSince: "2024-06-01"},
	}, Options{})

	window := models.TimeWindow{Start: t0, End: t0.Add(time.Hour)}
	for _, bug := range []string{"CLOSED", "FUTURE"} {
		fp, ok := eng.Catalog().Find(bug)
		require.True(t, ok)
		res, err := eng.exec.Execute(context.Background(), fp, window)
		require.NoError(t, err, bug)
		assert.Zero(t, res.Count, bug)
		assert.Zero(t, res.Runs, bug)
		assert.Empty(t, res.SampleIDs, bug)
		assert.Equal(t, bug, res.BugID)
	}
	assert.Zero(t, client.calls(), "inactive fingerprints must not reach the backend")
}

func TestComputeStatsZeroRatio(t *testing.T) {
	mem := search.NewMemoryClient(
		runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)),
		runDoc("d2", "run-2", "Connection reset", t0.Add(2*time.Minute)),
		runDoc("d3", "run-3", "Connection reset", t0.Add(3*time.Minute)),
	)
	eng := newTestEngine(t, mem, catalog.StaticSource{
		{BugID: "BUG-100", Query: `message:"TimeoutError"`},
		{BugID: "BUG-404", Query: `message:"never logged"`},
		{BugID: "BUG-HIDDEN", Query: `message:"Connection reset"`, SuppressGraph: true},
	}, Options{
		EligibleRunsQuery: catalog.And(
			catalog.FieldMatch{Field: "filename", Value: "console.html"},
			catalog.FieldMatch{Field: "build_status", Value: "FAILURE"},
		),
		StatsQueue: "gate",
		CountRuns:  true,
	})

	window := models.TimeWindow{Start: t0, End: t0.Add(time.Hour)}
	report, err := eng.ComputeStats(context.Background(), window)
	require.NoError(t, err)
	require.Len(t, report.Fingerprints, 2)

	hit := report.Fingerprints["BUG-100"]
	assert.Equal(t, int64(1), hit.Matches)
	assert.Equal(t, int64(3), hit.TotalRuns)

	miss := report.Fingerprints["BUG-404"]
	assert.Zero(t, miss.Matches)
	assert.Equal(t, int64(3), miss.TotalRuns)
	assert.Zero(t, miss.Ratio())
	assert.Empty(t, report.Skipped)

	// Recomputing the same window replaces rather than doubles it.
	_, err = eng.ComputeStats(context.Background(), window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.Stats()["BUG-100"].Matches)

	next := models.TimeWindow{Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour)}
	_, err = eng.ComputeStats(context.Background(), next)
	require.NoError(t, err)
	assert.Zero(t, eng.Stats()["BUG-100"].TotalRuns, "the later window replaces the earlier one")

	// A late report for the earlier window does not overwrite the newer one.
	_, err = eng.ComputeStats(context.Background(), window)
	require.NoError(t, err)
	assert.Zero(t, eng.Stats()["BUG-100"].Matches)
}

func TestComputeStatsOverlappingTrailingWindows(t *testing.T) {
	mem := search.NewMemoryClient(
		runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)),
	)
	eng := newTestEngine(t, mem, catalog.StaticSource{
		{BugID: "BUG-100", Query: `message:"TimeoutError"`},
	}, Options{
		EligibleRunsQuery: catalog.FieldMatch{Field: "filename", Value: "console.html"},
	})

	// A trailing six hour window advanced one hour per tick, as the stats loop does.
	end := t0.Add(2 * time.Hour)
	for tick := 0; tick < 4; tick++ {
		window := models.TimeWindow{Start: end.Add(-6 * time.Hour), End: end}
		_, err := eng.ComputeStats(context.Background(), window)
		require.NoError(t, err)
		end = end.Add(time.Hour)
	}

	got := eng.Stats()["BUG-100"]
	assert.Equal(t, int64(1), got.Matches)
	assert.Equal(t, int64(1), got.TotalRuns)
}

func TestComputeStatsRequiresEligibleQuery(t *testing.T) {
	eng := newTestEngine(t, search.NewMemoryClient(), catalog.StaticSource{{BugID: "BUG-1", Query: `message:"a"`}}, Options{})
	_, err := eng.ComputeStats(context.Background(), testRun().Span())
	assert.Error(t, err)
}

func TestComputeStatsReportsSkipped(t *testing.T) {
	client := &scriptedClient{
		inner: search.NewMemoryClient(),
		fail:  map[string]error{"flaky": &search.Error{Status: 502, Temporary: true, Err: errors.New("bad gateway")}},
	}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "OK", Query: `message:"fine"`},
		{BugID: "FLAKY", Query: `message:"flaky"`},
	}, Options{EligibleRunsQuery: catalog.FieldMatch{Field: "build_status", Value: "FAILURE"}})

	report, err := eng.ComputeStats(context.Background(), models.TimeWindow{Start: t0, End: t0.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []string{"FLAKY"}, report.Skipped)
	_, tracked := eng.Stats()["FLAKY"]
	assert.False(t, tracked)
}

func TestAnalyzeSummarisesAttributes(t *testing.T) {
	mem := search.NewMemoryClient(
		runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)),
		runDoc("d2", "run-2", "TimeoutError", t0.Add(2*time.Minute)),
	)
	eng := newTestEngine(t, mem, catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})

	analysis, err := eng.Analyze(context.Background(), "BUG-100", models.TimeWindow{Start: t0, End: t0.Add(time.Hour)}, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(2), analysis.TotalHits)
	assert.Contains(t, analysis.Names(), "build_uuid")

	_, err = eng.Analyze(context.Background(), "BUG-999", testRun().Span(), 10)
	assert.Error(t, err)
}
