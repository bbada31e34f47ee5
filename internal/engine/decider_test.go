package engine

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/search"
)

func fixedClock() time.Time { return t0.Add(time.Hour) }

func TestDecideKnownBug(t *testing.T) {
	mem := search.NewMemoryClient(runDoc("d1", "run-1", "TimeoutError: timed out waiting for server", t0.Add(3*time.Minute)))
	eng := newTestEngine(t, mem, catalog.StaticSource{
		{BugID: "BUG-100", Query: `message ~ "TimeoutError" AND job = "gate-tempest"`},
	}, Options{})
	d, err := NewDecider(eng, DeciderOptions{Clock: fixedClock}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.KnownBug, decision.Kind)
	assert.Equal(t, []string{"BUG-100"}, decision.BugIDs)
	assert.Equal(t, fixedClock(), decision.DecidedAt)
	assert.Equal(t, "run-1", decision.Record.RunID)
}

func TestDecideUncategorized(t *testing.T) {
	mem := search.NewMemoryClient(runDoc("d1", "run-1", "something new broke", t0.Add(3*time.Minute)))
	eng := newTestEngine(t, mem, catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.Uncategorized, decision.Kind)
	assert.Empty(t, decision.BugIDs)
}

func TestDecideAllSkippedIsIndeterminate(t *testing.T) {
	down := &search.Error{Status: 503, Temporary: true, Err: errors.New("cluster red")}
	client := &scriptedClient{
		inner: search.NewMemoryClient(),
		fail:  map[string]error{"message": down},
	}
	eng := newTestEngine(t, client, catalog.StaticSource{
		{BugID: "A", Query: `message:"a"`},
		{BugID: "B", Query: `message:"b"`},
	}, Options{})
	d, err := NewDecider(eng, DeciderOptions{}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.Indeterminate, decision.Kind)
	assert.Equal(t, []string{"A", "B"}, decision.Record.Skipped)
}

func TestDecideWaitsForIndexing(t *testing.T) {
	mem := search.NewMemoryClient()
	eng := newTestEngine(t, mem, catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{
		ReadyQuery: catalog.FieldMatch{Field: "filename", Value: "console.html"},
	}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.Indeterminate, decision.Kind)

	mem.Add(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)))
	decision, err = d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.KnownBug, decision.Kind)
}

func TestDecidePollsUntilIndexed(t *testing.T) {
	mem := search.NewMemoryClient()
	eng := newTestEngine(t, mem, catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{
		ReadyQuery:        catalog.FieldMatch{Field: "filename", Value: "console.html"},
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyTimeout:      5 * time.Second,
		Clock:             fixedClock,
	}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		mem.Add(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)))
	}()

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.KnownBug, decision.Kind)
	assert.Equal(t, []string{"BUG-100"}, decision.BugIDs)
}

func TestDecideReadyTimeoutIsIndeterminate(t *testing.T) {
	eng := newTestEngine(t, search.NewMemoryClient(), catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{
		ReadyQuery:        catalog.FieldMatch{Field: "filename", Value: "console.html"},
		ReadyPollInterval: 10 * time.Millisecond,
		ReadyTimeout:      60 * time.Millisecond,
		Clock:             fixedClock,
	}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.Indeterminate, decision.Kind)
	assert.Contains(t, decision.Reason, "run logs not indexed yet")
	assert.Contains(t, decision.Reason, "nothing indexed in the last")
}

func TestDecideWaitsForRequiredFiles(t *testing.T) {
	mem := search.NewMemoryClient(runDoc("d1", "run-1", "TimeoutError", t0.Add(time.Minute)))
	eng := newTestEngine(t, mem, catalog.StaticSource{{BugID: "BUG-100", Query: `message:"TimeoutError"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{
		ReadyQuery: catalog.FieldMatch{Field: "filename", Value: "console.html"},
		RequiredFiles: []RequiredFiles{
			{JobPattern: regexp.MustCompile(`^gate-tempest`), Files: []string{"logs/syslog.txt"}},
			{JobPattern: regexp.MustCompile(`^grenade`), Files: []string{"logs/grenade.sh.txt"}},
		},
		Clock: fixedClock,
	}, nil)
	require.NoError(t, err)

	decision, err := d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.Indeterminate, decision.Kind)
	assert.Contains(t, decision.Reason, "logs/syslog.txt")
	assert.NotContains(t, decision.Reason, "grenade", "rules for other jobs do not apply")
	assert.Contains(t, decision.Reason, "index lag 59m0s")

	syslog := runDoc("d2", "run-1", "kernel: eth0 up", t0.Add(2*time.Minute))
	syslog.Fields["filename"] = "logs/syslog.txt"
	mem.Add(syslog)

	decision, err = d.Decide(context.Background(), testRun())
	require.NoError(t, err)
	assert.Equal(t, models.KnownBug, decision.Kind)
}

func TestDecideWindowIncludesIndexingMargin(t *testing.T) {
	eng := newTestEngine(t, search.NewMemoryClient(), catalog.StaticSource{{BugID: "BUG-1", Query: `message:"a"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{IndexingMargin: 5 * time.Minute}, nil)
	require.NoError(t, err)

	w := d.Window(testRun())
	assert.Equal(t, t0.Add(-5*time.Minute), w.Start)
	assert.Equal(t, t0.Add(35*time.Minute), w.End)
}

func TestDecideRejectsInvalidRun(t *testing.T) {
	eng := newTestEngine(t, search.NewMemoryClient(), catalog.StaticSource{{BugID: "BUG-1", Query: `message:"a"`}}, Options{})
	d, err := NewDecider(eng, DeciderOptions{}, nil)
	require.NoError(t, err)

	_, err = d.Decide(context.Background(), models.RunDescriptor{RunID: "run-1"})
	assert.Error(t, err)

	_, err = NewDecider(nil, DeciderOptions{}, nil)
	assert.Error(t, err)
}
