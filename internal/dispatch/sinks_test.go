package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recheckstack/recheck/internal/models"
)

func knownBugDecision() models.RecheckDecision {
	return models.RecheckDecision{
		Kind:      models.KnownBug,
		BugIDs:    []string{"1253896"},
		Reason:    "matched known bug fingerprints",
		Record:    models.ClassificationRecord{ID: "rec-1", RunID: "run-1"},
		DecidedAt: t0,
	}
}

func TestWebhookSinkPostsReport(t *testing.T) {
	var got Report
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{
		URL:            srv.URL,
		Headers:        map[string]string{"X-Token": "secret"},
		BugURLTemplate: DefaultBugURLTemplate,
	})
	require.NoError(t, err)

	r := run("run-1")
	r.Change, r.LogURL = "12345", "https://logs.example.org/45/12345/1/gate/gate-tempest/abc/"
	require.NoError(t, sink.Report(context.Background(), r, knownBugDecision()))

	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "known_bug", got.Decision)
	require.Len(t, got.Bugs, 1)
	assert.Equal(t, "https://bugs.launchpad.net/bugs/1253896", got.Bugs[0].URL)
	assert.Equal(t, "rec-1", got.RecordID)
}

func TestWebhookSinkRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, InitialBackoff: time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, sink.Report(context.Background(), run("run-1"), knownBugDecision()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookSinkDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink, err := NewWebhookSink(WebhookConfig{URL: srv.URL, InitialBackoff: time.Millisecond})
	require.NoError(t, err)
	assert.Error(t, sink.Report(context.Background(), run("run-1"), knownBugDecision()))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewWebhookSinkRequiresURL(t *testing.T) {
	_, err := NewWebhookSink(WebhookConfig{})
	assert.Error(t, err)
}

func TestBugURL(t *testing.T) {
	assert.Equal(t, "https://bugs.launchpad.net/bugs/42", BugURL(DefaultBugURLTemplate, "42"))
	assert.Empty(t, BugURL("", "42"))
	assert.Empty(t, BugURL("https://no-placeholder", "42"))
}
