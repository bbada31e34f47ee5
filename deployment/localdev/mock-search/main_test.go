package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/search"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func doc(id, uuid, message string, at time.Time) models.Document {
	return models.Document{ID: id, Timestamp: at, Fields: map[string]any{
		"@timestamp": at.Format(time.RFC3339),
		"message":    message,
		"build_uuid": uuid,
		"filename":   "console.html",
	}}
}

func newBackend(t *testing.T) *search.ElasticClient {
	t.Helper()
	mem := search.NewMemoryClient(
		doc("d1", "u1", "TimeoutError: timed out", t0.Add(time.Minute)),
		doc("d2", "u1", "TimeoutError: timed out", t0.Add(2*time.Minute)),
		doc("d3", "u2", "TimeoutError: timed out", t0.Add(3*time.Minute)),
		doc("d4", "u3", "all good", t0.Add(4*time.Minute)),
	)
	srv := httptest.NewServer(newMux(mem, "@timestamp"))
	t.Cleanup(srv.Close)

	client, err := search.NewElasticClient(search.Config{URL: srv.URL, MaxRetries: 0}, nil)
	require.NoError(t, err)
	return client
}

func TestSearchRoundTripsThroughElasticClient(t *testing.T) {
	client := newBackend(t)
	expr, err := catalog.ParseExpr(`message:"TimeoutError" AND filename:"console.html"`)
	require.NoError(t, err)

	window, err := models.NewTimeWindow(t0, t0.Add(time.Hour))
	require.NoError(t, err)
	resp, err := client.Search(context.Background(), search.Request{Query: expr, Window: window, Size: 2, Distinct: "build_uuid"})
	require.NoError(t, err)

	assert.Equal(t, int64(3), resp.Total)
	assert.Equal(t, int64(2), resp.Distinct)
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "d3", resp.Hits[0].ID)
	assert.Equal(t, t0.Add(3*time.Minute), resp.Hits[0].Timestamp)
}

func TestSearchHonoursWindow(t *testing.T) {
	client := newBackend(t)
	expr, err := catalog.ParseExpr(`message:"TimeoutError"`)
	require.NoError(t, err)

	window, err := models.NewTimeWindow(t0.Add(90*time.Second), t0.Add(150*time.Second))
	require.NoError(t, err)
	resp, err := client.Search(context.Background(), search.Request{Query: expr, Window: window})
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)
}

func TestSearchRejectsMalformedQuery(t *testing.T) {
	mem := search.NewMemoryClient()
	srv := httptest.NewServer(newMux(mem, "@timestamp"))
	defer srv.Close()

	body := []byte(`{"size":0,"query":{"bool":{"must":[{"query_string":{"query":"message:("}}],"filter":[{"range":{"@timestamp":{"gte":"2024-05-01T10:00:00Z","lt":"2024-05-01T11:00:00Z"}}}]}}}`)
	resp, err := http.Post(srv.URL+"/logstash-2024.05.01/_search", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/logstash-2024.05.01/_search")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
}

func TestSearchMissingRange(t *testing.T) {
	var body searchBody
	require.NoError(t, json.Unmarshal([]byte(`{"query":{"bool":{"must":[{"query_string":{"query":"message:\"x\""}}]}}}`), &body))
	_, err := toRequest(body, "@timestamp")
	assert.ErrorContains(t, err, "missing range filter")
}
