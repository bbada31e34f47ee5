package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
)

var window = models.TimeWindow{
	Start: time.Date(2024, 5, 1, 22, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 5, 2, 1, 0, 0, 0, time.UTC),
}

func mustParse(t *testing.T, q string) catalog.Expr {
	t.Helper()
	expr, err := catalog.ParseExpr(q)
	if err != nil {
		t.Fatalf("parse %q: %v", q, err)
	}
	return expr
}

func TestSearchBuildsBoundedQuery(t *testing.T) {
	var captured map[string]any
	client := newStubbedClient(Config{IndexFormat: "logstash-2006.01.02"}, func(req *http.Request) (*http.Response, error) {
		if req.Method != http.MethodPost {
			t.Fatalf("unexpected method %s", req.Method)
		}
		if got := req.URL.Path; got != "/logstash-2024.05.01,logstash-2024.05.02/_search" {
			t.Fatalf("unexpected path %s", got)
		}
		if req.URL.Query().Get("ignore_unavailable") != "true" {
			t.Fatalf("expected ignore_unavailable, got %s", req.URL.RawQuery)
		}
		data, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(data, &captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(http.StatusOK, `{
			"hits": {"total": {"value": 2, "relation": "eq"}, "hits": [
				{"_id": "a", "_source": {"@timestamp": "2024-05-01T23:00:00Z", "message": "TimeoutError"}},
				{"_id": "b", "_source": {"@timestamp": "2024-05-01T22:30:00Z", "message": "TimeoutError"}}
			]},
			"aggregations": {"distinct": {"value": 1}}
		}`), nil
	})

	resp, err := client.Search(context.Background(), Request{
		Query:    mustParse(t, `message:"TimeoutError"`),
		Window:   window,
		Size:     2,
		Distinct: "build_uuid",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 2 || resp.Distinct != 1 || len(resp.Hits) != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Hits[0].ID != "a" || !resp.Hits[0].Timestamp.Equal(time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first hit %+v", resp.Hits[0])
	}

	query := captured["query"].(map[string]any)["bool"].(map[string]any)
	must := query["must"].([]any)[0].(map[string]any)["query_string"].(map[string]any)
	if must["query"] != `message:"TimeoutError"` {
		t.Fatalf("unexpected query_string %v", must["query"])
	}
	rng := query["filter"].([]any)[0].(map[string]any)["range"].(map[string]any)["@timestamp"].(map[string]any)
	if rng["gte"] != "2024-05-01T22:00:00Z" || rng["lt"] != "2024-05-02T01:00:00Z" {
		t.Fatalf("unexpected range %v", rng)
	}
	if _, ok := captured["aggs"]; !ok {
		t.Fatalf("expected cardinality aggregation")
	}
}

func TestSearchAcceptsLegacyTotal(t *testing.T) {
	client := newStubbedClient(Config{}, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/logstash-*/_search" {
			t.Fatalf("expected index pattern, got %s", req.URL.Path)
		}
		return jsonResponse(http.StatusOK, `{"hits": {"total": 17, "hits": []}}`), nil
	})
	resp, err := client.Search(context.Background(), Request{Query: mustParse(t, `build_name:"x"`), Window: window})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 17 {
		t.Fatalf("expected 17, got %d", resp.Total)
	}
}

func TestSearchRetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	client := newStubbedClient(Config{MaxRetries: 3}, func(*http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return jsonResponse(http.StatusServiceUnavailable, `{"error":"busy"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"hits": {"total": {"value": 1}, "hits": []}}`), nil
	})
	resp, err := client.Search(context.Background(), Request{Query: mustParse(t, `a:b`), Window: window})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Total != 1 || calls.Load() != 3 {
		t.Fatalf("expected success on third attempt, calls=%d total=%d", calls.Load(), resp.Total)
	}
}

func TestSearchDoesNotRetryMalformed(t *testing.T) {
	var calls atomic.Int32
	client := newStubbedClient(Config{MaxRetries: 3}, func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return jsonResponse(http.StatusBadRequest, `{"error":"query_shard_exception"}`), nil
	})
	_, err := client.Search(context.Background(), Request{Query: mustParse(t, `a:b`), Window: window})
	var se *Error
	if !errors.As(err, &se) || !se.Malformed || se.Temporary {
		t.Fatalf("expected malformed search error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("malformed queries must not be retried, calls=%d", calls.Load())
	}
}

func TestSearchGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	client := newStubbedClient(Config{MaxRetries: 2}, func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("connection reset")
	})
	_, err := client.Search(context.Background(), Request{Query: mustParse(t, `a:b`), Window: window})
	if !IsTemporary(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected initial attempt plus two retries, got %d", calls.Load())
	}
}

func TestSearchPermanentStatus(t *testing.T) {
	client := newStubbedClient(Config{MaxRetries: 2}, func(*http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusNotFound, ``), nil
	})
	_, err := client.Search(context.Background(), Request{Query: mustParse(t, `a:b`), Window: window})
	var se *Error
	if !errors.As(err, &se) || se.Temporary || se.Malformed || se.Status != http.StatusNotFound {
		t.Fatalf("expected permanent 404 error, got %v", err)
	}
}

func TestNewElasticClientRequiresURL(t *testing.T) {
	if _, err := NewElasticClient(Config{}, nil); err == nil {
		t.Fatal("expected error without URL")
	}
}

func TestMostRecentAsksForOneNewestHit(t *testing.T) {
	var captured map[string]any
	client := newStubbedClient(Config{}, func(req *http.Request) (*http.Response, error) {
		data, _ := io.ReadAll(req.Body)
		if err := json.Unmarshal(data, &captured); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		return jsonResponse(http.StatusOK, `{"hits": {"total": 40, "hits": [
			{"_id": "a", "_source": {"@timestamp": "2024-05-01T23:59:00Z", "filename": "console.html"}}
		]}}`), nil
	})

	latest, err := MostRecent(context.Background(), client, mustParse(t, `filename:"console.html"`), window)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !latest.Equal(time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)) {
		t.Fatalf("unexpected timestamp %v", latest)
	}
	if captured["size"] != float64(1) {
		t.Fatalf("expected size 1, got %v", captured["size"])
	}
	order := captured["sort"].([]any)[0].(map[string]any)["@timestamp"].(map[string]any)["order"]
	if order != "desc" {
		t.Fatalf("expected newest-first sort, got %v", order)
	}
}
