// Command mock-search serves a minimal Elasticsearch _search endpoint over a
// JSON document file so recheck-engine can run locally without a cluster.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/search"
	"github.com/recheckstack/recheck/internal/utils"
)

func main() {
	var (
		addr      string
		docsPath  string
		timeField string
	)
	flag.StringVar(&addr, "addr", ":9200", "Listen address")
	flag.StringVar(&docsPath, "docs", "testdata/documents.json", "JSON array of log documents")
	flag.StringVar(&timeField, "timestamp-field", "@timestamp", "Field carrying the document timestamp")
	flag.Parse()

	logger := utils.NewLogger("info", false).With(slog.String("component", "search-mock"))

	f, err := os.Open(docsPath)
	if err != nil {
		logger.Error("open documents", slog.Any("error", err))
		os.Exit(1)
	}
	docs, err := search.LoadDocuments(f)
	f.Close()
	if err != nil {
		logger.Error("load documents", slog.Any("error", err))
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, newMux(search.NewMemoryClient(docs...), timeField)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("listening", slog.String("address", addr), slog.Int("documents", len(docs)))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func newMux(backend *search.MemoryClient, timeField string) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	// Index names in the path are ignored; every index is the same document set.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/_search") {
			http.NotFound(w, r)
			return
		}
		if !enforcePost(w, r) {
			return
		}
		handleSearch(w, r, backend, timeField)
	})
	return mux
}

type searchBody struct {
	Size  int `json:"size"`
	Query struct {
		Bool struct {
			Must []struct {
				QueryString *struct {
					Query string `json:"query"`
				} `json:"query_string"`
			} `json:"must"`
			Filter []struct {
				Range map[string]struct {
					GTE string `json:"gte"`
					LT  string `json:"lt"`
				} `json:"range"`
			} `json:"filter"`
		} `json:"bool"`
	} `json:"query"`
	Aggs map[string]struct {
		Cardinality struct {
			Field string `json:"field"`
		} `json:"cardinality"`
	} `json:"aggs"`
}

func handleSearch(w http.ResponseWriter, r *http.Request, backend *search.MemoryClient, timeField string) {
	var body searchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "parsing_exception", err)
		return
	}

	req, err := toRequest(body, timeField)
	if err != nil {
		writeError(w, http.StatusBadRequest, "query_shard_exception", err)
		return
	}

	resp, err := backend.Search(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "search_phase_execution_exception", err)
		return
	}

	hits := make([]map[string]any, 0, len(resp.Hits))
	for _, doc := range resp.Hits {
		hits = append(hits, map[string]any{"_id": doc.ID, "_source": doc.Fields})
	}
	payload := map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": resp.Total, "relation": "eq"},
			"hits":  hits,
		},
	}
	if req.Distinct != "" {
		payload["aggregations"] = map[string]any{"distinct": map[string]any{"value": resp.Distinct}}
	}
	writeJSON(w, payload)
}

func toRequest(body searchBody, timeField string) (search.Request, error) {
	var query string
	for _, clause := range body.Query.Bool.Must {
		if clause.QueryString != nil {
			query = clause.QueryString.Query
		}
	}
	expr, err := catalog.ParseExpr(query)
	if err != nil {
		return search.Request{}, err
	}

	var window models.TimeWindow
	for _, clause := range body.Query.Bool.Filter {
		bounds, ok := clause.Range[timeField]
		if !ok {
			continue
		}
		start, err := time.Parse(time.RFC3339Nano, bounds.GTE)
		if err != nil {
			return search.Request{}, fmt.Errorf("range gte: %w", err)
		}
		end, err := time.Parse(time.RFC3339Nano, bounds.LT)
		if err != nil {
			return search.Request{}, fmt.Errorf("range lt: %w", err)
		}
		if window, err = models.NewTimeWindow(start, end); err != nil {
			return search.Request{}, err
		}
	}
	if window.IsZero() {
		return search.Request{}, fmt.Errorf("missing range filter on %s", timeField)
	}

	req := search.Request{Query: expr, Window: window, Size: body.Size}
	if agg, ok := body.Aggs["distinct"]; ok {
		req.Distinct = agg.Cardinality.Field
	}
	return req, nil
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("encode error", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, kind string, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  map[string]any{"type": kind, "reason": err.Error()},
		"status": status,
	})
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rw.status),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
