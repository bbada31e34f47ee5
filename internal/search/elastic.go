package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/recheckstack/recheck/internal/metrics"
	"github.com/recheckstack/recheck/internal/models"
)

const maxDailyIndices = 45

// Config describes how to reach an Elasticsearch/OpenSearch logstash index.
type Config struct {
	URL string
	// IndexFormat is a Go time layout naming one index per day, e.g.
	// "logstash-2006.01.02". When empty, IndexPattern is queried instead.
	IndexFormat string
	// IndexPattern is used when IndexFormat is empty or the window spans too many days.
	IndexPattern   string
	TimestampField string
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ElasticClient issues query_string searches bounded by a time range.
type ElasticClient struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewElasticClient constructs a client with a tuned transport.
func NewElasticClient(cfg Config, logger *slog.Logger) (*ElasticClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("search URL not configured")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parse search URL: %w", err)
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.IndexPattern == "" {
		cfg.IndexPattern = "logstash-*"
	}
	if cfg.TimestampField == "" {
		cfg.TimestampField = "@timestamp"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxConnsPerHost:     20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &ElasticClient{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger:     logger,
	}, nil
}

// Search runs req, retrying temporary failures with exponential backoff.
func (c *ElasticClient) Search(ctx context.Context, req Request) (Response, error) {
	if c == nil {
		return Response{}, fmt.Errorf("search client not initialised")
	}
	if req.Query == nil {
		return Response{}, &Error{Malformed: true, Err: errors.New("empty query")}
	}
	if err := req.Window.Validate(); err != nil {
		return Response{}, &Error{Malformed: true, Err: err}
	}

	body, err := json.Marshal(c.buildBody(req))
	if err != nil {
		return Response{}, fmt.Errorf("marshal search body: %w", err)
	}
	endpoint := c.searchURL(req.Window)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	attempt := 0
	op := func() (Response, error) {
		attempt++
		start := time.Now()
		resp, err := c.post(ctx, endpoint, body)
		metrics.ObserveBackendQuery(outcomeFor(err), time.Since(start))
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return Response{}, backoff.Permanent(err)
		}
		if !IsTemporary(err) {
			return Response{}, backoff.Permanent(err)
		}
		c.logger.Debug("search attempt failed", slog.Int("attempt", attempt), slog.Any("error", err))
		return Response{}, err
	}

	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.cfg.MaxRetries)), ctx)
	return backoff.RetryWithData(op, retry)
}

func (c *ElasticClient) buildBody(req Request) map[string]any {
	body := map[string]any{
		"size":             req.Size,
		"track_total_hits": true,
		"sort": []any{
			map[string]any{c.cfg.TimestampField: map[string]string{"order": "desc"}},
		},
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"query_string": map[string]any{
						"query":            req.Query.QueryString(),
						"default_operator": "AND",
					}},
				},
				"filter": []any{
					map[string]any{"range": map[string]any{
						c.cfg.TimestampField: map[string]string{
							"gte":    req.Window.Start.UTC().Format(time.RFC3339Nano),
							"lt":     req.Window.End.UTC().Format(time.RFC3339Nano),
							"format": "strict_date_optional_time",
						},
					}},
				},
			},
		},
	}
	if req.Distinct != "" {
		body["aggs"] = map[string]any{
			"distinct": map[string]any{"cardinality": map[string]string{"field": req.Distinct}},
		}
	}
	return body
}

// searchURL names one index per day covered by the window so the backend
// does not fan out over the whole retention period.
func (c *ElasticClient) searchURL(window models.TimeWindow) string {
	indices := c.cfg.IndexPattern
	if c.cfg.IndexFormat != "" {
		var names []string
		day := window.Start.UTC().Truncate(24 * time.Hour)
		for day.Before(window.End) && len(names) <= maxDailyIndices {
			names = append(names, day.Format(c.cfg.IndexFormat))
			day = day.Add(24 * time.Hour)
		}
		if len(names) > 0 && len(names) <= maxDailyIndices {
			indices = strings.Join(names, ",")
		}
	}
	return c.cfg.URL + "/" + indices + "/_search?ignore_unavailable=true&allow_no_indices=true"
}

type esResponse struct {
	Hits struct {
		Total json.RawMessage `json:"total"`
		Hits  []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
	Aggregations struct {
		Distinct struct {
			Value float64 `json:"value"`
		} `json:"distinct"`
	} `json:"aggregations"`
}

func (c *ElasticClient) post(ctx context.Context, endpoint string, body []byte) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, &Error{Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, &Error{Status: resp.StatusCode, Temporary: true, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return Response{}, statusError(resp.StatusCode, payload)
	}

	var decoded esResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Response{}, &Error{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	total, err := parseTotal(decoded.Hits.Total)
	if err != nil {
		return Response{}, &Error{Status: resp.StatusCode, Err: err}
	}

	out := Response{Total: total, Distinct: int64(decoded.Aggregations.Distinct.Value)}
	for _, hit := range decoded.Hits.Hits {
		out.Hits = append(out.Hits, models.Document{
			ID:        hit.ID,
			Timestamp: parseHitTime(hit.Source[c.cfg.TimestampField]),
			Fields:    hit.Source,
		})
	}
	return out, nil
}

func statusError(status int, payload []byte) *Error {
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := &Error{Status: status, Err: errors.New(firstNonEmpty(msg, http.StatusText(status)))}
	switch {
	case status == http.StatusBadRequest:
		err.Malformed = true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		err.Temporary = true
	}
	return err
}

// parseTotal accepts both the 6.x integer and the 7.x {"value": n} form.
func parseTotal(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var obj struct {
		Value int64 `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return 0, fmt.Errorf("decode hits.total: %w", err)
	}
	return obj.Value, nil
}

func parseHitTime(v any) time.Time {
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func outcomeFor(err error) string {
	var se *Error
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	case errors.As(err, &se) && se.Malformed:
		return metrics.OutcomeMalformed
	case errors.As(err, &se) && se.Temporary:
		return metrics.OutcomeTransient
	default:
		return metrics.OutcomePermanent
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
