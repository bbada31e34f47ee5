package search

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/recheckstack/recheck/internal/utils"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

// newStubbedClient returns an ElasticClient whose transport is rt and whose
// retries do not sleep noticeably.
func newStubbedClient(cfg Config, rt roundTripFunc) *ElasticClient {
	if cfg.URL == "" {
		cfg.URL = "http://search.test:9200"
	}
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	client, err := NewElasticClient(cfg, utils.DiscardLogger())
	if err != nil {
		panic(err)
	}
	client.httpClient = &http.Client{Transport: rt}
	return client
}
