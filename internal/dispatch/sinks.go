package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/recheckstack/recheck/internal/models"
)

// DefaultBugURLTemplate links a bug identifier to its tracker entry.
const DefaultBugURLTemplate = "https://bugs.launchpad.net/bugs/%s"

// Report is the payload sent to notification sinks.
type Report struct {
	RunID     string    `json:"run_id"`
	Job       string    `json:"job,omitempty"`
	Change    string    `json:"change,omitempty"`
	Patchset  string    `json:"patchset,omitempty"`
	Queue     string    `json:"queue,omitempty"`
	LogURL    string    `json:"log_url,omitempty"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	Bugs      []BugLink `json:"bugs,omitempty"`
	Skipped   []string  `json:"skipped,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// BugLink pairs a bug identifier with its tracker URL.
type BugLink struct {
	ID  string `json:"id"`
	URL string `json:"url,omitempty"`
}

// NewReport builds the payload for decision.
func NewReport(run models.RunDescriptor, decision models.RecheckDecision, bugURLTemplate string) Report {
	r := Report{
		RunID:     run.RunID,
		Job:       run.JobName,
		Change:    run.Change,
		Patchset:  run.Patchset,
		Queue:     run.Queue,
		LogURL:    run.LogURL,
		Decision:  string(decision.Kind),
		Reason:    decision.Reason,
		Skipped:   decision.Record.Skipped,
		RecordID:  decision.Record.ID,
		DecidedAt: decision.DecidedAt.UTC(),
	}
	for _, id := range decision.BugIDs {
		r.Bugs = append(r.Bugs, BugLink{ID: id, URL: BugURL(bugURLTemplate, id)})
	}
	return r
}

// BugURL renders a tracker link. An empty template yields an empty URL.
func BugURL(template, bugID string) string {
	if template == "" || !strings.Contains(template, "%s") {
		return ""
	}
	return fmt.Sprintf(template, bugID)
}

// LogSink writes decisions to a structured logger.
type LogSink struct {
	logger         *slog.Logger
	bugURLTemplate string
}

// NewLogSink returns a sink logging through logger.
func NewLogSink(logger *slog.Logger, bugURLTemplate string) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, bugURLTemplate: bugURLTemplate}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Report(_ context.Context, run models.RunDescriptor, decision models.RecheckDecision) error {
	r := NewReport(run, decision, s.bugURLTemplate)
	urls := make([]string, 0, len(r.Bugs))
	for _, b := range r.Bugs {
		urls = append(urls, firstNonEmpty(b.URL, b.ID))
	}
	s.logger.Info("recheck report",
		slog.String("run", r.RunID),
		slog.String("job", r.Job),
		slog.String("change", r.Change),
		slog.String("decision", r.Decision),
		slog.Any("bugs", urls),
		slog.String("log_url", r.LogURL),
	)
	return nil
}

// WebhookConfig configures a WebhookSink.
type WebhookConfig struct {
	URL string
	// Timeout bounds one POST. Default: 10s.
	Timeout time.Duration
	// MaxRetries counts retries after the first attempt on 5xx. Default: 3.
	MaxRetries     int
	Headers        map[string]string
	BugURLTemplate string
	// InitialBackoff is the first retry delay. Default: 1s.
	InitialBackoff time.Duration
}

// WebhookSink POSTs each report as JSON.
type WebhookSink struct {
	cfg    WebhookConfig
	client *http.Client
}

// NewWebhookSink returns a webhook sink for cfg.URL.
func NewWebhookSink(cfg WebhookConfig) (*WebhookSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	return &WebhookSink{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Report(ctx context.Context, run models.RunDescriptor, decision models.RecheckDecision) error {
	body, err := json.Marshal(NewReport(run, decision, s.cfg.BugURLTemplate))
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}
	return s.postWithRetry(ctx, body)
}

// postWithRetry retries on 5xx and transport errors only.
func (s *WebhookSink) postWithRetry(ctx context.Context, body []byte) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxRetries)), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("webhook: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range s.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := fmt.Errorf("webhook: HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}, retry)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
