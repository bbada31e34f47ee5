// Package recheckv1 declares the recheck.v1 wire messages and the
// RecheckEngine gRPC service. Messages travel as JSON through the codec
// registered in codec.go; timestamps use the protobuf well-known type.
package recheckv1

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

type TimeWindow struct {
	Start *timestamppb.Timestamp `json:"start,omitempty"`
	End   *timestamppb.Timestamp `json:"end,omitempty"`
}

type RunDescriptor struct {
	RunId    string                 `json:"run_id,omitempty"`
	JobName  string                 `json:"job_name,omitempty"`
	Change   string                 `json:"change,omitempty"`
	Patchset string                 `json:"patchset,omitempty"`
	Queue    string                 `json:"queue,omitempty"`
	Start    *timestamppb.Timestamp `json:"start,omitempty"`
	End      *timestamppb.Timestamp `json:"end,omitempty"`
	LogUrl   string                 `json:"log_url,omitempty"`
}

func (x *RunDescriptor) GetRunId() string {
	if x == nil {
		return ""
	}
	return x.RunId
}

type ClassificationRecord struct {
	Id       string      `json:"id,omitempty"`
	RunId    string      `json:"run_id,omitempty"`
	Window   *TimeWindow `json:"window,omitempty"`
	Matched  []string    `json:"matched,omitempty"`
	Skipped  []string    `json:"skipped,omitempty"`
	Checked  int32       `json:"checked,omitempty"`
	Decision string      `json:"decision,omitempty"`
}

type DecideRequest struct {
	Run *RunDescriptor `json:"run,omitempty"`
}

func (x *DecideRequest) GetRun() *RunDescriptor {
	if x == nil {
		return nil
	}
	return x.Run
}

type DecideResponse struct {
	Kind      string                 `json:"kind,omitempty"`
	BugIds    []string               `json:"bug_ids,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Record    *ClassificationRecord  `json:"record,omitempty"`
	DecidedAt *timestamppb.Timestamp `json:"decided_at,omitempty"`
}

type ClassifyRunRequest struct {
	Run *RunDescriptor `json:"run,omitempty"`
	// Window defaults to the run's own span when unset.
	Window *TimeWindow `json:"window,omitempty"`
}

func (x *ClassifyRunRequest) GetRun() *RunDescriptor {
	if x == nil {
		return nil
	}
	return x.Run
}

func (x *ClassifyRunRequest) GetWindow() *TimeWindow {
	if x == nil {
		return nil
	}
	return x.Window
}

type ClassifyRunResponse struct {
	Record *ClassificationRecord `json:"record,omitempty"`
}

type FingerprintStats struct {
	BugId     string  `json:"bug_id,omitempty"`
	Matches   int64   `json:"matches,omitempty"`
	TotalRuns int64   `json:"total_runs,omitempty"`
	Ratio     float64 `json:"ratio,omitempty"`
	Skipped   bool    `json:"skipped,omitempty"`
}

type ComputeStatsRequest struct {
	Window *TimeWindow `json:"window,omitempty"`
}

func (x *ComputeStatsRequest) GetWindow() *TimeWindow {
	if x == nil {
		return nil
	}
	return x.Window
}

type ComputeStatsResponse struct {
	Window       *TimeWindow         `json:"window,omitempty"`
	Fingerprints []*FingerprintStats `json:"fingerprints,omitempty"`
	Skipped      []string            `json:"skipped,omitempty"`
}

type Fingerprint struct {
	BugId                string                 `json:"bug_id,omitempty"`
	Query                string                 `json:"query,omitempty"`
	Facility             string                 `json:"facility,omitempty"`
	OpenSince            *timestamppb.Timestamp `json:"open_since,omitempty"`
	ClosedOn             *timestamppb.Timestamp `json:"closed_on,omitempty"`
	SuppressNotification bool                   `json:"suppress_notification,omitempty"`
	SuppressStats        bool                   `json:"suppress_stats,omitempty"`
	Origin               string                 `json:"origin,omitempty"`
	LogstashQuery        string                 `json:"logstash_query,omitempty"`
}

type ListFingerprintsRequest struct {
	// ActiveOnly drops fingerprints whose validity has ended.
	ActiveOnly bool `json:"active_only,omitempty"`
}

type ListFingerprintsResponse struct {
	Fingerprints []*Fingerprint `json:"fingerprints,omitempty"`
}

type SubmitRunsRequest struct {
	Runs []*RunDescriptor `json:"runs,omitempty"`
}

type Rejection struct {
	RunId  string `json:"run_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type SubmitRunsResponse struct {
	Accepted int32        `json:"accepted,omitempty"`
	Rejected []*Rejection `json:"rejected,omitempty"`
}

type HealthRequest struct{}

type HealthResponse struct {
	Status        string `json:"status,omitempty"`
	CatalogSize   int32  `json:"catalog_size,omitempty"`
	CacheEntries  int32  `json:"cache_entries,omitempty"`
	QueueDepth    int32  `json:"queue_depth,omitempty"`
	LatestIndexed string `json:"latest_indexed,omitempty"`
}
