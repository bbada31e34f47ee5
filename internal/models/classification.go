package models

import (
	"slices"
	"time"
)

// QueryResult is the outcome of one fingerprint query over one window. Runs
// is the number of distinct runs among the hits, when the backend was asked
// to count them.
type QueryResult struct {
	BugID     string
	Window    TimeWindow
	Count     int64
	Runs      int64
	SampleIDs []string
	Samples   []Document
}

// Matched reports whether the query returned at least one document.
func (r QueryResult) Matched() bool {
	return r.Count > 0
}

// Clone returns a copy that shares no slices with r.
func (r QueryResult) Clone() QueryResult {
	out := r
	out.SampleIDs = slices.Clone(r.SampleIDs)
	if r.Samples != nil {
		out.Samples = make([]Document, len(r.Samples))
		for i, doc := range r.Samples {
			out.Samples[i] = doc.Clone()
		}
	}
	return out
}

// Document is a single indexed log line as returned by the search backend.
type Document struct {
	ID        string
	Timestamp time.Time
	Fields    map[string]any
}

// Clone copies the document's field map.
func (d Document) Clone() Document {
	out := d
	if d.Fields != nil {
		out.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// Decision is the terminal state of a ClassificationRecord.
type Decision string

const (
	DecisionMatched       Decision = "matched"
	DecisionUncategorized Decision = "uncategorized"
)

// ClassificationRecord captures which fingerprints matched a single run.
type ClassificationRecord struct {
	ID       string
	RunID    string
	Window   TimeWindow
	Matched  []string
	Skipped  []string
	Checked  int
	Decision Decision
}

// AllSkipped reports whether fingerprints were attempted but none could be evaluated.
func (r ClassificationRecord) AllSkipped() bool {
	return r.Checked == 0 && len(r.Skipped) > 0
}

// DecisionKind enumerates recheck outcomes.
type DecisionKind string

const (
	KnownBug      DecisionKind = "known_bug"
	Uncategorized DecisionKind = "uncategorized"
	Indeterminate DecisionKind = "indeterminate"
)

// RecheckDecision is the verdict handed to notifiers.
type RecheckDecision struct {
	Kind      DecisionKind
	BugIDs    []string
	Reason    string
	Record    ClassificationRecord
	DecidedAt time.Time
}
