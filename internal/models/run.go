package models

import (
	"fmt"
	"strings"
	"time"
)

// RunDescriptor identifies a single failed CI run.
type RunDescriptor struct {
	RunID    string
	JobName  string
	Change   string
	Patchset string
	Queue    string
	Start    time.Time
	End      time.Time
	LogURL   string
}

// Validate checks the descriptor carries an identifier and a usable time span.
func (r RunDescriptor) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if r.Start.IsZero() {
		return fmt.Errorf("run %s: start time is required", r.RunID)
	}
	if !r.End.IsZero() && r.End.Before(r.Start) {
		return fmt.Errorf("run %s: end precedes start", r.RunID)
	}
	return nil
}

// Span returns the run's own time span. Runs that report no end, or an end
// equal to the start, are treated as lasting one second so the window stays
// non-empty.
func (r RunDescriptor) Span() TimeWindow {
	end := r.End
	if !end.After(r.Start) {
		end = r.Start.Add(time.Second)
	}
	return TimeWindow{Start: r.Start.UTC(), End: end.UTC()}
}
