package models

import (
	"fmt"
	"time"
)

// TimeWindow bounds a query to the half-open interval [Start, End).
type TimeWindow struct {
	Start time.Time
	End   time.Time
}

// NewTimeWindow builds a validated window.
func NewTimeWindow(start, end time.Time) (TimeWindow, error) {
	w := TimeWindow{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return TimeWindow{}, err
	}
	return w, nil
}

// Validate enforces Start < End.
func (w TimeWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return fmt.Errorf("time window requires start and end")
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("time window start %s must be before end %s", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
	}
	return nil
}

// IsZero reports whether neither bound is set.
func (w TimeWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// Duration returns End - Start.
func (w TimeWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Intersects reports whether the two windows share at least one instant.
func (w TimeWindow) Intersects(other TimeWindow) bool {
	return w.Start.Before(other.End) && other.Start.Before(w.End)
}

// Intersect returns the overlap of both windows. ok is false when they are disjoint.
func (w TimeWindow) Intersect(other TimeWindow) (TimeWindow, bool) {
	if !w.Intersects(other) {
		return TimeWindow{}, false
	}
	out := w
	if other.Start.After(out.Start) {
		out.Start = other.Start
	}
	if other.End.Before(out.End) {
		out.End = other.End
	}
	return out, true
}

// Truncate rounds the window outward to multiples of granularity: Start down,
// End up. A non-positive granularity returns the window unchanged.
func (w TimeWindow) Truncate(granularity time.Duration) TimeWindow {
	if granularity <= 0 {
		return w
	}
	start := w.Start.UTC().Truncate(granularity)
	end := w.End.UTC().Truncate(granularity)
	if end.Before(w.End) {
		end = end.Add(granularity)
	}
	return TimeWindow{Start: start, End: end}
}

// Extend widens the window by margin on both sides.
func (w TimeWindow) Extend(margin time.Duration) TimeWindow {
	return TimeWindow{Start: w.Start.Add(-margin), End: w.End.Add(margin)}
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.UTC().Format(time.RFC3339), w.End.UTC().Format(time.RFC3339))
}
