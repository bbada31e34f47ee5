package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
)

// Request is one query against the log index.
type Request struct {
	Query  catalog.Expr
	Window models.TimeWindow
	// Size is the number of sample documents to return; zero counts only.
	Size int
	// Distinct, when set, asks for the number of distinct values of that field.
	Distinct string
}

// Response carries the total hit count and any requested samples.
type Response struct {
	Total    int64
	Distinct int64
	Hits     []models.Document
}

// Searcher runs requests against a log index.
type Searcher interface {
	Search(ctx context.Context, req Request) (Response, error)
}

// MostRecent returns the timestamp of the newest document in window matching
// query, or the zero time when nothing matches. Both clients return hits
// newest first, so one sample is enough.
func MostRecent(ctx context.Context, s Searcher, query catalog.Expr, window models.TimeWindow) (time.Time, error) {
	resp, err := s.Search(ctx, Request{Query: query, Window: window, Size: 1})
	if err != nil {
		return time.Time{}, err
	}
	if len(resp.Hits) == 0 {
		return time.Time{}, nil
	}
	return resp.Hits[0].Timestamp, nil
}

// Error is a failed backend call. Temporary errors may succeed on retry,
// Malformed means the backend rejected the query itself.
type Error struct {
	Status    int
	Temporary bool
	Malformed bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("search backend returned %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("search backend: %v", e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is a retryable backend failure.
func IsTemporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary
}
