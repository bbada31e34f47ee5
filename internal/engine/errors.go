package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/recheckstack/recheck/internal/search"
)

// ErrNoCatalog is returned when the engine has no usable catalog to check against.
var ErrNoCatalog = errors.New("engine: catalog is missing or empty")

// BackendErrorKind separates failures worth retrying from those that are not.
type BackendErrorKind string

const (
	Transient           BackendErrorKind = "transient"
	Permanent           BackendErrorKind = "permanent"
	MalformedExpression BackendErrorKind = "malformed_expression"
)

// BackendError is a failed fingerprint query.
type BackendError struct {
	BugID string
	Kind  BackendErrorKind
	Err   error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("fingerprint %s: %s backend error: %v", e.BugID, e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// asBackendError attaches the fingerprint identifier and failure kind to err.
func asBackendError(bugID string, err error) *BackendError {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}

	kind := Permanent
	var se *search.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		kind = Transient
	case errors.As(err, &se) && se.Malformed:
		kind = MalformedExpression
	case errors.As(err, &se) && se.Temporary:
		kind = Transient
	}
	return &BackendError{BugID: bugID, Kind: kind, Err: err}
}
