package catalog

import (
	"fmt"
	"strings"
)

// ErrorKind distinguishes why a catalog failed to load.
type ErrorKind string

const (
	KindMalformedQuery      ErrorKind = "malformed_query"
	KindDuplicateIdentifier ErrorKind = "duplicate_identifier"
	KindInvalidInterval     ErrorKind = "invalid_interval"
	KindMissingIdentifier   ErrorKind = "missing_identifier"
	KindEmpty               ErrorKind = "empty_catalog"
	KindSource              ErrorKind = "source"
)

// Sentinels for errors.Is; they match any *Error of the same kind.
var (
	ErrMalformedQuery      = &Error{Kind: KindMalformedQuery}
	ErrDuplicateIdentifier = &Error{Kind: KindDuplicateIdentifier}
	ErrInvalidInterval     = &Error{Kind: KindInvalidInterval}
	ErrMissingIdentifier   = &Error{Kind: KindMissingIdentifier}
	ErrEmpty               = &Error{Kind: KindEmpty}
	ErrSource              = &Error{Kind: KindSource}
)

// Error describes one invalid definition. Load joins every Error it finds.
type Error struct {
	Kind   ErrorKind
	BugID  string
	Origin string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("catalog")
	if e.Origin != "" {
		fmt.Fprintf(&b, " %s", e.Origin)
	}
	if e.BugID != "" {
		fmt.Fprintf(&b, " bug %s", e.BugID)
	}
	fmt.Fprintf(&b, ": %s", e.Kind)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.BugID == "" && t.Origin == "" && t.Err == nil && t.Kind == e.Kind
}
