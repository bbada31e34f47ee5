package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/utils"
)

// DefaultFacilityField is the log field a fingerprint's facility is matched against.
const DefaultFacilityField = "filename"

// Fingerprint is a validated, immutable catalog entry.
type Fingerprint struct {
	BugID string
	// Expr is the parsed query, already conjoined with the facility filter.
	Expr     Expr
	Raw      string
	Facility string
	// OpenSince and ClosedOn bound [OpenSince, ClosedOn); zero means unbounded.
	OpenSince            time.Time
	ClosedOn             time.Time
	SuppressNotification bool
	SuppressStats        bool
	Origin               string
}

// Active reports whether the validity interval intersects window.
func (f Fingerprint) Active(window models.TimeWindow) bool {
	_, ok := f.Clip(window)
	return ok
}

// Clip narrows window to the validity interval.
func (f Fingerprint) Clip(window models.TimeWindow) (models.TimeWindow, bool) {
	out := window
	if !f.OpenSince.IsZero() && f.OpenSince.After(out.Start) {
		out.Start = f.OpenSince
	}
	if !f.ClosedOn.IsZero() && f.ClosedOn.Before(out.End) {
		out.End = f.ClosedOn
	}
	if !out.Start.Before(out.End) {
		return models.TimeWindow{}, false
	}
	return out, true
}

// Catalog is an immutable, ordered set of fingerprints.
type Catalog struct {
	entries []Fingerprint
	index   map[string]int
}

// Entries returns fingerprints in declared order.
func (c *Catalog) Entries() []Fingerprint {
	if c == nil {
		return nil
	}
	return slices.Clone(c.entries)
}

// Len returns the number of fingerprints.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Find looks up a fingerprint by bug identifier.
func (c *Catalog) Find(bugID string) (Fingerprint, bool) {
	if c == nil {
		return Fingerprint{}, false
	}
	i, ok := c.index[bugID]
	if !ok {
		return Fingerprint{}, false
	}
	return c.entries[i], true
}

type loadOptions struct {
	parse         ParseOptions
	facilityField string
}

// Option customises Load.
type Option func(*loadOptions)

// WithTextFields sets the fields matched as free text by ':'.
func WithTextFields(fields ...string) Option {
	return func(o *loadOptions) {
		if len(fields) > 0 {
			o.parse.TextFields = fields
		}
	}
}

// WithFacilityField overrides the field facilities are matched against.
func WithFacilityField(field string) Option {
	return func(o *loadOptions) {
		if field != "" {
			o.facilityField = field
		}
	}
}

// Load reads every definition from src and validates the whole set. It returns
// either a complete catalog or the joined *Error values for every bad entry.
func Load(src Source, opts ...Option) (*Catalog, error) {
	o := loadOptions{parse: DefaultParseOptions(), facilityField: DefaultFacilityField}
	for _, opt := range opts {
		opt(&o)
	}

	defs, err := src.Definitions()
	if err != nil {
		return nil, &Error{Kind: KindSource, Err: err}
	}
	if len(defs) == 0 {
		return nil, &Error{Kind: KindEmpty, Err: fmt.Errorf("no fingerprint definitions in %s", src)}
	}

	var errs []error
	entries := make([]Fingerprint, 0, len(defs))
	index := make(map[string]int, len(defs))
	for _, def := range defs {
		fp, err := compile(def, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, dup := index[fp.BugID]; dup {
			errs = append(errs, &Error{
				Kind:   KindDuplicateIdentifier,
				BugID:  fp.BugID,
				Origin: fp.Origin,
				Err:    fmt.Errorf("already defined by %s", originOr(entries[prev].Origin, "an earlier entry")),
			})
			continue
		}
		index[fp.BugID] = len(entries)
		entries = append(entries, fp)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &Catalog{entries: entries, index: index}, nil
}

func compile(def Definition, o loadOptions) (Fingerprint, error) {
	bugID := strings.TrimSpace(def.BugID)
	if bugID == "" {
		return Fingerprint{}, &Error{Kind: KindMissingIdentifier, Origin: def.Origin}
	}
	fp := Fingerprint{
		BugID:                bugID,
		Raw:                  strings.TrimSpace(def.Query),
		Facility:             strings.TrimSpace(def.Facility),
		SuppressNotification: def.SuppressNotification,
		SuppressStats:        def.SuppressGraph,
		Origin:               def.Origin,
	}

	expr, err := ParseExprWith(fp.Raw, o.parse)
	if err != nil {
		return Fingerprint{}, &Error{Kind: KindMalformedQuery, BugID: bugID, Origin: def.Origin, Err: err}
	}
	if fp.Facility != "" {
		expr = And(expr, FieldMatch{Field: o.facilityField, Value: fp.Facility})
	}
	fp.Expr = expr

	if def.OpenSince != "" {
		if fp.OpenSince, err = utils.ParseTimestamp(def.OpenSince); err != nil {
			return Fingerprint{}, &Error{Kind: KindInvalidInterval, BugID: bugID, Origin: def.Origin, Err: fmt.Errorf("open-since: %w", err)}
		}
	}
	if def.ClosedOn != "" {
		if fp.ClosedOn, err = utils.ParseTimestamp(def.ClosedOn); err != nil {
			return Fingerprint{}, &Error{Kind: KindInvalidInterval, BugID: bugID, Origin: def.Origin, Err: fmt.Errorf("closed-on: %w", err)}
		}
	}
	if !fp.OpenSince.IsZero() && !fp.ClosedOn.IsZero() && fp.ClosedOn.Before(fp.OpenSince) {
		return Fingerprint{}, &Error{
			Kind:   KindInvalidInterval,
			BugID:  bugID,
			Origin: def.Origin,
			Err:    fmt.Errorf("closed-on %s precedes open-since %s", fp.ClosedOn.Format(time.RFC3339), fp.OpenSince.Format(time.RFC3339)),
		}
	}
	return fp, nil
}

func originOr(origin, fallback string) string {
	if origin == "" {
		return fallback
	}
	return origin
}
