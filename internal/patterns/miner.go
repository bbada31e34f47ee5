package patterns

import (
	"context"
	"log/slog"
	"sort"

	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
)

// FindingKind classifies a catalog maintenance finding.
type FindingKind string

const (
	// Stale fingerprints matched nothing in the window.
	Stale FindingKind = "stale"
	// Closed fingerprints are past their closed-on date and matched nothing.
	Closed FindingKind = "closed"
	// Hotspot fingerprints match at least the configured share of eligible runs.
	Hotspot FindingKind = "hotspot"
)

// Finding is one fingerprint worth a maintainer's attention.
type Finding struct {
	BugID      string
	Kind       FindingKind
	Matches    int64
	TotalRuns  int64
	Prevalence float64
	Origin     string
}

// Sink receives mined findings.
type Sink interface {
	StoreFindings(ctx context.Context, window models.TimeWindow, findings []Finding) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, window models.TimeWindow, findings []Finding) error

// StoreFindings implements Sink.
func (f SinkFunc) StoreFindings(ctx context.Context, window models.TimeWindow, findings []Finding) error {
	return f(ctx, window, findings)
}

// Miner reviews reporting-window statistics against the catalog.
type Miner struct {
	sink             Sink
	hotspotThreshold float64
	logger           *slog.Logger
}

// NewMiner constructs a Miner; sink may be nil for dry runs. A threshold of
// zero disables hotspot findings.
func NewMiner(logger *slog.Logger, sink Sink, hotspotThreshold float64) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Miner{sink: sink, hotspotThreshold: hotspotThreshold, logger: logger}
}

// Mine compares report with the fingerprints in cat. Fingerprints with
// suppress-graph set are kept around on purpose and never reported stale.
// Skipped fingerprints are ignored since their counts are unknown.
func (m *Miner) Mine(ctx context.Context, cat *catalog.Catalog, report models.StatsReport) ([]Finding, error) {
	if cat == nil || cat.Len() == 0 {
		return nil, nil
	}

	var findings []Finding
	for _, fp := range cat.Entries() {
		stats, ok := report.Fingerprints[fp.BugID]
		if !ok || stats.Skipped {
			continue
		}
		finding := Finding{
			BugID:      fp.BugID,
			Matches:    stats.Matches,
			TotalRuns:  stats.TotalRuns,
			Prevalence: stats.Ratio(),
			Origin:     fp.Origin,
		}
		switch {
		case stats.Matches == 0 && !fp.ClosedOn.IsZero() && !fp.ClosedOn.After(report.Window.End):
			finding.Kind = Closed
		case stats.Matches == 0 && !fp.SuppressStats:
			finding.Kind = Stale
		case m.hotspotThreshold > 0 && stats.TotalRuns > 0 && finding.Prevalence >= m.hotspotThreshold:
			finding.Kind = Hotspot
		default:
			continue
		}
		findings = append(findings, finding)
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Prevalence != findings[j].Prevalence {
			return findings[i].Prevalence > findings[j].Prevalence
		}
		return findings[i].BugID < findings[j].BugID
	})

	if m.sink != nil && len(findings) > 0 {
		if err := m.sink.StoreFindings(ctx, report.Window, findings); err != nil {
			m.logger.Warn("finding sink failed", slog.Any("error", err))
		}
	}

	return findings, nil
}
