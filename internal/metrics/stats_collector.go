package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/recheckstack/recheck/internal/models"
)

var (
	fingerprintMatchesDesc = prometheus.NewDesc(
		namespace+"_fingerprint_matches",
		"Matches in the current reporting window by bug.",
		[]string{"bug"},
		nil,
	)
	fingerprintRunsDesc = prometheus.NewDesc(
		namespace+"_fingerprint_eligible_runs",
		"Eligible runs in the current reporting window by bug.",
		[]string{"bug"},
		nil,
	)
	fingerprintRatioDesc = prometheus.NewDesc(
		namespace+"_fingerprint_match_ratio",
		"Matches divided by eligible runs; zero when there were no runs.",
		[]string{"bug"},
		nil,
	)
)

// StatsSource exposes the rolling per-fingerprint aggregate.
type StatsSource interface {
	Stats() map[string]models.FingerprintStats
}

// StatsCollector reads fingerprint stats from the engine on each scrape.
type StatsCollector struct {
	source StatsSource
}

// NewStatsCollector wraps source.
func NewStatsCollector(source StatsSource) *StatsCollector {
	return &StatsCollector{source: source}
}

// Describe sends the metric descriptors to the channel.
func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- fingerprintMatchesDesc
	ch <- fingerprintRunsDesc
	ch <- fingerprintRatioDesc
}

// Collect emits one gauge triple per fingerprint.
func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	for bug, s := range c.source.Stats() {
		ch <- prometheus.MustNewConstMetric(fingerprintMatchesDesc, prometheus.GaugeValue, float64(s.Matches), bug)
		ch <- prometheus.MustNewConstMetric(fingerprintRunsDesc, prometheus.GaugeValue, float64(s.TotalRuns), bug)
		ch <- prometheus.MustNewConstMetric(fingerprintRatioDesc, prometheus.GaugeValue, s.Ratio(), bug)
	}
}
