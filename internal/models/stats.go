package models

// FingerprintStats counts matches against eligible runs for one fingerprint.
// Counts are additive so partial computations can be merged in any order.
type FingerprintStats struct {
	BugID     string
	Matches   int64
	TotalRuns int64
	Skipped   bool
}

// Add merges other into s.
func (s FingerprintStats) Add(other FingerprintStats) FingerprintStats {
	if s.BugID == "" {
		s.BugID = other.BugID
	}
	s.Matches += other.Matches
	s.TotalRuns += other.TotalRuns
	s.Skipped = s.Skipped || other.Skipped
	return s
}

// Ratio returns Matches / TotalRuns, or 0 when there were no eligible runs.
func (s FingerprintStats) Ratio() float64 {
	if s.TotalRuns <= 0 {
		return 0
	}
	return float64(s.Matches) / float64(s.TotalRuns)
}

// StatsReport is the output of a reporting-window computation.
type StatsReport struct {
	Window       TimeWindow
	Fingerprints map[string]FingerprintStats
	Skipped      []string
}
