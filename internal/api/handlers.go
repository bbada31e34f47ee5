package api

import (
	"cmp"
	"slices"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/recheckstack/recheck/internal/api/recheckv1"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/utils"
)

// FromProtoRun maps the wire run descriptor into a validated domain descriptor.
func FromProtoRun(run *recheckv1.RunDescriptor) (models.RunDescriptor, error) {
	if run == nil {
		return models.RunDescriptor{}, utils.NewAppError("decode run", "run is required", nil)
	}
	out := models.RunDescriptor{
		RunID:    run.RunId,
		JobName:  run.JobName,
		Change:   run.Change,
		Patchset: run.Patchset,
		Queue:    run.Queue,
		Start:    asTime(run.Start),
		End:      asTime(run.End),
		LogURL:   run.LogUrl,
	}
	if err := out.Validate(); err != nil {
		return models.RunDescriptor{}, utils.NewAppError("decode run", "invalid run descriptor", err)
	}
	return out, nil
}

// FromProtoWindow maps a wire window. A nil window yields fallback.
func FromProtoWindow(w *recheckv1.TimeWindow, fallback models.TimeWindow) (models.TimeWindow, error) {
	if w == nil {
		return fallback, nil
	}
	out := models.TimeWindow{Start: asTime(w.Start), End: asTime(w.End)}
	if err := out.Validate(); err != nil {
		return models.TimeWindow{}, utils.NewAppError("decode window", "invalid time window", err)
	}
	return out, nil
}

// ToProtoWindow converts a domain window.
func ToProtoWindow(w models.TimeWindow) *recheckv1.TimeWindow {
	return &recheckv1.TimeWindow{Start: timestamppb.New(w.Start), End: timestamppb.New(w.End)}
}

// ToProtoRecord converts a classification record.
func ToProtoRecord(rec models.ClassificationRecord) *recheckv1.ClassificationRecord {
	return &recheckv1.ClassificationRecord{
		Id:       rec.ID,
		RunId:    rec.RunID,
		Window:   ToProtoWindow(rec.Window),
		Matched:  append([]string(nil), rec.Matched...),
		Skipped:  append([]string(nil), rec.Skipped...),
		Checked:  int32(rec.Checked),
		Decision: string(rec.Decision),
	}
}

// ToProtoDecision converts a recheck decision.
func ToProtoDecision(d models.RecheckDecision) *recheckv1.DecideResponse {
	return &recheckv1.DecideResponse{
		Kind:      string(d.Kind),
		BugIds:    append([]string(nil), d.BugIDs...),
		Reason:    d.Reason,
		Record:    ToProtoRecord(d.Record),
		DecidedAt: timestamppb.New(d.DecidedAt),
	}
}

// ToProtoStats converts a stats report, ordering fingerprints by match ratio
// descending and then by bug identifier.
func ToProtoStats(report models.StatsReport) *recheckv1.ComputeStatsResponse {
	resp := &recheckv1.ComputeStatsResponse{
		Window:  ToProtoWindow(report.Window),
		Skipped: append([]string(nil), report.Skipped...),
	}
	for _, s := range SortedStats(report.Fingerprints) {
		resp.Fingerprints = append(resp.Fingerprints, &recheckv1.FingerprintStats{
			BugId:     s.BugID,
			Matches:   s.Matches,
			TotalRuns: s.TotalRuns,
			Ratio:     s.Ratio(),
			Skipped:   s.Skipped,
		})
	}
	return resp
}

// ToProtoFingerprint converts a catalog entry. timeframe sizes the attached
// logstash link in seconds.
func ToProtoFingerprint(fp catalog.Fingerprint, timeframe int) *recheckv1.Fingerprint {
	out := &recheckv1.Fingerprint{
		BugId:                fp.BugID,
		Query:                fp.Raw,
		Facility:             fp.Facility,
		SuppressNotification: fp.SuppressNotification,
		SuppressStats:        fp.SuppressStats,
		Origin:               fp.Origin,
	}
	if fp.Expr != nil {
		out.LogstashQuery = catalog.EncodeLogstashQuery(fp.Expr.QueryString(), timeframe)
	}
	if !fp.OpenSince.IsZero() {
		out.OpenSince = timestamppb.New(fp.OpenSince)
	}
	if !fp.ClosedOn.IsZero() {
		out.ClosedOn = timestamppb.New(fp.ClosedOn)
	}
	return out
}

// SortedStats orders fingerprint stats by ratio descending, then bug identifier.
func SortedStats(stats map[string]models.FingerprintStats) []models.FingerprintStats {
	out := make([]models.FingerprintStats, 0, len(stats))
	for _, s := range stats {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b models.FingerprintStats) int {
		if c := cmp.Compare(b.Ratio(), a.Ratio()); c != 0 {
			return c
		}
		return cmp.Compare(a.BugID, b.BugID)
	})
	return out
}

func asTime(ts *timestamppb.Timestamp) time.Time {
	if ts == nil {
		return time.Time{}
	}
	return ts.AsTime()
}
