package api

import (
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/recheckstack/recheck/internal/api/recheckv1"
	"github.com/recheckstack/recheck/internal/catalog"
	"github.com/recheckstack/recheck/internal/models"
	"github.com/recheckstack/recheck/internal/utils"
)

func TestFromProtoRun(t *testing.T) {
	now := time.Now().UTC().Round(time.Second)
	run, err := FromProtoRun(&recheckv1.RunDescriptor{
		RunId:   "run-1",
		JobName: "gate-tempest",
		Change:  "12345",
		Start:   timestamppb.New(now),
		End:     timestamppb.New(now.Add(time.Minute)),
		LogUrl:  "https://logs.example.org/run-1/",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if run.RunID != "run-1" || run.Change != "12345" || !run.Start.Equal(now) {
		t.Fatalf("unexpected run %+v", run)
	}
}

func TestFromProtoRunInvalid(t *testing.T) {
	if _, err := FromProtoRun(nil); !utils.IsAppError(err) {
		t.Fatalf("expected app error for nil run, got %v", err)
	}
	if _, err := FromProtoRun(&recheckv1.RunDescriptor{RunId: "run-1"}); !utils.IsAppError(err) {
		t.Fatalf("expected app error for missing start, got %v", err)
	}
}

func TestFromProtoWindowFallback(t *testing.T) {
	fallback := models.TimeWindow{Start: time.Unix(0, 0).UTC(), End: time.Unix(60, 0).UTC()}
	w, err := FromProtoWindow(nil, fallback)
	if err != nil || w != fallback {
		t.Fatalf("expected fallback window, got %v err=%v", w, err)
	}
	if _, err := FromProtoWindow(&recheckv1.TimeWindow{Start: timestamppb.New(fallback.End), End: timestamppb.New(fallback.Start)}, fallback); err == nil {
		t.Fatal("expected inverted window to be rejected")
	}
}

func TestToProtoDecision(t *testing.T) {
	now := time.Now().UTC()
	resp := ToProtoDecision(models.RecheckDecision{
		Kind:   models.KnownBug,
		BugIDs: []string{"1253896"},
		Record: models.ClassificationRecord{
			ID:       "rec-1",
			RunID:    "run-1",
			Window:   models.TimeWindow{Start: now, End: now.Add(time.Hour)},
			Matched:  []string{"1253896"},
			Checked:  3,
			Decision: models.DecisionMatched,
		},
		DecidedAt: now,
	})
	if resp.Kind != "known_bug" || resp.Record.Checked != 3 || resp.Record.Decision != "matched" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !resp.DecidedAt.AsTime().Equal(now) {
		t.Fatalf("decided_at not preserved")
	}
}

func TestToProtoStatsOrdersByRatio(t *testing.T) {
	resp := ToProtoStats(models.StatsReport{
		Fingerprints: map[string]models.FingerprintStats{
			"b": {BugID: "b", Matches: 1, TotalRuns: 10},
			"a": {BugID: "a", Matches: 1, TotalRuns: 10},
			"c": {BugID: "c", Matches: 5, TotalRuns: 10},
			"z": {BugID: "z"},
		},
	})
	var order []string
	for _, fp := range resp.Fingerprints {
		order = append(order, fp.BugId)
	}
	want := []string{"c", "a", "b", "z"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
	if resp.Fingerprints[0].Ratio != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", resp.Fingerprints[0].Ratio)
	}
}

func TestToProtoFingerprint(t *testing.T) {
	cat, err := catalog.Load(catalog.StaticSource{{BugID: "42", Query: `message:"boom"`, OpenSince: "2024-01-02"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	fp, _ := cat.Find("42")
	proto := ToProtoFingerprint(fp, 0)
	if proto.Query != `message:"boom"` || proto.OpenSince == nil || proto.ClosedOn != nil {
		t.Fatalf("unexpected fingerprint %+v", proto)
	}
	if proto.LogstashQuery != catalog.EncodeLogstashQuery(`message:"boom"`, catalog.DefaultLogstashTimeframe) {
		t.Fatalf("unexpected logstash link %q", proto.LogstashQuery)
	}
}
