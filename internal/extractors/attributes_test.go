package extractors

import (
	"testing"

	"github.com/recheckstack/recheck/internal/models"
)

func sample(fields map[string]any) models.Document {
	return models.Document{Fields: fields}
}

func TestAttributeExtractorDistribution(t *testing.T) {
	result := models.QueryResult{
		BugID: "BUG-1",
		Count: 40,
		Samples: []models.Document{
			sample(map[string]any{"@timestamp": "x", "message": "boom", "build_name": "gate-tempest", "build_node": "ovh", "tags": []any{"console", "screen"}}),
			sample(map[string]any{"build_name": "gate-tempest", "build_node": "rax", "build_uuid": "u1"}),
			sample(map[string]any{"build_name": "gate-grenade", "build_node": "ovh", "build_uuid": "u2"}),
			sample(map[string]any{"build_name": "gate-tempest", "build_node": "ovh"}),
		},
	}

	analysis := NewAttributeExtractor(NoisyAttributes...).Analyze(result)
	if analysis.TotalHits != 40 || analysis.Samples != 4 {
		t.Fatalf("unexpected totals %+v", analysis)
	}
	for _, skipped := range []string{"@timestamp", "message", "build_uuid"} {
		if _, ok := analysis.Attributes[skipped]; ok {
			t.Fatalf("attribute %s should be skipped", skipped)
		}
	}

	names := analysis.Names()
	if len(names) != 3 || names[0] != "build_name" || names[2] != "tags" {
		t.Fatalf("unexpected attribute names %v", names)
	}

	jobs := analysis.Attributes["build_name"]
	if jobs[0].Value != "gate-tempest" || jobs[0].Percent != 75 {
		t.Fatalf("expected gate-tempest at 75%%, got %+v", jobs[0])
	}
	if analysis.Attributes["tags"][0].Value != "console screen" {
		t.Fatalf("list values should be space joined, got %+v", analysis.Attributes["tags"])
	}
}

func TestAttributeExtractorTieBreaksByValue(t *testing.T) {
	result := models.QueryResult{Samples: []models.Document{
		sample(map[string]any{"node": "b"}),
		sample(map[string]any{"node": "a"}),
	}}
	shares := NewAttributeExtractor().Analyze(result).Attributes["node"]
	if shares[0].Value != "a" || shares[1].Value != "b" {
		t.Fatalf("expected ascending values on equal share, got %+v", shares)
	}
}
