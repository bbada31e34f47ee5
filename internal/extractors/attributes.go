package extractors

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/recheckstack/recheck/internal/models"
)

// NoisyAttributes are unique per run and say little about a failure's shape.
var NoisyAttributes = []string{
	"build_master",
	"build_patchset",
	"build_ref",
	"build_short_uuid",
	"build_uuid",
	"error_pr",
	"host",
	"received_at",
	"type",
}

// ValueShare is one attribute value and the percentage of samples carrying it.
type ValueShare struct {
	Value   string
	Percent float64
	Hits    int
}

// AttributeAnalysis is the value distribution of every attribute seen in a sample.
type AttributeAnalysis struct {
	BugID      string
	TotalHits  int64
	Samples    int
	Attributes map[string][]ValueShare
}

// Names returns attribute names in lexical order.
func (a AttributeAnalysis) Names() []string {
	names := make([]string, 0, len(a.Attributes))
	for name := range a.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttributeExtractor summarises which field values dominate a fingerprint's hits.
type AttributeExtractor struct {
	ignored []string
}

// NewAttributeExtractor returns an extractor skipping ignored attributes in
// addition to '@'-prefixed metadata and the raw message.
func NewAttributeExtractor(ignored ...string) *AttributeExtractor {
	return &AttributeExtractor{ignored: ignored}
}

// Analyze computes per-attribute distributions, sorted by share descending
// and then value ascending.
func (e *AttributeExtractor) Analyze(result models.QueryResult) AttributeAnalysis {
	counts := make(map[string]map[string]int)
	for _, doc := range result.Samples {
		for field, value := range doc.Fields {
			if e.skip(field) {
				continue
			}
			if counts[field] == nil {
				counts[field] = make(map[string]int)
			}
			counts[field][renderValue(value)]++
		}
	}

	analysis := AttributeAnalysis{
		BugID:      result.BugID,
		TotalHits:  result.Count,
		Samples:    len(result.Samples),
		Attributes: make(map[string][]ValueShare, len(counts)),
	}
	for field, values := range counts {
		total := 0
		for _, hits := range values {
			total += hits
		}
		shares := make([]ValueShare, 0, len(values))
		for value, hits := range values {
			shares = append(shares, ValueShare{Value: value, Hits: hits, Percent: 100 * float64(hits) / float64(total)})
		}
		sort.Slice(shares, func(i, j int) bool {
			if shares[i].Hits != shares[j].Hits {
				return shares[i].Hits > shares[j].Hits
			}
			return shares[i].Value < shares[j].Value
		})
		analysis.Attributes[field] = shares
	}
	return analysis
}

func (e *AttributeExtractor) skip(field string) bool {
	return strings.HasPrefix(field, "@") || field == "message" || slices.Contains(e.ignored, field)
}

func renderValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = fmt.Sprint(item)
		}
		return strings.Join(parts, " ")
	case nil:
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
