package review

import (
	"fmt"
	"strings"

	"github.com/herdtools/herd/internal/fuzzy"
)

var (
	positiveMarkers   = []string{"success", "done", "passed"}
	negativeMarkers   = []string{"error", "failed", "exception"}
	warningMarkers    = []string{"warning", "deprecated"}
	incompleteMarkers = []string{"todo", "not implemented", "placeholder"}
)

// similarityFloor is the lowest acceptable match against an expected
// output before the divergence becomes a finding.
const similarityFloor = 0.5

// analyzeOutput counts outcome markers in the worker's output text and,
// when an expected output is given, measures how close the two are.
// Marker counts land in signals; problems become findings.
func (r *Reviewer) analyzeOutput(output, expected string, signals *OutputSignals) []Finding {
	text := strings.ToLower(output)
	signals.Positive = countAll(text, positiveMarkers)
	signals.Negative = countAll(text, negativeMarkers)
	signals.Warning = countAll(text, warningMarkers)

	var out []Finding
	if signals.Negative > signals.Positive {
		out = append(out, Finding{
			Category: CategoryOutput,
			Severity: SeverityMedium,
			Rule:     "failure_markers",
			Message: fmt.Sprintf("output carries %d failure markers against %d success markers",
				signals.Negative, signals.Positive),
		})
	}
	for _, marker := range incompleteMarkers {
		if strings.Contains(text, marker) {
			out = append(out, Finding{
				Category: CategoryCompleteness,
				Severity: SeverityMedium,
				Rule:     "incomplete_output",
				Message:  fmt.Sprintf("output mentions %q, the work may be unfinished", marker),
			})
			break
		}
	}
	if expected != "" {
		signals.Similarity = fuzzy.Ratio(normalize(output), normalize(expected))
		signals.HasSimilarity = true
		if signals.Similarity < similarityFloor {
			out = append(out, Finding{
				Category: CategoryOutput,
				Severity: SeverityHigh,
				Rule:     "expectation_mismatch",
				Message:  fmt.Sprintf("output matches only %.0f%% of the expected output", signals.Similarity*100),
			})
		}
	}
	return out
}

func countAll(text string, markers []string) int {
	n := 0
	for _, m := range markers {
		n += strings.Count(text, m)
	}
	return n
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
