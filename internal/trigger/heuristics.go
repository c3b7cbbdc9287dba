package trigger

import (
	"regexp"
	"strings"

	"github.com/tesserbridge/bridge/internal/domain"
)

// reviewMarkerPattern matches in-source markers that request a review pass.
var reviewMarkerPattern = regexp.MustCompile(
	`REVIEW_PENDING|APPROVAL_REQUIRED|NEEDS_APPROVAL|WAITING_FOR_INPUT|(?:TODO|FIXME)\s+REVIEW`)

// testFilePattern matches paths of test sources in a diff.
var testFilePattern = regexp.MustCompile(`\b\S*_test\.go\b|\btest_\S+\.py\b|\S+\.spec\.[jt]s\b`)

// significanceByKind is the base score per activity kind. Rapid trivial
// edits score under the default floor so they never reach the heuristics.
var significanceByKind = map[domain.ActivityKind]float64{
	domain.ActivityReviewMarker: 1.0,
	domain.ActivityTestRun:      0.85,
	domain.ActivityDiagnostics:  0.75,
	domain.ActivityFileSave:     0.7,
	domain.ActivityFileEdit:     0.4,
}

// Significance scores how decision-relevant an event is, in [0,1].
func Significance(ev domain.ActivityEvent) float64 {
	score, ok := significanceByKind[ev.Kind]
	if !ok {
		score = 0.5
	}

	if reviewMarkerPattern.MatchString(ev.RawContext["diff"]) ||
		reviewMarkerPattern.MatchString(ev.RawContext["markers"]) {
		score += 0.3
	}
	if ev.RawContext["diagnostics"] != "" {
		score += 0.1
	}

	if score > 1 {
		score = 1
	}
	return score
}

// DefaultHeuristics returns the built-in heuristic table. Cooldowns are
// left zero so the engine applies the configured per-kind durations.
func DefaultHeuristics() []Heuristic {
	return []Heuristic{
		{Kind: domain.WorkerReview, Evaluate: evaluateReview},
		{Kind: domain.WorkerArchitecture, Evaluate: evaluateArchitecture},
		{Kind: domain.WorkerTests, Evaluate: evaluateTests},
		{Kind: domain.WorkerDocs, Evaluate: evaluateDocs},
	}
}

func evaluateReview(ev domain.ActivityEvent) (float64, string) {
	if ev.Kind == domain.ActivityReviewMarker {
		return 0.95, "explicit review marker event"
	}
	if reviewMarkerPattern.MatchString(ev.RawContext["diff"]) ||
		reviewMarkerPattern.MatchString(ev.RawContext["markers"]) {
		return 0.9, "review marker in context"
	}
	if ev.Kind == domain.ActivityFileSave && ev.RawContext["diagnostics"] != "" {
		return 0.75, "save with open diagnostics"
	}
	if ev.Kind == domain.ActivityFileSave {
		return 0.55, "file save"
	}
	return 0.2, "no review signal"
}

func evaluateArchitecture(ev domain.ActivityEvent) (float64, string) {
	diff := ev.RawContext["diff"]
	if ev.RawContext["structure"] != "" {
		return 0.85, "structural change reported"
	}
	if strings.Contains(diff, "import") || strings.Contains(diff, "package ") {
		return 0.72, "dependency surface changed"
	}
	return 0.3, "no architectural signal"
}

func evaluateTests(ev domain.ActivityEvent) (float64, string) {
	if ev.Kind == domain.ActivityTestRun {
		out := ev.RawContext["test_output"]
		if strings.Contains(out, "FAIL") || strings.Contains(out, "failed") {
			return 0.92, "failing test run"
		}
		return 0.6, "passing test run"
	}
	if testFilePattern.MatchString(ev.RawContext["diff"]) {
		return 0.75, "test sources changed"
	}
	return 0.25, "no test signal"
}

func evaluateDocs(ev domain.ActivityEvent) (float64, string) {
	diff := ev.RawContext["diff"]
	if strings.Contains(diff, "README") || strings.Contains(diff, ".md") {
		return 0.78, "documentation files changed"
	}
	if ev.Kind == domain.ActivityFileSave && strings.Contains(diff, "// Deprecated:") {
		return 0.7, "deprecation added"
	}
	return 0.15, "no docs signal"
}
