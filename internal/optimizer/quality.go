package optimizer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const (
	headLines = 10
	tailLines = 5
)

var identPattern = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]{2,}`)

// summarize applies structural summarization to one field value. Identifiers
// are never lost: lines elided at the most aggressive level are replaced by
// a summary listing every identifier they contained.
func summarize(value string, level int) string {
	lines := strings.Split(value, "\n")
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " \t")
	}
	lines = collapseBlankRuns(lines)

	if level >= 1 {
		lines = dedupeConsecutive(lines)
	}

	if level >= 2 && len(lines) > headLines+tailLines+1 {
		elided := lines[headLines : len(lines)-tailLines]
		summary := identSummary(elided)
		trimmed := make([]string, 0, headLines+tailLines+1)
		trimmed = append(trimmed, lines[:headLines]...)
		trimmed = append(trimmed, summary)
		trimmed = append(trimmed, lines[len(lines)-tailLines:]...)
		lines = trimmed
	}

	return strings.Join(lines, "\n")
}

// collapseBlankRuns squeezes runs of blank lines down to one.
func collapseBlankRuns(lines []string) []string {
	out := lines[:0:0]
	blank := false
	for _, l := range lines {
		if l == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, l)
	}
	return out
}

// dedupeConsecutive drops consecutive duplicate lines.
func dedupeConsecutive(lines []string) []string {
	out := lines[:0:0]
	prev := "\x00"
	for _, l := range lines {
		if l == prev && l != "" {
			continue
		}
		out = append(out, l)
		prev = l
	}
	return out
}

// identSummary produces a single line naming every identifier found in the
// elided region, in sorted order for determinism.
func identSummary(lines []string) string {
	seen := map[string]bool{}
	for _, l := range lines {
		for _, id := range identPattern.FindAllString(l, -1) {
			seen[id] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("[elided %d lines; refs: %s]", len(lines), strings.Join(ids, " "))
}

// Similarity scores how much decision-relevant information the optimized
// payload preserves from the raw context, in [0,1]. Identifier coverage
// dominates: losing a name is far worse than losing prose.
func Similarity(raw, optimized map[string]string) float64 {
	rawText := joinValues(raw)
	optText := joinValues(optimized)

	idCov := coverage(identPattern.FindAllString(rawText, -1), optText)
	tokCov := coverage(strings.Fields(rawText), optText)

	return 0.7*idCov + 0.3*tokCov
}

// coverage returns the fraction of unique tokens that appear in text.
func coverage(tokens []string, text string) float64 {
	if len(tokens) == 0 {
		return 1
	}
	unique := map[string]bool{}
	for _, t := range tokens {
		unique[t] = true
	}
	found := 0
	for t := range unique {
		if strings.Contains(text, t) {
			found++
		}
	}
	return float64(found) / float64(len(unique))
}

func joinValues(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(m[k])
		b.WriteString("\n")
	}
	return b.String()
}
