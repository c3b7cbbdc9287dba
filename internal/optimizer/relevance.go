package optimizer

import (
	"github.com/tesserbridge/bridge/internal/domain"
)

// defaultWeight is used for context fields no table entry covers.
const defaultWeight = 0.5

// RelevanceTable maps (worker kind, context field) to a relevance weight in
// [0,1]. Fields below the level-dependent floor are dropped before
// summarization. Tables are declared data, not code, so new worker kinds
// can be added without touching the pipeline.
type RelevanceTable map[domain.WorkerKind]map[string]float64

// Weight returns the relevance of a field for a worker kind.
func (t RelevanceTable) Weight(kind domain.WorkerKind, field string) float64 {
	if fields, ok := t[kind]; ok {
		if w, ok := fields[field]; ok {
			return w
		}
	}
	return defaultWeight
}

// DefaultRelevance returns the built-in relevance table.
func DefaultRelevance() RelevanceTable {
	return RelevanceTable{
		domain.WorkerReview: {
			"diff":         1.0,
			"file":         0.9,
			"diagnostics":  0.8,
			"markers":      0.9,
			"history":      0.4,
			"editor_state": 0.1,
			"test_output":  0.5,
		},
		domain.WorkerArchitecture: {
			"structure":    1.0,
			"imports":      1.0,
			"file":         0.8,
			"diff":         0.6,
			"diagnostics":  0.4,
			"editor_state": 0.1,
		},
		domain.WorkerTests: {
			"test_output":  1.0,
			"diff":         0.9,
			"file":         0.7,
			"diagnostics":  0.7,
			"history":      0.3,
			"editor_state": 0.1,
		},
		domain.WorkerDocs: {
			"file":         1.0,
			"structure":    0.8,
			"diff":         0.7,
			"diagnostics":  0.2,
			"editor_state": 0.1,
		},
	}
}
