package statesync

import (
	"github.com/tesserbridge/bridge/internal/domain"
)

// MergeRule reconciles a pair of overlapping operations with compatible
// intent. Merge returns the operations to apply in place of the incoming
// op, given that the other op was already applied; an empty result means
// the incoming op is fully subsumed.
type MergeRule struct {
	Name    string
	Matches func(incoming, applied domain.Operation) bool
	Merge   func(incoming, applied domain.Operation) []domain.Operation
}

// mergeRules is evaluated strictly in declaration order. The first match
// wins, which makes resolution deterministic when rules would disagree.
var mergeRules = []MergeRule{
	{
		Name: "duplicate_operation",
		Matches: func(in, ap domain.Operation) bool {
			return in.Type == ap.Type && in.Position == ap.Position &&
				in.Length == ap.Length && in.Payload == ap.Payload
		},
		Merge: func(in, ap domain.Operation) []domain.Operation {
			return nil
		},
	},
	{
		Name: "overlapping_delete",
		Matches: func(in, ap domain.Operation) bool {
			return in.Type == domain.OpDelete && ap.Type == domain.OpDelete
		},
		Merge: func(in, ap domain.Operation) []domain.Operation {
			is, ie := in.Span()
			as, ae := ap.Span()
			overlap := min(ie, ae) - max(is, as)

			remaining := in.Length - overlap
			if remaining <= 0 {
				return nil
			}
			pos := is
			if is > as {
				pos = as
			}
			out := in
			out.Position = pos
			out.Length = remaining
			return []domain.Operation{out}
		},
	},
}

// matchRule returns the highest-priority rule that reconciles the pair,
// or nil when the operations contradict each other.
func matchRule(incoming, applied domain.Operation) *MergeRule {
	for i := range mergeRules {
		if mergeRules[i].Matches(incoming, applied) {
			return &mergeRules[i]
		}
	}
	return nil
}
