package orchestrator

import (
	"sort"

	"github.com/tesserbridge/bridge/internal/domain"
)

// additiveKinds are output kinds where two contributions to the same
// artifact compose by concatenation.
var additiveKinds = map[string]bool{
	"review_comment": true,
	"test_case":      true,
	"doc_patch":      true,
}

type contribution struct {
	stepID string
	output domain.WorkerOutput
}

// aggregate folds completed step outputs into one result. Outputs touching
// distinct artifacts merge trivially; same-artifact outputs go through the
// merge rules in a fixed order (identical, distinct kinds, additive kinds)
// and anything left over is escalated rather than dropped.
func aggregate(plan *domain.CoordinationPlan) *domain.AggregatedResult {
	result := &domain.AggregatedResult{PlanID: plan.ID}

	byArtifact := make(map[string][]contribution)
	var artifacts []string
	for _, step := range plan.Steps {
		switch step.Status {
		case domain.StepDone:
			result.Completed = append(result.Completed, step.ID)
			if step.Result == nil {
				continue
			}
			for _, out := range step.Result.Outputs {
				if len(byArtifact[out.Artifact]) == 0 {
					artifacts = append(artifacts, out.Artifact)
				}
				byArtifact[out.Artifact] = append(byArtifact[out.Artifact], contribution{
					stepID: step.ID,
					output: out,
				})
			}
		case domain.StepFailed, domain.StepBlocked, domain.StepCancelled:
			result.Failures = append(result.Failures, domain.StepFailure{
				StepID:     step.ID,
				WorkerKind: step.WorkerKind,
				Status:     step.Status,
				Reason:     step.Reason,
			})
		}
	}
	sort.Strings(result.Completed)
	sort.Strings(artifacts)

	for _, artifact := range artifacts {
		merged, conflicts := mergeArtifact(byArtifact[artifact])
		result.Merged = append(result.Merged, merged...)
		result.Escalated = append(result.Escalated, conflicts...)
	}
	return result
}

// mergeArtifact reduces the contributions for one artifact. Pairs are
// reconciled left to right; the rules apply in a fixed priority order so
// the outcome never depends on goroutine completion timing.
func mergeArtifact(contribs []contribution) ([]domain.WorkerOutput, []domain.OutputConflict) {
	// Deterministic input order regardless of execution interleaving.
	sort.SliceStable(contribs, func(i, j int) bool {
		if contribs[i].stepID != contribs[j].stepID {
			return contribs[i].stepID < contribs[j].stepID
		}
		return contribs[i].output.Kind < contribs[j].output.Kind
	})

	var kept []contribution
	var conflicts []domain.OutputConflict

	for _, c := range contribs {
		merged := false
		for i := range kept {
			out, conflict, ok := mergePair(kept[i], c)
			if !ok {
				continue
			}
			if conflict != nil {
				conflicts = append(conflicts, *conflict)
			} else {
				kept[i].output = out
			}
			merged = true
			break
		}
		if !merged {
			kept = append(kept, c)
		}
	}

	outputs := make([]domain.WorkerOutput, len(kept))
	for i, c := range kept {
		outputs[i] = c.output
	}
	return outputs, conflicts
}

// mergePair reconciles two same-artifact contributions. ok is false when
// the pair does not interact (different kinds are distinct concerns, both
// kept). A non-nil conflict means the pair contradicts and is escalated.
func mergePair(a, b contribution) (domain.WorkerOutput, *domain.OutputConflict, bool) {
	ao, bo := a.output, b.output
	if ao.Kind != bo.Kind {
		return domain.WorkerOutput{}, nil, false
	}
	if ao.Content == bo.Content {
		return ao, nil, true
	}
	if additiveKinds[ao.Kind] {
		merged := ao
		merged.Content = ao.Content + "\n\n" + bo.Content
		return merged, nil, true
	}
	return domain.WorkerOutput{}, &domain.OutputConflict{
		Artifact: ao.Artifact,
		StepIDs:  [2]string{a.stepID, b.stepID},
		Outputs:  [2]domain.WorkerOutput{ao, bo},
	}, true
}
