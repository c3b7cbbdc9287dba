package domain

import (
	"time"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepDone      StepStatus = "done"
	StepFailed    StepStatus = "failed"
	StepBlocked   StepStatus = "blocked"
	StepCancelled StepStatus = "cancelled"
)

// Step is one unit of work inside a coordination plan. DependsOn references
// step IDs within the same plan; the plan as a whole must form a DAG.
type Step struct {
	ID         string            `json:"id"`
	WorkerKind WorkerKind        `json:"worker_kind"`
	Input      *OptimizedContext `json:"input"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Status     StepStatus        `json:"status"`
	Reason     string            `json:"reason,omitempty"`
	Result     *WorkerResult     `json:"result,omitempty"`
}

// CoordinationPlan is a dependency-ordered set of worker invocations created
// for one coordination request and discarded after result delivery.
type CoordinationPlan struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Steps     []*Step   `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// Step returns the step with the given ID, or nil.
func (p *CoordinationPlan) Step(id string) *Step {
	for _, s := range p.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// WorkerOutput is a single artifact-level output proposed by a worker.
// Kind selects the merge rule used when outputs from different steps
// address the same artifact.
type WorkerOutput struct {
	Artifact string `json:"artifact"`
	Kind     string `json:"kind"`
	Content  string `json:"content"`
}

// WorkerResult is what a worker returns for one step.
type WorkerResult struct {
	WorkerKind WorkerKind     `json:"worker_kind"`
	Outputs    []WorkerOutput `json:"outputs"`
	Summary    string         `json:"summary,omitempty"`
	Elapsed    time.Duration  `json:"elapsed"`
}

// StepFailure describes one failed or blocked step in an aggregated result.
type StepFailure struct {
	StepID     string     `json:"step_id"`
	WorkerKind WorkerKind `json:"worker_kind"`
	Status     StepStatus `json:"status"`
	Reason     string     `json:"reason"`
}

// OutputConflict is a pair of overlapping step outputs that no merge rule
// could reconcile; it is surfaced to the requester instead of being dropped.
type OutputConflict struct {
	Artifact string          `json:"artifact"`
	StepIDs  [2]string       `json:"step_ids"`
	Outputs  [2]WorkerOutput `json:"outputs"`
}

// AggregatedResult is the outcome of executing a coordination plan: merged
// outputs from completed steps, plus an explicit account of what is missing.
type AggregatedResult struct {
	PlanID    string           `json:"plan_id"`
	Merged    []WorkerOutput   `json:"merged"`
	Escalated []OutputConflict `json:"escalated,omitempty"`
	Completed []string         `json:"completed"`
	Failures  []StepFailure    `json:"failures,omitempty"`
}

// Partial reports whether any step failed to contribute its output.
func (r *AggregatedResult) Partial() bool {
	return len(r.Failures) > 0
}
