package domain

import (
	"time"
)

// ActivityKind categorizes an activity event from a peer.
type ActivityKind string

const (
	ActivityFileEdit     ActivityKind = "file_edit"
	ActivityFileSave     ActivityKind = "file_save"
	ActivityDiagnostics  ActivityKind = "diagnostics"
	ActivityTestRun      ActivityKind = "test_run"
	ActivityReviewMarker ActivityKind = "review_marker"
)

// ActivityEvent is an ephemeral record of peer activity. It lives only for
// the duration of trigger evaluation and is never persisted.
type ActivityEvent struct {
	SessionID  string            `json:"session_id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       ActivityKind      `json:"kind"`
	RawContext map[string]string `json:"raw_context"`
}

// WorkerKind names a category of specialized worker invoked by the
// orchestrator (e.g. quality review, architecture review).
type WorkerKind string

const (
	WorkerReview       WorkerKind = "review"
	WorkerArchitecture WorkerKind = "architecture"
	WorkerTests        WorkerKind = "tests"
	WorkerDocs         WorkerKind = "docs"
)

// TriggerCandidate is a ranked proposal to invoke a worker kind for an
// activity event. Candidates are consumed immediately and never persisted.
type TriggerCandidate struct {
	WorkerKind    WorkerKind `json:"worker_kind"`
	Confidence    float64    `json:"confidence"`
	Reason        string     `json:"reason"`
	CooldownUntil time.Time  `json:"cooldown_until,omitempty"`
}
