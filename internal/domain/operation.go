package domain

import (
	"time"
)

// OpType is the kind of mutation an operation applies to shared state.
type OpType string

const (
	OpInsert  OpType = "insert"
	OpDelete  OpType = "delete"
	OpReplace OpType = "replace"
)

// Operation is the only way shared state is mutated. Position is a rune
// offset into the current content; Length is the affected span for delete
// and replace. BaseRevision is the revision the origin peer saw when it
// produced the operation.
type Operation struct {
	Type          OpType `json:"type"`
	Position      int    `json:"position"`
	Length        int    `json:"length,omitempty"`
	Payload       string `json:"payload,omitempty"`
	OriginSession string `json:"origin_session"`
	BaseRevision  int64  `json:"base_revision"`
	Seq           int64  `json:"seq,omitempty"`
}

// Span returns the half-open interval [start, end) of content this
// operation touches at its base revision.
func (o Operation) Span() (start, end int) {
	switch o.Type {
	case OpInsert:
		return o.Position, o.Position
	default:
		return o.Position, o.Position + o.Length
	}
}

// SharedState is a per-session-group document. Content is mutated only
// through operations applied by the state synchronizer.
type SharedState struct {
	ID       string `json:"id"`
	GroupID  string `json:"group_id"`
	Revision int64  `json:"revision"`
	Content  string `json:"content"`
}

// ConflictClass classifies a pair of concurrent operations.
type ConflictClass string

const (
	// ConflictNonOverlapping means the operations touch disjoint regions and
	// merge automatically.
	ConflictNonOverlapping ConflictClass = "non_overlapping"
	// ConflictSemanticCompatible means the operations overlap but a declared
	// merge rule reconciles them.
	ConflictSemanticCompatible ConflictClass = "semantic_compatible"
	// ConflictRequiresHuman means the operations contradict each other and
	// must be resolved manually; the pre-conflict state is preserved.
	ConflictRequiresHuman ConflictClass = "requires_human_input"
)

// Conflict records a pair of concurrent operations whose transforms disagree.
// Conflicts are never silently dropped: they are auto-resolved or queued.
type Conflict struct {
	ID         string        `json:"id"`
	StateID    string        `json:"state_id"`
	Class      ConflictClass `json:"class"`
	Ops        [2]Operation  `json:"ops"`
	Resolution string        `json:"resolution,omitempty"`
	Resolved   bool          `json:"resolved"`
	CreatedAt  time.Time     `json:"created_at"`
}
