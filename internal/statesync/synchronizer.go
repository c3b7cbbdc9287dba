package statesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/store"
)

// Synchronizer is the sole mutation path for shared state. Operations are
// transformed against everything logged since their base revision, applied,
// and appended to the per-state log in arrival order.
type Synchronizer struct {
	repo   store.Repository
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*domain.SharedState
}

// New creates a Synchronizer backed by the given repository.
func New(repo store.Repository, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		repo:   repo,
		logger: logger,
		states: make(map[string]*domain.SharedState),
	}
}

// Apply transforms and applies one operation. The returned conflict is nil
// for clean applies, resolved for auto-merged overlaps, and unresolved (and
// persisted to the human queue) when intents contradict, in which case the
// state is left untouched.
func (s *Synchronizer) Apply(ctx context.Context, stateID string, op domain.Operation) (*domain.SharedState, *domain.Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx, stateID)
	if err != nil {
		return nil, nil, err
	}
	if op.BaseRevision > st.Revision {
		return nil, nil, fmt.Errorf("apply to %s: base revision %d ahead of current %d", stateID, op.BaseRevision, st.Revision)
	}

	concurrent, err := s.repo.OperationsSince(ctx, stateID, op.BaseRevision)
	if err != nil {
		return nil, nil, fmt.Errorf("load concurrent ops for %s: %w", stateID, err)
	}

	cur := op
	var resolved *domain.Conflict
	for _, other := range concurrent {
		transformed, class := Transform(cur, other)
		switch class {
		case domain.ConflictNonOverlapping:
			cur = transformed

		case domain.ConflictSemanticCompatible:
			rule := matchRule(cur, other)
			merged := rule.Merge(cur, other)
			resolved = s.newConflict(stateID, cur, other, domain.ConflictSemanticCompatible)
			resolved.Resolved = true
			resolved.Resolution = rule.Name
			if len(merged) == 0 {
				// Fully subsumed: the state already reflects the intent.
				s.logger.Debug("operation subsumed by merge rule",
					"state_id", stateID, "rule", rule.Name, "origin", cur.OriginSession)
				return copyState(st), resolved, nil
			}
			cur = merged[0]

		case domain.ConflictRequiresHuman:
			conflict := s.newConflict(stateID, cur, other, domain.ConflictRequiresHuman)
			if err := s.repo.EnqueueConflict(ctx, conflict); err != nil {
				return nil, nil, fmt.Errorf("enqueue conflict for %s: %w", stateID, err)
			}
			s.logger.Info("state conflict escalated for human resolution",
				"state_id", stateID, "conflict_id", conflict.ID,
				"origin", cur.OriginSession, "against", other.OriginSession)
			return copyState(st), conflict, nil
		}
	}

	newContent, err := applyOp(st.Content, cur)
	if err != nil {
		return nil, nil, fmt.Errorf("apply op to %s: %w", stateID, err)
	}

	seq, err := s.repo.AppendOperation(ctx, stateID, cur)
	if err != nil {
		return nil, nil, fmt.Errorf("log op for %s: %w", stateID, err)
	}

	st.Content = newContent
	st.Revision = seq
	if err := s.repo.UpsertSharedState(ctx, st); err != nil {
		return nil, nil, fmt.Errorf("persist state %s: %w", stateID, err)
	}

	return copyState(st), resolved, nil
}

// Snapshot returns the current shared state, loading it if necessary.
func (s *Synchronizer) Snapshot(ctx context.Context, stateID string) (*domain.SharedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.loadLocked(ctx, stateID)
	if err != nil {
		return nil, err
	}
	return copyState(st), nil
}

// Replay reconstructs a shared state purely from its operation log,
// bypassing the stored snapshot. Used for crash recovery and audits.
func (s *Synchronizer) Replay(ctx context.Context, stateID string) (*domain.SharedState, error) {
	ops, err := s.repo.OperationsSince(ctx, stateID, 0)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", stateID, err)
	}

	st := &domain.SharedState{ID: stateID}
	for _, op := range ops {
		content, err := applyOp(st.Content, op)
		if err != nil {
			return nil, fmt.Errorf("replay %s at seq %d: %w", stateID, op.Seq, err)
		}
		st.Content = content
		st.Revision = op.Seq
	}
	return st, nil
}

// loadLocked fetches a state into the memory map, creating an empty one on
// first touch. Caller holds s.mu.
func (s *Synchronizer) loadLocked(ctx context.Context, stateID string) (*domain.SharedState, error) {
	if st, ok := s.states[stateID]; ok {
		return st, nil
	}

	st, err := s.repo.GetSharedState(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", stateID, err)
	}
	if st == nil {
		st = &domain.SharedState{ID: stateID}
	}
	s.states[stateID] = st
	return st, nil
}

func (s *Synchronizer) newConflict(stateID string, a, b domain.Operation, class domain.ConflictClass) *domain.Conflict {
	return &domain.Conflict{
		ID:        uuid.NewString(),
		StateID:   stateID,
		Class:     class,
		Ops:       [2]domain.Operation{a, b},
		CreatedAt: time.Now().UTC(),
	}
}

func copyState(st *domain.SharedState) *domain.SharedState {
	cp := *st
	return &cp
}
