package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tesserbridge/bridge/internal/cache"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/optimizer"
	"github.com/tesserbridge/bridge/internal/protocol"
)

// invocationResultPayload is the body of an invocation_result envelope.
type invocationResultPayload struct {
	PlanID string                   `json:"plan_id"`
	Result *domain.AggregatedResult `json:"result"`
}

func (h *Handler) dispatch(ctx context.Context, ws *websocket.Conn, sess *domain.Session, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeActivityEvent:
		h.handleActivityEvent(ctx, ws, sess, env)
	case protocol.TypeInvocationRequest:
		h.handleInvocationRequest(ctx, ws, sess, env)
	case protocol.TypeStateOperation:
		h.handleStateOperation(ctx, ws, sess, env)
	case protocol.TypeStateSnapshot:
		h.handleSnapshotRequest(ctx, ws, sess, env)
	case protocol.TypePing:
		pong, err := protocol.NewEnvelope(sess.ID, protocol.TypePong, nil)
		if err == nil {
			if err := h.writeEnvelope(ctx, ws, pong); err != nil {
				h.logger.Debug("failed to send pong", "session_id", sess.ID, "error", err)
			}
		}
	default:
		h.replyProtocolError(ctx, ws, sess.ID, &protocol.ProtocolError{
			Code:   protocol.CodeUnknownType,
			Reason: "unexpected " + string(env.Type),
		})
	}
}

// handleActivityEvent runs trigger evaluation and, when heuristics fire,
// launches a coordination plan with one step per candidate. Suppressed
// triggers are a deliberate no-op.
func (h *Handler) handleActivityEvent(ctx context.Context, ws *websocket.Conn, sess *domain.Session, env *protocol.Envelope) {
	var payload protocol.ActivityEventPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, err)
		return
	}

	ev := domain.ActivityEvent{
		SessionID:  sess.ID,
		Timestamp:  env.Timestamp,
		Kind:       domain.ActivityKind(payload.Kind),
		RawContext: payload.RawContext,
	}

	candidates := h.triggers.Evaluate(ev)
	if len(candidates) == 0 {
		return
	}

	plan := &domain.CoordinationPlan{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		CreatedAt: time.Now().UTC(),
	}
	for _, cand := range candidates {
		input, err := h.optimizedInput(ctx, payload.RawContext, cand.WorkerKind)
		if err != nil {
			h.logger.Error("context optimization failed",
				"session_id", sess.ID, "kind", cand.WorkerKind, "error", err)
			continue
		}
		plan.Steps = append(plan.Steps, &domain.Step{
			ID:         string(cand.WorkerKind),
			WorkerKind: cand.WorkerKind,
			Input:      input,
			Status:     domain.StepPending,
		})
		h.triggers.MarkInvoked(sess.ID, cand.WorkerKind)
	}
	if len(plan.Steps) == 0 {
		return
	}

	go h.executePlan(context.WithoutCancel(ctx), sess, plan)
}

// handleInvocationRequest runs an explicit multi-step plan sent by a peer.
func (h *Handler) handleInvocationRequest(ctx context.Context, ws *websocket.Conn, sess *domain.Session, env *protocol.Envelope) {
	var payload protocol.InvocationRequestPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, err)
		return
	}
	if len(payload.Steps) == 0 {
		h.replyProtocolError(ctx, ws, sess.ID, &protocol.ProtocolError{
			Code: protocol.CodeBadPayload, Reason: "invocation_request has no steps",
		})
		return
	}

	plan := &domain.CoordinationPlan{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		CreatedAt: time.Now().UTC(),
	}
	for _, spec := range payload.Steps {
		kind := domain.WorkerKind(spec.WorkerKind)
		input, err := h.optimizedInput(ctx, payload.RawContext, kind)
		if err != nil {
			h.replyProtocolError(ctx, ws, sess.ID, &protocol.ProtocolError{
				Code: protocol.CodeBadPayload, Reason: "cannot prepare context for step " + spec.ID,
			})
			return
		}
		plan.Steps = append(plan.Steps, &domain.Step{
			ID:         spec.ID,
			WorkerKind: kind,
			Input:      input,
			DependsOn:  spec.DependsOn,
			Status:     domain.StepPending,
		})
	}

	go h.executePlan(context.WithoutCancel(ctx), sess, plan)
}

// executePlan runs a plan and delivers its aggregated result through the
// registry so queued delivery still works if the peer drops mid-plan.
func (h *Handler) executePlan(ctx context.Context, sess *domain.Session, plan *domain.CoordinationPlan) {
	result, err := h.orch.Execute(ctx, plan)
	if err != nil {
		h.logger.Error("plan execution failed",
			"plan_id", plan.ID, "session_id", sess.ID, "error", err)
		env, encErr := protocol.NewEnvelope(sess.ID, protocol.TypeError, protocol.ErrorPayload{
			Code:    "plan_rejected",
			Message: err.Error(),
		})
		if encErr == nil {
			h.sendToSession(ctx, sess.ID, env)
		}
		return
	}

	env, err := protocol.NewEnvelope(sess.ID, protocol.TypeInvocationResult, invocationResultPayload{
		PlanID: plan.ID,
		Result: result,
	})
	if err != nil {
		h.logger.Error("failed to build invocation result", "plan_id", plan.ID, "error", err)
		return
	}
	h.sendToSession(ctx, sess.ID, env)
}

// handleStateOperation applies one shared-state mutation and fans the new
// snapshot out to the session group. Unresolved conflicts surface to the
// originating peer as a pending-resolution item.
func (h *Handler) handleStateOperation(ctx context.Context, ws *websocket.Conn, sess *domain.Session, env *protocol.Envelope) {
	var payload protocol.StateOperationPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, err)
		return
	}

	op := payload.Op
	op.OriginSession = sess.ID

	st, conflict, err := h.sync.Apply(ctx, payload.StateID, op)
	if err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, &protocol.ProtocolError{
			Code: protocol.CodeBadPayload, Reason: err.Error(),
		})
		return
	}

	if conflict != nil && !conflict.Resolved {
		pending, encErr := protocol.NewEnvelope(sess.ID, protocol.TypeError, protocol.ErrorPayload{
			Code:    "state_conflict_pending",
			Message: "operation conflicts with a concurrent edit; queued for manual resolution (" + conflict.ID + ")",
		})
		if encErr == nil {
			if err := h.writeEnvelope(ctx, ws, pending); err != nil {
				h.logger.Debug("failed to send conflict notice", "session_id", sess.ID, "error", err)
			}
		}
		return
	}

	snapshot, err := protocol.NewEnvelope(sess.ID, protocol.TypeStateSnapshot, protocol.StateSnapshotPayload{
		StateID:  st.ID,
		Revision: st.Revision,
		Content:  st.Content,
	})
	if err != nil {
		h.logger.Error("failed to build state snapshot", "state_id", st.ID, "error", err)
		return
	}
	if err := h.writeEnvelope(ctx, ws, snapshot); err != nil {
		h.logger.Debug("failed to send snapshot", "session_id", sess.ID, "error", err)
	}
	if sess.GroupID != "" {
		if data, err := protocol.Encode(snapshot); err == nil {
			h.reg.SendGroup(ctx, sess.GroupID, sess.ID, data)
		}
	}
}

// handleSnapshotRequest serves the current shared state, typically asked
// for right after a resume.
func (h *Handler) handleSnapshotRequest(ctx context.Context, ws *websocket.Conn, sess *domain.Session, env *protocol.Envelope) {
	var payload protocol.StateSnapshotPayload
	if err := protocol.DecodePayload(env, &payload); err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, err)
		return
	}

	st, err := h.sync.Snapshot(ctx, payload.StateID)
	if err != nil {
		h.replyProtocolError(ctx, ws, sess.ID, &protocol.ProtocolError{
			Code: protocol.CodeBadPayload, Reason: err.Error(),
		})
		return
	}

	reply, err := protocol.NewEnvelope(sess.ID, protocol.TypeStateSnapshot, protocol.StateSnapshotPayload{
		StateID:  st.ID,
		Revision: st.Revision,
		Content:  st.Content,
	})
	if err != nil {
		h.logger.Error("failed to build state snapshot", "state_id", payload.StateID, "error", err)
		return
	}
	if err := h.writeEnvelope(ctx, ws, reply); err != nil {
		h.logger.Debug("failed to send snapshot", "session_id", sess.ID, "error", err)
	}
}

// optimizedInput produces the optimized context for one worker kind,
// serving repeats from the cache. Optimization is a pure function of
// (raw context, kind), so the fingerprint fully identifies the result.
func (h *Handler) optimizedInput(ctx context.Context, raw map[string]string, kind domain.WorkerKind) (*domain.OptimizedContext, error) {
	fp := optimizer.Fingerprint(raw, kind)

	payload, err := h.cache.GetOrCompute(ctx, fp, cache.KindContext, func() ([]byte, error) {
		return json.Marshal(h.opt.Optimize(raw, kind))
	})
	if err != nil {
		return nil, err
	}

	var input domain.OptimizedContext
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, err
	}
	return &input, nil
}

func (h *Handler) sendToSession(ctx context.Context, sessionID string, env *protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		h.logger.Error("failed to encode envelope", "session_id", sessionID, "error", err)
		return
	}
	if err := h.reg.Send(ctx, sessionID, data); err != nil {
		h.logger.Warn("failed to deliver message", "session_id", sessionID, "error", err)
	}
}
