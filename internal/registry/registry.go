// Package registry tracks live peer sessions: connection state, outbound
// delivery queues for disconnected peers, and the reconnection window.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/store"
)

var (
	// ErrSessionNotFound is returned for operations on unknown sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when sending to a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Sender delivers one encoded message to a connected peer.
type Sender interface {
	Send(ctx context.Context, payload []byte) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, payload []byte) error

func (f SenderFunc) Send(ctx context.Context, payload []byte) error { return f(ctx, payload) }

type entry struct {
	session *domain.Session
	sender  Sender

	// queue buffers outbound payloads while the peer is reconnecting,
	// oldest first. Bounded; overflow drops the oldest.
	queue   [][]byte
	dropped int

	attempt     int
	reconnectID int
}

// Registry is the in-memory session table. The store keeps a durable copy of
// session records so sessions survive a bridge restart, but connection state
// and queues live here.
type Registry struct {
	cfg    config.SessionConfig
	repo   store.Repository
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
	groups   map[string]map[string]struct{}
	onClose  []func(sessionID string)
}

// New creates a session registry.
func New(cfg config.SessionConfig, repo store.Repository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		repo:     repo,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*entry),
		groups:   make(map[string]map[string]struct{}),
	}
}

// OnClose registers a hook invoked after a session is fully closed. Hooks
// let other components drop per-session state without the registry knowing
// about them. Not safe to call after sessions start registering.
func (r *Registry) OnClose(fn func(sessionID string)) {
	r.onClose = append(r.onClose, fn)
}

// Register binds a sender to a session and marks it open. Re-registering a
// session inside its reconnection window resumes it: queued messages are
// flushed to the new sender in arrival order.
func (r *Registry) Register(ctx context.Context, sess *domain.Session, sender Sender) error {
	r.mu.Lock()

	e, resumed := r.sessions[sess.ID]
	if resumed && e.session.State != domain.StateClosed {
		e.sender = sender
		e.session.State = domain.StateOpen
		e.session.LastActivityAt = r.now()
		e.attempt = 0
		e.reconnectID++
		sess = e.session
	} else {
		sess.State = domain.StateOpen
		sess.ConnectedAt = r.now()
		sess.LastActivityAt = sess.ConnectedAt
		e = &entry{session: sess, sender: sender}
		r.sessions[sess.ID] = e
		if sess.GroupID != "" {
			if r.groups[sess.GroupID] == nil {
				r.groups[sess.GroupID] = make(map[string]struct{})
			}
			r.groups[sess.GroupID][sess.ID] = struct{}{}
		}
		resumed = false
	}

	pending := e.queue
	e.queue = nil
	dropped := e.dropped
	e.dropped = 0
	r.mu.Unlock()

	if err := r.repo.UpsertSession(ctx, sess); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.ID, err)
	}

	if resumed {
		r.logger.Info("session resumed",
			"session_id", sess.ID, "peer_id", sess.PeerID,
			"queued", len(pending), "dropped_while_away", dropped)
		for i, payload := range pending {
			if err := sender.Send(ctx, payload); err != nil {
				// Re-queue the remainder and start another reconnection window.
				r.mu.Lock()
				e.queue = append(pending[i:], e.queue...)
				r.mu.Unlock()
				r.Disconnect(ctx, sess.ID, "flush failed")
				return fmt.Errorf("flush queued messages to %s: %w", sess.ID, err)
			}
		}
	} else {
		r.logger.Info("session registered",
			"session_id", sess.ID, "peer_id", sess.PeerID,
			"kind", sess.Kind, "group_id", sess.GroupID,
			"protocol_version", sess.ProtocolVersion)
	}
	return nil
}

// Send delivers a payload to a session. While the session is reconnecting
// the payload is queued; if the queue is full the oldest entry is dropped.
func (r *Registry) Send(ctx context.Context, sessionID string, payload []byte) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("send to %s: %w", sessionID, ErrSessionNotFound)
	}

	switch e.session.State {
	case domain.StateClosed:
		r.mu.Unlock()
		return fmt.Errorf("send to %s: %w", sessionID, ErrSessionClosed)

	case domain.StateOpen:
		sender := e.sender
		r.mu.Unlock()
		if err := sender.Send(ctx, payload); err != nil {
			r.Disconnect(ctx, sessionID, "send failed")
			// The message that failed goes to the front of the queue.
			r.mu.Lock()
			if e2, ok := r.sessions[sessionID]; ok && e2.session.State == domain.StateReconnecting {
				e2.queue = append([][]byte{payload}, e2.queue...)
			}
			r.mu.Unlock()
			return nil
		}
		return nil

	default:
		if len(e.queue) >= r.cfg.OutboundQueueSize {
			e.queue = e.queue[1:]
			e.dropped++
			r.logger.Warn("outbound queue full, dropping oldest message",
				"session_id", sessionID, "dropped_total", e.dropped)
		}
		e.queue = append(e.queue, payload)
		r.mu.Unlock()
		return nil
	}
}

// SendGroup delivers a payload to every session in a group except the one
// named by exceptID. Per-session failures are handled by Send and do not
// stop delivery to the rest of the group.
func (r *Registry) SendGroup(ctx context.Context, groupID, exceptID string, payload []byte) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.groups[groupID]))
	for id := range r.groups[groupID] {
		if id != exceptID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range ids {
		if err := r.Send(ctx, id, payload); err != nil {
			r.logger.Warn("group delivery failed", "group_id", groupID, "session_id", id, "error", err)
		}
	}
}

// Disconnect moves a session into its reconnection window. Messages sent
// while reconnecting are queued; if the peer does not return before the
// backoff schedule is exhausted the session closes and the queue is dropped.
func (r *Registry) Disconnect(ctx context.Context, sessionID, reason string) {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || e.session.State == domain.StateClosed || e.session.State == domain.StateReconnecting {
		r.mu.Unlock()
		return
	}

	e.sender = nil
	e.session.State = domain.StateReconnecting
	e.attempt = 0
	e.reconnectID++
	id := e.reconnectID
	r.mu.Unlock()

	r.logger.Info("session disconnected, holding for reconnect",
		"session_id", sessionID, "reason", reason,
		"window", r.reconnectWindow())

	if err := r.repo.UpdateSessionState(ctx, sessionID, domain.StateReconnecting, r.now()); err != nil {
		r.logger.Warn("failed to persist session state", "session_id", sessionID, "error", err)
	}

	go r.awaitReconnect(sessionID, id)
}

// awaitReconnect walks the backoff schedule; each step doubles the delay up
// to the cap. A successful Register bumps reconnectID, invalidating this run.
func (r *Registry) awaitReconnect(sessionID string, reconnectID int) {
	delay := r.cfg.ReconnectBase
	for attempt := 1; attempt <= r.cfg.ReconnectAttempts; attempt++ {
		time.Sleep(delay)

		r.mu.Lock()
		e, ok := r.sessions[sessionID]
		if !ok || e.reconnectID != reconnectID || e.session.State != domain.StateReconnecting {
			r.mu.Unlock()
			return
		}
		e.attempt = attempt
		r.mu.Unlock()

		delay *= 2
		if delay > r.cfg.ReconnectCap {
			delay = r.cfg.ReconnectCap
		}
	}

	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok || e.reconnectID != reconnectID || e.session.State != domain.StateReconnecting {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.logger.Info("reconnection window expired", "session_id", sessionID,
		"attempts", r.cfg.ReconnectAttempts)
	r.Close(context.Background(), sessionID, "reconnection window expired")
}

// Close terminates a session and returns the number of queued messages that
// were never delivered, counting those already dropped to queue overflow.
// Callers use the count as the delivery-failure signal; it is never lost to
// logs alone.
func (r *Registry) Close(ctx context.Context, sessionID, reason string) int {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0
	}
	undelivered := len(e.queue) + e.dropped
	e.queue = nil
	e.sender = nil
	e.session.State = domain.StateClosed
	e.reconnectID++
	if e.session.GroupID != "" {
		delete(r.groups[e.session.GroupID], sessionID)
		if len(r.groups[e.session.GroupID]) == 0 {
			delete(r.groups, e.session.GroupID)
		}
	}
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if undelivered > 0 {
		r.logger.Warn("session closed with undelivered messages",
			"session_id", sessionID, "undelivered", undelivered, "reason", reason)
	} else {
		r.logger.Info("session closed", "session_id", sessionID, "reason", reason)
	}

	if err := r.repo.UpdateSessionState(ctx, sessionID, domain.StateClosed, r.now()); err != nil {
		r.logger.Warn("failed to persist session state", "session_id", sessionID, "error", err)
	}

	for _, fn := range r.onClose {
		fn(sessionID)
	}
	return undelivered
}

// Get returns a snapshot of a session record.
func (r *Registry) Get(sessionID string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cp := *e.session
	return &cp, true
}

// Touch refreshes a session's last-activity timestamp.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[sessionID]; ok {
		e.session.LastActivityAt = r.now()
	}
}

// ActiveCount returns the number of sessions not yet closed.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// QueueDepth returns the number of messages queued for a session.
func (r *Registry) QueueDepth(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[sessionID]; ok {
		return len(e.queue)
	}
	return 0
}

func (r *Registry) reconnectWindow() time.Duration {
	var total time.Duration
	delay := r.cfg.ReconnectBase
	for i := 0; i < r.cfg.ReconnectAttempts; i++ {
		total += delay
		delay *= 2
		if delay > r.cfg.ReconnectCap {
			delay = r.cfg.ReconnectCap
		}
	}
	return total
}
