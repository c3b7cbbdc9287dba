// Package trigger evaluates activity events against per-worker-kind
// heuristics, producing ranked invocation candidates subject to cooldown
// throttling and a context-significance floor.
package trigger

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
)

// Heuristic maps activity signals to a confidence for one worker kind.
// Heuristics are registered as data, not hard-coded branches, so new worker
// kinds can be added without touching the engine.
type Heuristic struct {
	Kind     domain.WorkerKind
	Cooldown time.Duration
	Evaluate func(domain.ActivityEvent) (confidence float64, reason string)
}

const (
	historySize = 32
	// burstWindow and burstRepeats define an edit burst: this many events
	// of the same kind inside the window halve the next event's
	// significance, so rapid trivial edits stop reaching the heuristics.
	burstWindow  = 10 * time.Second
	burstRepeats = 3
)

type activityRecord struct {
	kind domain.ActivityKind
	at   time.Time
}

// activityRing holds a session's most recent activity in a fixed ring.
type activityRing struct {
	buf  [historySize]activityRecord
	next int
	size int
}

func (r *activityRing) add(rec activityRecord) {
	r.buf[r.next] = rec
	r.next = (r.next + 1) % historySize
	if r.size < historySize {
		r.size++
	}
}

// countSince counts recorded events of the given kind at or after cutoff.
func (r *activityRing) countSince(kind domain.ActivityKind, cutoff time.Time) int {
	n := 0
	for i := 0; i < r.size; i++ {
		rec := r.buf[i]
		if rec.kind == kind && !rec.at.Before(cutoff) {
			n++
		}
	}
	return n
}

// KindStats counts trigger outcomes for one worker kind. Suppressions are
// not errors; they are recorded for analytics only.
type KindStats struct {
	Emitted    uint64 `json:"emitted"`
	Suppressed uint64 `json:"suppressed"`
	Invoked    uint64 `json:"invoked"`
}

// Engine evaluates activity events. Each (session, worker kind) pair moves
// idle -> cooling_down -> idle; a kind in cooldown emits no candidate.
type Engine struct {
	cfg    config.TriggerConfig
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	heuristics []Heuristic
	cooldowns  map[string]time.Time
	history    map[string]*activityRing
	stats      map[domain.WorkerKind]*KindStats
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine with no heuristics registered.
func NewEngine(cfg config.TriggerConfig, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		history:   make(map[string]*activityRing),
		stats:     make(map[domain.WorkerKind]*KindStats),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register adds a heuristic for a worker kind. A zero cooldown falls back
// to the configured default for that kind.
func (e *Engine) Register(h Heuristic) error {
	if h.Kind == "" || h.Evaluate == nil {
		return fmt.Errorf("register heuristic: kind and evaluate function are required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.heuristics {
		if existing.Kind == h.Kind {
			return fmt.Errorf("register heuristic: kind %s already registered", h.Kind)
		}
	}
	if h.Cooldown <= 0 {
		h.Cooldown = e.cfg.CooldownFor(string(h.Kind))
	}
	e.heuristics = append(e.heuristics, h)
	e.stats[h.Kind] = &KindStats{}
	return nil
}

// Evaluate scores an event against every registered heuristic and returns
// candidates ordered by descending confidence. A candidate is suppressed
// when its confidence is under the threshold, its kind is cooling down for
// this session, or the event's significance is under the floor.
func (e *Engine) Evaluate(ev domain.ActivityEvent) []domain.TriggerCandidate {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()

	ring := e.history[ev.SessionID]
	if ring == nil {
		ring = &activityRing{}
		e.history[ev.SessionID] = ring
	}
	repeats := ring.countSince(ev.Kind, now.Add(-burstWindow))
	ring.add(activityRecord{kind: ev.Kind, at: now})

	sig := Significance(ev)
	if repeats >= burstRepeats {
		sig /= 2
	}
	if sig < e.cfg.SignificanceFloor {
		// The suppression is charged only to kinds that would have emitted;
		// kinds under the confidence threshold were never candidates.
		for _, h := range e.heuristics {
			if conf, _ := h.Evaluate(ev); conf >= e.cfg.ConfidenceThreshold {
				e.stats[h.Kind].Suppressed++
			}
		}
		e.logger.Debug("trigger suppressed: insignificant event",
			"session_id", ev.SessionID, "kind", ev.Kind,
			"significance", sig, "recent_repeats", repeats)
		return nil
	}

	var out []domain.TriggerCandidate
	for _, h := range e.heuristics {
		conf, reason := h.Evaluate(ev)
		if conf < e.cfg.ConfidenceThreshold {
			e.stats[h.Kind].Suppressed++
			continue
		}
		if until, ok := e.cooldowns[cooldownKey(ev.SessionID, h.Kind)]; ok && now.Before(until) {
			e.stats[h.Kind].Suppressed++
			e.logger.Debug("trigger suppressed: cooling down",
				"session_id", ev.SessionID, "worker_kind", h.Kind, "until", until)
			continue
		}

		e.stats[h.Kind].Emitted++
		out = append(out, domain.TriggerCandidate{
			WorkerKind: h.Kind,
			Confidence: conf,
			Reason:     reason,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].WorkerKind < out[j].WorkerKind
	})
	return out
}

// MarkInvoked records a successful invocation, starting the cooldown window
// for the (session, worker kind) pair.
func (e *Engine) MarkInvoked(sessionID string, kind domain.WorkerKind) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range e.heuristics {
		if h.Kind == kind {
			e.cooldowns[cooldownKey(sessionID, kind)] = e.now().Add(h.Cooldown)
			if s, ok := e.stats[kind]; ok {
				s.Invoked++
			}
			return
		}
	}
}

// CooldownUntil returns when the cooldown for a (session, worker kind) pair
// expires, or the zero time if none is active.
func (e *Engine) CooldownUntil(sessionID string, kind domain.WorkerKind) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()

	until, ok := e.cooldowns[cooldownKey(sessionID, kind)]
	if !ok || e.now().After(until) {
		return time.Time{}
	}
	return until
}

// ForgetSession clears cooldown and history state for a closed session.
func (e *Engine) ForgetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.history, sessionID)
	prefix := sessionID + ":"
	for key := range e.cooldowns {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(e.cooldowns, key)
		}
	}
}

// Stats returns a copy of the per-kind counters.
func (e *Engine) Stats() map[domain.WorkerKind]KindStats {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[domain.WorkerKind]KindStats, len(e.stats))
	for k, v := range e.stats {
		out[k] = *v
	}
	return out
}

func cooldownKey(sessionID string, kind domain.WorkerKind) string {
	return sessionID + ":" + string(kind)
}
