package trigger

import (
	"testing"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
)

func testTriggerConfig() config.TriggerConfig {
	return config.TriggerConfig{
		ConfidenceThreshold: 0.7,
		SignificanceFloor:   0.6,
		DefaultCooldown:     15 * time.Second,
		Cooldowns: map[string]time.Duration{
			"review": 30 * time.Second,
		},
	}
}

func newTestEngine(t *testing.T, now func() time.Time) *Engine {
	t.Helper()
	e := NewEngine(testTriggerConfig(), nil, WithClock(now))
	for _, h := range DefaultHeuristics() {
		if err := e.Register(h); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	return e
}

func markerEvent(sessionID string) domain.ActivityEvent {
	return domain.ActivityEvent{
		SessionID: sessionID,
		Timestamp: time.Now(),
		Kind:      domain.ActivityReviewMarker,
		RawContext: map[string]string{
			"diff": "# REVIEW_PENDING: check auth flow\nfunc authenticate() {}",
		},
	}
}

func TestEvaluate_EmitsRankedCandidates(t *testing.T) {
	e := newTestEngine(t, time.Now)

	got := e.Evaluate(markerEvent("s1"))
	if len(got) == 0 {
		t.Fatal("Expected candidates for a review marker event")
	}
	if got[0].WorkerKind != domain.WorkerReview {
		t.Errorf("Expected review ranked first, got %s", got[0].WorkerKind)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Confidence > got[i-1].Confidence {
			t.Errorf("Candidates not sorted by confidence: %+v", got)
		}
	}
	for _, c := range got {
		if c.Confidence < 0.7 {
			t.Errorf("Candidate below threshold emitted: %+v", c)
		}
	}
}

func TestEvaluate_CooldownSuppression(t *testing.T) {
	// Scenario: cooldown for review on this session was set 10s ago with a
	// 30s window, so a 0.95-confidence event must yield nothing for review.
	base := time.Now()
	current := base
	e := newTestEngine(t, func() time.Time { return current })

	ev := markerEvent("s1")
	first := e.Evaluate(ev)
	if len(first) == 0 || first[0].WorkerKind != domain.WorkerReview {
		t.Fatalf("Expected initial review candidate, got %+v", first)
	}
	e.MarkInvoked("s1", domain.WorkerReview)

	current = base.Add(10 * time.Second)
	for _, c := range e.Evaluate(ev) {
		if c.WorkerKind == domain.WorkerReview {
			t.Errorf("Review must be suppressed during cooldown, got %+v", c)
		}
	}

	// After the window expires the kind is idle again.
	current = base.Add(31 * time.Second)
	found := false
	for _, c := range e.Evaluate(ev) {
		if c.WorkerKind == domain.WorkerReview {
			found = true
		}
	}
	if !found {
		t.Error("Expected review candidate after cooldown expiry")
	}
}

func TestEvaluate_CooldownIsPerSession(t *testing.T) {
	e := newTestEngine(t, time.Now)

	e.MarkInvoked("s1", domain.WorkerReview)

	got := e.Evaluate(markerEvent("s2"))
	found := false
	for _, c := range got {
		if c.WorkerKind == domain.WorkerReview {
			found = true
		}
	}
	if !found {
		t.Error("Cooldown on s1 must not suppress s2")
	}
}

func TestEvaluate_SignificanceFloor(t *testing.T) {
	e := newTestEngine(t, time.Now)

	trivial := domain.ActivityEvent{
		SessionID:  "s1",
		Kind:       domain.ActivityFileEdit,
		RawContext: map[string]string{"diff": "x := 1"},
	}
	if got := e.Evaluate(trivial); len(got) != 0 {
		t.Errorf("Trivial edit should emit nothing, got %+v", got)
	}

	// No heuristic scores the trivial edit over the confidence threshold,
	// so the floor must not charge any kind with a suppression.
	for kind, s := range e.Stats() {
		if s.Suppressed != 0 {
			t.Errorf("Suppressed[%s] = %d, want 0", kind, s.Suppressed)
		}
	}
}

func TestSignificanceFloorChargesOnlyLikelyKinds(t *testing.T) {
	base := time.Now()
	e := newTestEngine(t, func() time.Time { return base })

	// Three review markers in quick succession emit normally; the fourth is
	// dampened under the floor while review alone would have fired.
	ev := markerEvent("s1")
	for i := 0; i < 3; i++ {
		e.Evaluate(ev)
	}
	before := e.Stats()
	if got := e.Evaluate(ev); len(got) != 0 {
		t.Fatalf("Fourth rapid repeat should emit nothing, got %+v", got)
	}

	after := e.Stats()
	if got := after[domain.WorkerReview].Suppressed - before[domain.WorkerReview].Suppressed; got != 1 {
		t.Errorf("Review suppressions grew by %d, want 1", got)
	}
	if after[domain.WorkerDocs].Suppressed != before[domain.WorkerDocs].Suppressed {
		t.Errorf("Docs charged with a floor suppression it never risked: %+v", after[domain.WorkerDocs])
	}
}

func TestEvaluate_RapidRepeatsDampened(t *testing.T) {
	base := time.Now()
	e := newTestEngine(t, func() time.Time { return base })

	ev := markerEvent("s1")
	for i := 0; i < 3; i++ {
		if got := e.Evaluate(ev); len(got) == 0 {
			t.Fatalf("Event %d should still emit candidates", i+1)
		}
	}
	if got := e.Evaluate(ev); len(got) != 0 {
		t.Errorf("Fourth rapid repeat should be dampened below the floor, got %+v", got)
	}

	// A different session is unaffected by the burst.
	if got := e.Evaluate(markerEvent("s2")); len(got) == 0 {
		t.Error("Burst on s1 must not dampen s2")
	}
}

func TestForgetSessionClearsHistory(t *testing.T) {
	base := time.Now()
	e := newTestEngine(t, func() time.Time { return base })

	ev := markerEvent("s1")
	for i := 0; i < 3; i++ {
		e.Evaluate(ev)
	}
	e.ForgetSession("s1")

	if got := e.Evaluate(ev); len(got) == 0 {
		t.Error("Expected candidates again after history cleared")
	}
}

func TestRegister_RejectsDuplicates(t *testing.T) {
	e := NewEngine(testTriggerConfig(), nil)
	h := Heuristic{Kind: domain.WorkerReview, Evaluate: evaluateReview}
	if err := e.Register(h); err != nil {
		t.Fatal(err)
	}
	if err := e.Register(h); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
}

func TestForgetSession(t *testing.T) {
	base := time.Now()
	e := newTestEngine(t, func() time.Time { return base })

	e.MarkInvoked("s1", domain.WorkerReview)
	if e.CooldownUntil("s1", domain.WorkerReview).IsZero() {
		t.Fatal("Expected active cooldown")
	}

	e.ForgetSession("s1")
	if !e.CooldownUntil("s1", domain.WorkerReview).IsZero() {
		t.Error("Expected cooldown cleared after session forget")
	}
}

func TestSignificance_Bounds(t *testing.T) {
	ev := markerEvent("s1")
	ev.RawContext["diagnostics"] = "warning: unused"
	if s := Significance(ev); s != 1 {
		t.Errorf("Expected clamped significance 1, got %v", s)
	}
}
