package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/domain"
	"github.com/tesserbridge/bridge/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
	fail bool
}

func (s *recordingSender) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("connection gone")
	}
	s.sent = append(s.sent, payload)
	return nil
}

func (s *recordingSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, p := range s.sent {
		out[i] = string(p)
	}
	return out
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		ReconnectBase:     20 * time.Millisecond,
		ReconnectCap:      40 * time.Millisecond,
		ReconnectAttempts: 6,
		OutboundQueueSize: 8,
		IdleTTL:           time.Hour,
	}
}

func newTestRegistry(t *testing.T, cfg config.SessionConfig) *Registry {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return New(cfg, repo, nil)
}

func newSession(id, group string) *domain.Session {
	return &domain.Session{
		ID:              id,
		PeerID:          "peer-" + id,
		Kind:            domain.PeerKindIDE,
		GroupID:         group,
		ProtocolVersion: 2,
	}
}

func TestQueuedMessagesDeliveredInOrderOnResume(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	first := &recordingSender{}
	if err := r.Register(ctx, newSession("s1", "g1"), first); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	r.Disconnect(ctx, "s1", "peer dropped")
	for _, msg := range []string{"one", "two", "three"} {
		if err := r.Send(ctx, "s1", []byte(msg)); err != nil {
			t.Fatalf("Send %q failed: %v", msg, err)
		}
	}
	if depth := r.QueueDepth("s1"); depth != 3 {
		t.Fatalf("queue depth = %d, want 3", depth)
	}

	second := &recordingSender{}
	if err := r.Register(ctx, newSession("s1", "g1"), second); err != nil {
		t.Fatalf("resume Register failed: %v", err)
	}

	got := second.messages()
	want := []string{"one", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("delivered %d messages, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("message %d = %q, want %q", i, got[i], want[i])
		}
	}

	sess, ok := r.Get("s1")
	if !ok || sess.State != domain.StateOpen {
		t.Errorf("session after resume = %+v, want open", sess)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueueSize = 2
	r := newTestRegistry(t, cfg)
	ctx := context.Background()

	if err := r.Register(ctx, newSession("s1", ""), &recordingSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Disconnect(ctx, "s1", "peer dropped")

	for _, msg := range []string{"one", "two", "three"} {
		if err := r.Send(ctx, "s1", []byte(msg)); err != nil {
			t.Fatalf("Send %q failed: %v", msg, err)
		}
	}

	sender := &recordingSender{}
	if err := r.Register(ctx, newSession("s1", ""), sender); err != nil {
		t.Fatalf("resume Register failed: %v", err)
	}

	got := sender.messages()
	want := []string{"two", "three"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("delivered = %v, want %v", got, want)
	}
}

func TestReconnectWindowExpiryClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBase = time.Millisecond
	cfg.ReconnectCap = 2 * time.Millisecond
	cfg.ReconnectAttempts = 2
	r := newTestRegistry(t, cfg)
	ctx := context.Background()

	if err := r.Register(ctx, newSession("s1", ""), &recordingSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Disconnect(ctx, "s1", "peer dropped")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("s1"); !ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := r.Get("s1"); ok {
		t.Fatal("session still present after reconnection window expired")
	}
	if err := r.Send(ctx, "s1", []byte("late")); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Send after close = %v, want ErrSessionNotFound", err)
	}
}

func TestSendFailureStartsReconnectWindow(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	sender := &recordingSender{fail: true}
	if err := r.Register(ctx, newSession("s1", ""), sender); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	if err := r.Send(ctx, "s1", []byte("lost")); err != nil {
		t.Fatalf("Send errored: %v", err)
	}

	sess, ok := r.Get("s1")
	if !ok || sess.State != domain.StateReconnecting {
		t.Fatalf("session = %+v, want reconnecting", sess)
	}
	if depth := r.QueueDepth("s1"); depth != 1 {
		t.Errorf("queue depth = %d, want 1 (failed payload requeued)", depth)
	}
}

func TestSendGroupExcludesOrigin(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	a := &recordingSender{}
	b := &recordingSender{}
	c := &recordingSender{}
	if err := r.Register(ctx, newSession("s1", "g1"), a); err != nil {
		t.Fatalf("Register s1 failed: %v", err)
	}
	if err := r.Register(ctx, newSession("s2", "g1"), b); err != nil {
		t.Fatalf("Register s2 failed: %v", err)
	}
	if err := r.Register(ctx, newSession("s3", "g2"), c); err != nil {
		t.Fatalf("Register s3 failed: %v", err)
	}

	r.SendGroup(ctx, "g1", "s1", []byte("update"))

	if len(a.messages()) != 0 {
		t.Errorf("origin received %d messages, want 0", len(a.messages()))
	}
	if got := b.messages(); len(got) != 1 || got[0] != "update" {
		t.Errorf("group member got %v, want [update]", got)
	}
	if len(c.messages()) != 0 {
		t.Errorf("other group received %d messages, want 0", len(c.messages()))
	}
}

func TestCloseDropsSessionFromGroup(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	if err := r.Register(ctx, newSession("s1", "g1"), &recordingSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", r.ActiveCount())
	}

	r.Close(ctx, "s1", "test")

	if r.ActiveCount() != 0 {
		t.Errorf("active = %d, want 0", r.ActiveCount())
	}
	b := &recordingSender{}
	if err := r.Register(ctx, newSession("s2", "g1"), b); err != nil {
		t.Fatalf("Register s2 failed: %v", err)
	}
	r.SendGroup(ctx, "g1", "", []byte("x"))
	if len(b.messages()) != 1 {
		t.Errorf("s2 got %d messages, want 1", len(b.messages()))
	}
}

func TestOnCloseHookRuns(t *testing.T) {
	r := newTestRegistry(t, testConfig())
	ctx := context.Background()

	var closed []string
	r.OnClose(func(id string) { closed = append(closed, id) })

	if err := r.Register(ctx, newSession("s1", ""), &recordingSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Close(ctx, "s1", "test")

	if len(closed) != 1 || closed[0] != "s1" {
		t.Errorf("closed = %v, want [s1]", closed)
	}
}

func TestCloseReportsUndeliveredCount(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueueSize = 2
	r := newTestRegistry(t, cfg)
	ctx := context.Background()

	if err := r.Register(ctx, newSession("s1", ""), &recordingSender{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	r.Disconnect(ctx, "s1", "test")

	// Three sends into a queue of two: one drops, two stay queued.
	for i := 0; i < 3; i++ {
		if err := r.Send(ctx, "s1", []byte{byte('a' + i)}); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}

	if got := r.Close(ctx, "s1", "test"); got != 3 {
		t.Errorf("undelivered = %d, want 3", got)
	}
	if got := r.Close(ctx, "s1", "test"); got != 0 {
		t.Errorf("second Close undelivered = %d, want 0", got)
	}
}
