package registry

import (
	"context"
	"time"
)

const reaperInterval = 1 * time.Minute

// StartReaper runs a background goroutine that periodically sweeps for idle
// sessions and closes them.
func (r *Registry) StartReaper(ctx context.Context) {
	ticker := time.NewTicker(reaperInterval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("session reaper started", "interval", reaperInterval, "idle_ttl", r.cfg.IdleTTL)

		for {
			select {
			case <-ticker.C:
				r.reapIdle(ctx)
			case <-ctx.Done():
				r.logger.Info("session reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (r *Registry) reapIdle(ctx context.Context) {
	cutoff := r.now().Add(-r.cfg.IdleTTL)

	r.mu.RLock()
	var idle []string
	for id, e := range r.sessions {
		if e.session.LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.RUnlock()

	if len(idle) == 0 {
		return
	}

	r.logger.Info("session reaper found idle sessions", "count", len(idle))
	var lost int
	for _, id := range idle {
		lost += r.Close(ctx, id, "idle timeout")
	}
	if lost > 0 {
		r.logger.Warn("idle reaping discarded undelivered messages", "count", lost)
	}

	// Durable records for sessions closed by earlier runs (or a previous
	// process) are cleaned up through the store.
	stale, err := r.repo.GetIdleSessions(ctx, r.cfg.IdleTTL)
	if err != nil {
		r.logger.Error("session reaper failed to list stale sessions", "error", err)
		return
	}
	for _, s := range stale {
		if _, live := r.Get(s.ID); live {
			continue
		}
		if err := r.repo.DeleteSession(ctx, s.ID); err != nil {
			r.logger.Warn("session reaper failed to delete stale session",
				"session_id", s.ID, "error", err)
		}
	}
}
