// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/tesserbridge/bridge/internal/domain"
)

// CacheRecord is one entry in the persistent cache tier, keyed by fingerprint.
// The payload is opaque to the store.
type CacheRecord struct {
	Fingerprint string
	Payload     []byte
	ExpiresAt   time.Time
}

// Repository defines the interface for persisting bridge state: session
// records, the shared-state operation log, the persistent cache tier, and
// the human-resolution conflict queue.
type Repository interface {
	// GetSession retrieves a session record by ID. Returns nil if absent.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// UpsertSession creates or updates a session record.
	UpsertSession(ctx context.Context, s *domain.Session) error

	// UpdateSessionState transitions a session's connection state and
	// refreshes its last-activity timestamp.
	UpdateSessionState(ctx context.Context, id string, state domain.ConnectionState, at time.Time) error

	// GetIdleSessions returns sessions whose last activity is older than ttl
	// and that are not already closed.
	GetIdleSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// DeleteSession removes a session record.
	DeleteSession(ctx context.Context, id string) error

	// AppendOperation appends an operation to a shared state's log in
	// arrival order and returns the assigned sequence number.
	AppendOperation(ctx context.Context, stateID string, op domain.Operation) (int64, error)

	// OperationsSince returns all logged operations for a shared state with
	// sequence numbers greater than afterSeq, in sequence order.
	OperationsSince(ctx context.Context, stateID string, afterSeq int64) ([]domain.Operation, error)

	// GetSharedState retrieves a shared-state snapshot. Returns nil if absent.
	GetSharedState(ctx context.Context, id string) (*domain.SharedState, error)

	// UpsertSharedState stores a shared-state snapshot.
	UpsertSharedState(ctx context.Context, st *domain.SharedState) error

	// GetCacheEntry retrieves a persistent cache record. Returns nil on miss
	// or when the record has expired.
	GetCacheEntry(ctx context.Context, fingerprint string) (*CacheRecord, error)

	// PutCacheEntry stores a persistent cache record, replacing any existing
	// record for the same fingerprint.
	PutCacheEntry(ctx context.Context, rec *CacheRecord) error

	// PurgeExpiredCache removes expired persistent cache records and returns
	// how many were deleted.
	PurgeExpiredCache(ctx context.Context, now time.Time) (int64, error)

	// EnqueueConflict adds a conflict to the human-resolution queue.
	EnqueueConflict(ctx context.Context, c *domain.Conflict) error

	// PendingConflicts lists unresolved conflicts, oldest first.
	PendingConflicts(ctx context.Context) ([]*domain.Conflict, error)

	// ResolveConflict marks a conflict resolved with the given resolution.
	ResolveConflict(ctx context.Context, id, resolution string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
