// Package worker talks to the external worker pool. Workers are opaque
// services reached over gRPC; the bridge never runs worker logic itself.
package worker

import (
	"context"
	"errors"

	"github.com/tesserbridge/bridge/internal/domain"
)

var (
	// ErrWorkerUnavailable is returned when the worker service cannot be
	// reached or reports itself unhealthy.
	ErrWorkerUnavailable = errors.New("worker service unavailable")
	// ErrBadWorkerReply is returned when the worker reply cannot be decoded.
	ErrBadWorkerReply = errors.New("malformed worker reply")
)

// Invoker dispatches one optimized context to a worker of the given kind and
// returns its result. Implementations must honor ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error)

	// Health reports whether the worker service is reachable.
	Health(ctx context.Context) error

	// Close releases the underlying connection.
	Close()
}

// InvokerFunc adapts a plain function to the Invoker interface.
type InvokerFunc func(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error)

func (f InvokerFunc) Invoke(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
	return f(ctx, kind, input)
}

func (f InvokerFunc) Health(ctx context.Context) error { return nil }

func (f InvokerFunc) Close() {}
