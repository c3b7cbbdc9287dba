package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tesserbridge/bridge/internal/cache"
	"github.com/tesserbridge/bridge/internal/domain"
)

// CachedInvoker serves repeat invocations from the result cache. The
// context fingerprint fully identifies an invocation, so two steps with
// identical optimized contexts share one worker call.
type CachedInvoker struct {
	inner Invoker
	cache *cache.Cache
}

// NewCached wraps an invoker with result caching.
func NewCached(inner Invoker, c *cache.Cache) *CachedInvoker {
	return &CachedInvoker{inner: inner, cache: c}
}

func (c *CachedInvoker) Invoke(ctx context.Context, kind domain.WorkerKind, input *domain.OptimizedContext) (*domain.WorkerResult, error) {
	if input == nil || input.Fingerprint == "" {
		return c.inner.Invoke(ctx, kind, input)
	}

	key := "result:" + input.Fingerprint
	payload, err := c.cache.GetOrCompute(ctx, key, cache.KindResult, func() ([]byte, error) {
		result, err := c.inner.Invoke(ctx, kind, input)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	})
	if err != nil {
		return nil, err
	}

	var result domain.WorkerResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: cached result: %v", ErrBadWorkerReply, err)
	}
	return &result, nil
}

func (c *CachedInvoker) Health(ctx context.Context) error { return c.inner.Health(ctx) }

func (c *CachedInvoker) Close() { c.inner.Close() }
