package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/tesserbridge/bridge/internal/store"
)

// memoryTier is a bounded in-process LRU tier.
type memoryTier struct {
	name     string
	capacity int

	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front = most recently used
}

func newMemoryTier(name string, capacity int) *memoryTier {
	if capacity <= 0 {
		capacity = 64
	}
	return &memoryTier{
		name:     name,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (t *memoryTier) Name() string { return t.name }

func (t *memoryTier) Get(_ context.Context, fingerprint string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.items[fingerprint]
	if !ok {
		return nil, nil
	}
	entry := el.Value.(*Entry)
	if entry.expired(time.Now()) {
		t.order.Remove(el)
		delete(t.items, fingerprint)
		return nil, nil
	}
	t.order.MoveToFront(el)
	return entry, nil
}

func (t *memoryTier) Put(_ context.Context, e *Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.items[e.Fingerprint]; ok {
		el.Value = e
		t.order.MoveToFront(el)
		return nil
	}

	t.items[e.Fingerprint] = t.order.PushFront(e)

	for t.order.Len() > t.capacity {
		oldest := t.order.Back()
		t.order.Remove(oldest)
		delete(t.items, oldest.Value.(*Entry).Fingerprint)
	}
	return nil
}

// Len returns the number of entries currently held.
func (t *memoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
}

// storeTier adapts a Repository into a cache tier with a bounded read
// budget, used for both the persistent and the cross-instance shared tier.
type storeTier struct {
	name       string
	repo       store.Repository
	readBudget time.Duration
}

func newStoreTier(name string, repo store.Repository, readBudget time.Duration) *storeTier {
	if readBudget <= 0 {
		readBudget = 200 * time.Millisecond
	}
	return &storeTier{name: name, repo: repo, readBudget: readBudget}
}

func (t *storeTier) Name() string { return t.name }

func (t *storeTier) Get(ctx context.Context, fingerprint string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, t.readBudget)
	defer cancel()

	rec, err := t.repo.GetCacheEntry(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return &Entry{
		Fingerprint: rec.Fingerprint,
		Payload:     rec.Payload,
		ExpiresAt:   rec.ExpiresAt,
	}, nil
}

func (t *storeTier) Put(ctx context.Context, e *Entry) error {
	return t.repo.PutCacheEntry(ctx, &store.CacheRecord{
		Fingerprint: e.Fingerprint,
		Payload:     e.Payload,
		ExpiresAt:   e.ExpiresAt,
	})
}
