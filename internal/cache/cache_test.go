package cache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tesserbridge/bridge/internal/config"
	"github.com/tesserbridge/bridge/internal/store"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		HotSize:        4,
		BoundedSize:    16,
		ContextTTL:     time.Minute,
		ResultTTL:      50 * time.Millisecond,
		TierReadBudget: 200 * time.Millisecond,
	}
}

func TestPutThenGet_HotTier(t *testing.T) {
	c := New(testCacheConfig(), nil, nil, nil)
	defer c.Close()
	ctx := context.Background()

	if err := c.Put(ctx, "fp-1", KindContext, []byte("payload")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, err := c.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry == nil || string(entry.Payload) != "payload" {
		t.Errorf("Expected hot hit, got %+v", entry)
	}

	stats := c.Stats()
	if stats.Hits["hot"] != 1 {
		t.Errorf("Expected 1 hot hit, got %d", stats.Hits["hot"])
	}
}

func TestGet_Miss(t *testing.T) {
	c := New(testCacheConfig(), nil, nil, nil)
	defer c.Close()

	entry, err := c.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry != nil {
		t.Errorf("Expected miss, got %+v", entry)
	}
	if c.Stats().Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", c.Stats().Misses)
	}
}

func TestColdHit_BackfillsWarmTiers(t *testing.T) {
	c := New(testCacheConfig(), nil, nil, nil)
	defer c.Close()
	ctx := context.Background()

	// Seed only the bounded tier, simulating a hot-tier eviction.
	entry := &Entry{Fingerprint: "fp-cold", Kind: KindContext, Payload: []byte("v"), ExpiresAt: time.Now().Add(time.Minute)}
	if err := c.tiers[1].Put(ctx, entry); err != nil {
		t.Fatal(err)
	}

	got, err := c.Get(ctx, "fp-cold")
	if err != nil || got == nil {
		t.Fatalf("Expected bounded-tier hit, got %v, %v", got, err)
	}
	if c.Stats().Hits["bounded"] != 1 {
		t.Errorf("Expected bounded hit, stats: %+v", c.Stats())
	}

	// The hit must now be served from the hot tier.
	if _, err := c.Get(ctx, "fp-cold"); err != nil {
		t.Fatal(err)
	}
	if c.Stats().Hits["hot"] != 1 {
		t.Errorf("Expected backfilled hot hit, stats: %+v", c.Stats())
	}
}

func TestTTL_ResultExpiresFast(t *testing.T) {
	c := New(testCacheConfig(), nil, nil, nil)
	defer c.Close()
	ctx := context.Background()

	if err := c.Put(ctx, "fp-r", KindResult, []byte("r")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)

	entry, err := c.Get(ctx, "fp-r")
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Errorf("Expired result should be a miss, got %+v", entry)
	}
}

func TestMemoryTier_LRUEviction(t *testing.T) {
	tier := newMemoryTier("test", 3)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	for i := 0; i < 3; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		if err := tier.Put(ctx, &Entry{Fingerprint: fp, Payload: []byte(fp), ExpiresAt: exp}); err != nil {
			t.Fatal(err)
		}
	}

	// Touch fp-0 so fp-1 becomes least recently used.
	if e, _ := tier.Get(ctx, "fp-0"); e == nil {
		t.Fatal("Expected fp-0 present")
	}

	if err := tier.Put(ctx, &Entry{Fingerprint: "fp-3", Payload: []byte("x"), ExpiresAt: exp}); err != nil {
		t.Fatal(err)
	}

	if tier.Len() != 3 {
		t.Errorf("Expected capacity 3 enforced, got %d", tier.Len())
	}
	if e, _ := tier.Get(ctx, "fp-1"); e != nil {
		t.Error("Expected fp-1 evicted as least recently used")
	}
	if e, _ := tier.Get(ctx, "fp-0"); e == nil {
		t.Error("Expected recently used fp-0 retained")
	}
}

func TestGetOrCompute_SharesComputation(t *testing.T) {
	c := New(testCacheConfig(), nil, nil, nil)
	defer c.Close()
	ctx := context.Background()

	var computes int
	var mu sync.Mutex
	compute := func() ([]byte, error) {
		mu.Lock()
		computes++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		return []byte("computed"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.GetOrCompute(ctx, "fp-sf", KindContext, compute)
			if err != nil || string(got) != "computed" {
				t.Errorf("GetOrCompute got %q, %v", got, err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if computes != 1 {
		t.Errorf("Expected a single shared computation, got %d", computes)
	}
}

func TestPersistentTier_SurvivesRestart(t *testing.T) {
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()
	ctx := context.Background()

	c1 := New(testCacheConfig(), repo, nil, nil)
	if err := c1.Put(ctx, "fp-p", KindContext, []byte("durable")); err != nil {
		t.Fatal(err)
	}
	c1.Close() // drains background propagation into the persistent tier

	c2 := New(testCacheConfig(), repo, nil, nil)
	defer c2.Close()

	entry, err := c2.Get(ctx, "fp-p")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || string(entry.Payload) != "durable" {
		t.Errorf("Expected persistent hit after restart, got %+v", entry)
	}
	if c2.Stats().Hits["persistent"] != 1 {
		t.Errorf("Expected persistent-tier hit, stats: %+v", c2.Stats())
	}
}

func TestPutConcurrentWithClose(t *testing.T) {
	// Plans finished after server shutdown still write their results; those
	// writes must land in the hot tier without panicking while Close runs.
	c := New(testCacheConfig(), nil, nil, nil)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; ; j++ {
				select {
				case <-stop:
					return
				default:
				}
				fp := fmt.Sprintf("fp-%d-%d", n, j)
				if err := c.Put(ctx, fp, KindResult, []byte("late")); err != nil {
					t.Errorf("Put failed: %v", err)
					return
				}
			}
		}(i)
	}

	c.Close()
	close(stop)
	wg.Wait()

	if err := c.Put(ctx, "fp-after", KindResult, []byte("post-close")); err != nil {
		t.Errorf("Put after Close failed: %v", err)
	}
	entry, err := c.Get(ctx, "fp-after")
	if err != nil || entry == nil {
		t.Errorf("Expected hot hit after Close, got %v, %v", entry, err)
	}
}
