package spendcache

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("starting miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	return mr, New(rdb)
}

func TestIncrementAndGetAccumulates(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	total, err := cache.IncrementAndGet(ctx, "agent-1", period, 6.0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 6.0 {
		t.Errorf("expected total 6.0, got %v", total)
	}

	total, err = cache.IncrementAndGet(ctx, "agent-1", period, 4.5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 10.5 {
		t.Errorf("expected total 10.5, got %v", total)
	}
}

func TestIncrementAndGetIsolatesAgentsAndPeriods(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	nov := Period{Year: 2025, Month: time.November}
	dec := Period{Year: 2025, Month: time.December}

	if _, err := cache.IncrementAndGet(ctx, "agent-1", nov, 3.0); err != nil {
		t.Fatal(err)
	}
	if _, err := cache.IncrementAndGet(ctx, "agent-2", nov, 7.0); err != nil {
		t.Fatal(err)
	}

	total, found, err := cache.Get(ctx, "agent-1", nov)
	if err != nil || !found || total != 3.0 {
		t.Errorf("agent-1 nov: got (%v, %v, %v), want (3.0, true, nil)", total, found, err)
	}

	_, found, err = cache.Get(ctx, "agent-1", dec)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected no entry for agent-1 in december")
	}
}

func TestGetDistinguishesMissingFromZero(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	_, found, err := cache.Get(ctx, "agent-1", period)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("expected found=false for missing key")
	}

	// A backfilled zero is a real entry, not a miss.
	if _, err := cache.Backfill(ctx, "agent-1", period, 0); err != nil {
		t.Fatal(err)
	}

	total, found, err := cache.Get(ctx, "agent-1", period)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Error("expected found=true after zero backfill")
	}
	if total != 0 {
		t.Errorf("expected total 0, got %v", total)
	}
}

func TestBackfillDoesNotClobberExistingTotal(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	if _, err := cache.IncrementAndGet(ctx, "agent-1", period, 5.0); err != nil {
		t.Fatal(err)
	}

	// A stale ledger aggregation must lose to the increment already counted.
	total, err := cache.Backfill(ctx, "agent-1", period, 3.0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 5.0 {
		t.Errorf("expected existing total 5.0 to win, got %v", total)
	}
}

func TestBackfillSeedsEmptyKey(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	total, err := cache.Backfill(ctx, "agent-1", period, 12.25)
	if err != nil {
		t.Fatal(err)
	}
	if total != 12.25 {
		t.Errorf("expected 12.25, got %v", total)
	}

	got, found, err := cache.Get(ctx, "agent-1", period)
	if err != nil || !found {
		t.Fatalf("expected entry after backfill, got (%v, %v)", found, err)
	}
	if got != 12.25 {
		t.Errorf("expected 12.25, got %v", got)
	}
}

func TestKeysCarryPeriodTTL(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	now := time.Date(2025, 11, 15, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	period := MonthOf(now)

	if _, err := cache.IncrementAndGet(ctx, "agent-1", period, 1.0); err != nil {
		t.Fatal(err)
	}

	want := period.End().Add(periodGrace).Sub(now)
	got := mr.TTL(key("agent-1", period))
	if math.Abs(got.Seconds()-want.Seconds()) > 1 {
		t.Errorf("expected TTL ~%v, got %v", want, got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	_, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.IncrementAndGet(ctx, "agent-1", period, 1.0); err != nil {
				t.Errorf("increment failed: %v", err)
			}
		}()
	}
	wg.Wait()

	total, found, err := cache.Get(ctx, "agent-1", period)
	if err != nil || !found {
		t.Fatalf("expected entry, got (%v, %v)", found, err)
	}
	if total != 20.0 {
		t.Errorf("expected 20 increments to total 20.0, got %v", total)
	}
}

func TestUnavailableRedisReturnsErrors(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()
	period := Period{Year: 2025, Month: time.November}

	mr.Close()

	if _, _, err := cache.Get(ctx, "agent-1", period); err == nil {
		t.Error("expected error from Get with redis down")
	}
	if _, err := cache.IncrementAndGet(ctx, "agent-1", period, 1.0); err == nil {
		t.Error("expected error from IncrementAndGet with redis down")
	}
	if err := cache.Ping(ctx); err == nil {
		t.Error("expected error from Ping with redis down")
	}
}
