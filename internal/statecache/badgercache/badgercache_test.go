package badgercache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/severity"
	"github.com/linnemanlabs/warden/internal/triage"
)

var _ triage.StateCache = (*Cache)(nil)

func openCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open(ttl, log.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_PutGet(t *testing.T) {
	t.Parallel()

	c := openCache(t, 0)
	if _, ok := c.Get("a1"); ok {
		t.Fatal("hit on empty cache")
	}
	c.Put("a1", triage.CacheEntry{AlertID: "a1", Status: triage.StatusPendingReview, Severity: severity.TierHigh, Seq: 1})
	got, ok := c.Get("a1")
	if !ok || got.Status != triage.StatusPendingReview || got.Seq != 1 {
		t.Fatalf("Get = %+v, %v", got, ok)
	}
}

func TestCache_LatestWinsBySeq(t *testing.T) {
	t.Parallel()

	c := openCache(t, 0)
	c.Put("a1", triage.CacheEntry{AlertID: "a1", Status: triage.StatusEscalated, Severity: severity.TierHigh, Seq: 4})
	c.Put("a1", triage.CacheEntry{AlertID: "a1", Status: triage.StatusPendingReview, Severity: severity.TierHigh, Seq: 2})
	if got, _ := c.Get("a1"); got.Status != triage.StatusEscalated {
		t.Errorf("older put overwrote newer: %+v", got)
	}
}

func TestCache_TTL(t *testing.T) {
	t.Parallel()

	// badger TTLs have one-second resolution
	c := openCache(t, time.Second)
	c.Put("a1", triage.CacheEntry{AlertID: "a1", Status: triage.StatusAutoClosed, Severity: severity.TierHigh, Seq: 1})
	if _, ok := c.Get("a1"); !ok {
		t.Fatal("entry missing before ttl")
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("a1"); !ok {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("entry did not expire")
}

func TestCache_ConcurrentPuts(t *testing.T) {
	t.Parallel()

	c := openCache(t, 0)
	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				id := fmt.Sprintf("g%d-%d", g, i)
				c.Put(id, triage.CacheEntry{AlertID: id, Status: triage.StatusAutoClosed, Severity: severity.TierHigh, Seq: uint64(i + 1)})
			}
		}()
	}
	wg.Wait()
	for g := range 8 {
		for i := range 50 {
			if _, ok := c.Get(fmt.Sprintf("g%d-%d", g, i)); !ok {
				t.Fatalf("lost g%d-%d", g, i)
			}
		}
	}
}

func TestCache_DropsInvalidEntries(t *testing.T) {
	t.Parallel()

	c := openCache(t, 0)
	c.Put("a1", triage.CacheEntry{AlertID: "a1", Status: triage.StatusPendingReview, Seq: 1})
	c.Put("a2", triage.CacheEntry{AlertID: "a2", Status: "REOPENED", Severity: severity.TierLow, Seq: 1})
	for _, id := range []string{"a1", "a2"} {
		if _, ok := c.Get(id); ok {
			t.Errorf("invalid entry %s was cached", id)
		}
	}
}
