// Package cache provides unit tests for the TTL cache store.
package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock returns a swappable now func pinned to a mutable instant.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(defaultTTL time.Duration) (*Store, *fakeClock) {
	s := NewStore(defaultTTL)
	clock := newFakeClock()
	s.now = clock.Now
	return s, clock
}

func TestStorePutGet(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	s.Put("metrics/steps", []byte("12000"))

	got, ok := s.Get("metrics/steps")
	if !ok {
		t.Fatal("Expected hit for stored key")
	}
	if string(got) != "12000" {
		t.Errorf("Expected 12000, got %s", got)
	}
}

func TestStoreMissIsNotAnError(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	if _, ok := s.Get("absent"); ok {
		t.Error("Expected miss for absent key")
	}
}

func TestStoreExpiredEntryIsAbsentAndPurged(t *testing.T) {
	s, clock := newTestStore(time.Hour)

	s.Put("metrics/steps", []byte("12000"))
	clock.Advance(time.Hour + time.Second)

	if _, ok := s.Get("metrics/steps"); ok {
		t.Fatal("Expected expired entry to be absent")
	}

	// The expiry read purges the entry.
	if n := s.Len(); n != 0 {
		t.Errorf("Expected 0 entries after expiry read, got %d", n)
	}
}

func TestStoreSizeEstimateExcludesExpired(t *testing.T) {
	s, clock := newTestStore(time.Hour)

	s.PutWithTTL("short", []byte("aaaa"), time.Minute)
	s.Put("long", []byte("bbbb"))

	before := s.SizeEstimate()
	if before != int64(len("short")+4+len("long")+4) {
		t.Errorf("Unexpected size estimate: %d", before)
	}

	clock.Advance(2 * time.Minute)

	after := s.SizeEstimate()
	if after != int64(len("long")+4) {
		t.Errorf("Expected expired entry excluded from estimate, got %d", after)
	}
}

func TestStoreEvictExpiredCount(t *testing.T) {
	s, clock := newTestStore(time.Hour)

	s.PutWithTTL("a", []byte("1"), time.Minute)
	s.PutWithTTL("b", []byte("2"), time.Minute)
	s.Put("c", []byte("3"))

	clock.Advance(2 * time.Minute)

	if n := s.EvictExpired(); n != 2 {
		t.Errorf("Expected 2 evicted, got %d", n)
	}

	// Idempotent: nothing left to evict.
	if n := s.EvictExpired(); n != 0 {
		t.Errorf("Expected 0 evicted on second sweep, got %d", n)
	}

	if _, ok := s.Get("c"); !ok {
		t.Error("Expected live entry to survive eviction")
	}
}

func TestStoreOverwriteResetsExpiry(t *testing.T) {
	s, clock := newTestStore(time.Hour)

	s.PutWithTTL("k", []byte("v1"), time.Minute)
	clock.Advance(50 * time.Second)
	s.PutWithTTL("k", []byte("v2"), time.Minute)
	clock.Advance(30 * time.Second)

	got, ok := s.Get("k")
	if !ok {
		t.Fatal("Expected overwritten entry to still be live")
	}
	if string(got) != "v2" {
		t.Errorf("Expected v2, got %s", got)
	}
}

func TestStoreDefaultTTLFallback(t *testing.T) {
	s := NewStore(0)
	if s.defaultTTL != DefaultTTL {
		t.Errorf("Expected 24h default TTL, got %v", s.defaultTTL)
	}
}

func TestStoreCanFunctionOffline(t *testing.T) {
	s, clock := newTestStore(time.Hour)

	s.Put("profile", []byte("p"))
	s.PutWithTTL("metrics/steps", []byte("m"), time.Minute)

	essential := []string{"profile", "metrics/steps"}
	if !s.CanFunctionOffline(essential) {
		t.Fatal("Expected offline capability with all essentials cached")
	}

	clock.Advance(2 * time.Minute)

	if s.CanFunctionOffline(essential) {
		t.Error("Expected degraded state once an essential key expired")
	}
	if !s.CanFunctionOffline([]string{"profile"}) {
		t.Error("Expected remaining essential key to still satisfy offline check")
	}
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	s.Put("k", []byte("abc"))
	got, _ := s.Get("k")
	got[0] = 'z'

	again, _ := s.Get("k")
	if string(again) != "abc" {
		t.Errorf("Expected stored value untouched, got %s", again)
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d-%d", n, j)
				s.Put(key, []byte("v"))
				s.Get(key)
				s.EvictExpired()
			}
		}(i)
	}
	wg.Wait()

	if s.Len() != 8*200 {
		t.Errorf("Expected %d entries, got %d", 8*200, s.Len())
	}
}
