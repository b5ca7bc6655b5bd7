// Package cache provides a TTL-expiring local store of serialized values.
// The cache is a best-effort accelerator, never a source of truth: misses are
// not errors and writes never fail the caller.
package cache

import (
	"sync"
	"time"

	"github.com/vitalstream/healthsync/internal/logging"
)

// DefaultTTL is applied when a write does not specify one.
const DefaultTTL = 24 * time.Hour

// sweepInterval is how many writes pass between full expiry sweeps.
const sweepInterval = 64

// entry is a cached value with its expiry bookkeeping.
type entry struct {
	value    []byte
	storedAt time.Time
	ttl      time.Duration
}

func (e *entry) expiresAt() time.Time {
	return e.storedAt.Add(e.ttl)
}

// Store is a key-addressed, TTL-expiring in-memory store.
// Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	defaultTTL time.Duration
	writes     int

	// now is swappable for tests.
	now func() time.Time
}

// NewStore creates a Store with the given default TTL.
// A non-positive defaultTTL falls back to DefaultTTL.
func NewStore(defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Store{
		entries:    make(map[string]*entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Put stores a value under key with the default TTL.
func (s *Store) Put(key string, value []byte) {
	s.PutWithTTL(key, value, 0)
}

// PutWithTTL stores a value under key. A non-positive ttl uses the default.
// An expiry sweep runs opportunistically every sweepInterval writes.
func (s *Store) PutWithTTL(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{
		value:    stored,
		storedAt: s.now(),
		ttl:      ttl,
	}

	s.writes++
	if s.writes%sweepInterval == 0 {
		if n := s.evictExpiredLocked(); n > 0 {
			logging.Debug("Evicted expired cache entries",
				map[string]interface{}{"count": n})
		}
	}
}

// Get returns the value for key, or absent. An expired entry is purged as a
// side effect and treated as absent, never returned stale.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}

	if s.now().After(e.expiresAt()) {
		delete(s.entries, key)
		return nil, false
	}

	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, true
}

// Evict removes a key regardless of expiry.
func (s *Store) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// EvictExpired removes all expired entries and returns the count removed.
// Idempotent and safe to call concurrently with reads and writes.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked()
}

func (s *Store) evictExpiredLocked() int {
	now := s.now()
	count := 0
	for key, e := range s.entries {
		if now.After(e.expiresAt()) {
			delete(s.entries, key)
			count++
		}
	}
	return count
}

// SizeEstimate returns the approximate byte size of live entries.
// Expired-but-unswept entries are excluded.
func (s *Store) SizeEstimate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var size int64
	for key, e := range s.entries {
		if now.After(e.expiresAt()) {
			continue
		}
		size += int64(len(key)) + int64(len(e.value))
	}
	return size
}

// Len returns the number of entries currently held, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CanFunctionOffline reports whether every essential key is present and
// unexpired, distinguishing a usable offline cache from a degraded one.
func (s *Store) CanFunctionOffline(essentialKeys []string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	for _, key := range essentialKeys {
		e, ok := s.entries[key]
		if !ok || now.After(e.expiresAt()) {
			return false
		}
	}
	return true
}
