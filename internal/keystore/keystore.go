// Package keystore implements a bounded, TTL-expiring cache of key
// material. It is the one place in this module that holds live Secret
// handles outside of an active session or ratchet step, modeled on the
// RWMutex-guarded singleton the teacher uses for its rotating JWT secret
// (internal/config's JWTKeyManager) but generalized to many keyed entries
// instead of one.
package keystore

import (
	"sync"
	"time"

	"github.com/sonet/e2ee/internal/metrics"
	"github.com/sonet/e2ee/internal/primitives"
)

// Key is one cached entry: a Secret handle plus the bookkeeping needed to
// expire and evict it.
type Key struct {
	secret    *primitives.Secret
	expiresAt time.Time
	inserted  time.Time
}

// Store is a bounded cache of Keys. insert evicts expired entries first,
// then a single arbitrary (oldest-by-insertion) entry if the store is
// still at capacity.
type Store struct {
	mu       sync.Mutex
	entries  map[string]*Key
	capacity int
}

// New creates a Store bounded at capacity live entries.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = 1
	}
	return &Store{
		entries:  make(map[string]*Key),
		capacity: capacity,
	}
}

// Insert stores secret under id with the given TTL, taking ownership of
// secret (the caller's handle is consumed; Get returns fresh clones).
func (s *Store) Insert(id string, secret *primitives.Secret, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.evictExpiredLocked(now)

	if existing, ok := s.entries[id]; ok {
		existing.secret.Drop()
		delete(s.entries, id)
	}

	if len(s.entries) >= s.capacity {
		s.evictOneLocked()
	}

	s.entries[id] = &Key{secret: secret, expiresAt: now.Add(ttl), inserted: now}
	metrics.KeyStoreEntriesGauge.Set(float64(len(s.entries)))
}

// Get returns a clone of the Secret stored under id, or nil if absent or
// expired. An expired entry is purged on lookup.
func (s *Store) Get(id string) (*primitives.Secret, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if time.Now().After(k.expiresAt) {
		k.secret.Drop()
		delete(s.entries, id)
		return nil, false
	}
	return k.secret.Clone(), true
}

// Remove drops and zeroizes the entry stored under id, if any.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.entries[id]; ok {
		k.secret.Drop()
		delete(s.entries, id)
	}
}

// Clear drops and zeroizes every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, k := range s.entries {
		k.secret.Drop()
		delete(s.entries, id)
	}
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep purges every expired entry and returns how many were removed.
// This is the function BackgroundMaintenance calls on its ticker.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := s.evictExpiredLocked(time.Now())
	metrics.KeyStoreEntriesGauge.Set(float64(len(s.entries)))
	return removed
}

func (s *Store) evictExpiredLocked(now time.Time) int {
	removed := 0
	for id, k := range s.entries {
		if now.After(k.expiresAt) {
			k.secret.Drop()
			delete(s.entries, id)
			removed++
		}
	}
	if removed > 0 {
		metrics.RecordKeyStoreEviction("ttl")
	}
	return removed
}

// evictOneLocked drops the single oldest-by-insertion entry. Called only
// when the store is still full after expired entries have been purged.
func (s *Store) evictOneLocked() {
	var oldestID string
	var oldestTime time.Time
	first := true
	for id, k := range s.entries {
		if first || k.inserted.Before(oldestTime) {
			oldestID = id
			oldestTime = k.inserted
			first = false
		}
	}
	if oldestID != "" {
		s.entries[oldestID].secret.Drop()
		delete(s.entries, oldestID)
		metrics.RecordKeyStoreEviction("capacity")
	}
}
