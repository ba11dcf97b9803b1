// Package statestore implements the bounded, concurrency-safe mapping from
// bucket key to per-bucket throttling state that the throttling gateway
// keeps one of, process-wide.
//
// Design Choices:
//   - sync.RWMutex + container/list LRU, the usual shape of an in-memory
//     cache for hot, size-bounded state: a global lock on
//     mutation is acceptable at the throttling gateway's request volume;
//     shard if that ever changes.
//   - Idle-time eviction is lazy: checked on Get, not via a background
//     sweeper, so an abandoned bucket costs nothing until someone looks at
//     it again.
//   - First-touch creation for a key nobody has seen yet is coalesced via
//     singleflight so a burst of concurrent requests for a brand-new key
//     builds exactly one ThrottlingState.
//
// Trade-offs:
//   - Evicted-then-reseen keys start fresh (full buckets) — that is the
//     intended behavior, not a leak.
package statestore

import (
	"container/list"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"encore.app/pkg/clock"
)

type entry struct {
	key        string
	state      interface{}
	lastAccess time.Time
	element    *list.Element
}

// Store is a bounded, idle-evicting mapping from bucket key to an opaque
// per-bucket state value (normally *throttlegate.ThrottlingState).
type Store struct {
	mu         sync.RWMutex
	entries    map[string]*entry
	lru        *list.List
	maxEntries int
	idleTTL    time.Duration
	clock      clock.Clock
	group      singleflight.Group
}

// New creates a bounded state store: at most maxEntries keys, each evicted
// after idleTTL of inactivity since its last access (whichever limit is hit
// first).
func New(maxEntries int, idleTTL time.Duration) *Store {
	return NewWithClock(maxEntries, idleTTL, clock.Real{})
}

// NewWithClock is New with an injectable clock, for deterministic tests.
func NewWithClock(maxEntries int, idleTTL time.Duration, c clock.Clock) *Store {
	return &Store{
		entries:    make(map[string]*entry, maxEntries),
		lru:        list.New(),
		maxEntries: maxEntries,
		idleTTL:    idleTTL,
		clock:      c,
	}
}

// Get returns the state for key and true if present and not idle-expired.
// A hit refreshes both LRU order and the idle deadline.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	now := s.clock.Now()
	if now.Sub(e.lastAccess) > s.idleTTL {
		s.mu.Lock()
		s.deleteUnsafe(key)
		s.mu.Unlock()
		return nil, false
	}

	s.mu.Lock()
	e.lastAccess = now
	s.lru.MoveToFront(e.element)
	s.mu.Unlock()

	return e.state, true
}

// GetOrCreate returns the existing state for key, or calls create() exactly
// once across any concurrently racing callers and stores the result.
// Concurrent first-touch creation for the same never-seen key is coalesced
// via singleflight rather than each racer building (and discarding) its own
// ThrottlingState.
func (s *Store) GetOrCreate(key string, create func() interface{}) interface{} {
	if v, ok := s.Get(key); ok {
		return v
	}

	v, _, _ := s.group.Do(key, func() (interface{}, error) {
		if v, ok := s.Get(key); ok {
			return v, nil
		}
		return s.insert(key, create()), nil
	})
	return v
}

func (s *Store) insert(key string, state interface{}) interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		e.lastAccess = s.clock.Now()
		s.lru.MoveToFront(e.element)
		return e.state
	}

	if s.maxEntries > 0 && s.lru.Len() >= s.maxEntries {
		s.evictLRUUnsafe()
	}

	e := &entry{key: key, state: state, lastAccess: s.clock.Now()}
	e.element = s.lru.PushFront(e)
	s.entries[key] = e
	return state
}

func (s *Store) deleteUnsafe(key string) bool {
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	s.lru.Remove(e.element)
	delete(s.entries, key)
	return true
}

func (s *Store) evictLRUUnsafe() {
	oldest := s.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	s.lru.Remove(oldest)
	delete(s.entries, e.key)
}

// Size returns the current number of live entries, for the gateway's
// state-store-size operational metric.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Delete removes key unconditionally. Used by tests and admin tooling.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteUnsafe(key)
}
