package cache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the entry cannot be stored
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Store is a capacity-bounded LRU cache with per-entry TTL.
// It is safe for concurrent use; recency bookkeeping and eviction happen
// under a single mutex so concurrent inserts can never jointly exceed capacity.
type Store struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List // front = most recently used
	items    map[string]*list.Element
	bytes    int
	now      func() time.Time
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		panic(fmt.Sprintf("cache capacity must be positive (got %d)", capacity))
	}
	return &Store{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element, capacity),
		now:      time.Now,
	}
}

// Get retrieves an entry by key and marks it most recently used.
// Returns ErrCacheMiss if the key doesn't exist or the entry is expired.
// The returned entry is a copy.
func (s *Store) Get(key string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		CacheMisses.WithLabelValues("absent").Inc()
		return nil, ErrCacheMiss
	}

	entry := el.Value.(*Entry)
	if entry.expiredAt(s.now()) {
		s.removeElement(el)
		s.updateGauges()
		CacheEvictions.WithLabelValues("expired").Inc()
		CacheMisses.WithLabelValues("expired").Inc()
		return nil, ErrCacheMiss
	}

	s.ll.MoveToFront(el)
	CacheHits.Inc()
	return entry.clone(), nil
}

// Set stores a copy of entry under key for ttl.
// Overwriting an existing key replaces the entry and refreshes its recency
// without evicting anything. Inserting a new key into a full store evicts
// the least recently used entry first. A non-positive ttl is not cached.
func (s *Store) Set(key string, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("%w: entry cannot be nil", ErrInvalidEntry)
	}
	if ttl <= 0 {
		return nil
	}

	stored := entry.clone()
	stored.Key = key
	stored.TTL = ttl

	s.mu.Lock()
	defer s.mu.Unlock()

	stored.CachedAt = s.now()

	if el, ok := s.items[key]; ok {
		s.bytes -= len(el.Value.(*Entry).Data)
		el.Value = stored
		s.bytes += len(stored.Data)
		s.ll.MoveToFront(el)
		s.updateGauges()
		return nil
	}

	for s.ll.Len() >= s.capacity {
		oldest := s.ll.Back()
		if oldest == nil {
			break
		}
		s.removeElement(oldest)
		CacheEvictions.WithLabelValues("capacity").Inc()
	}

	s.items[key] = s.ll.PushFront(stored)
	s.bytes += len(stored.Data)
	s.updateGauges()
	return nil
}

// Clear removes all entries.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ll.Init()
	s.items = make(map[string]*list.Element, s.capacity)
	s.bytes = 0
	s.updateGauges()
}

// Prune removes every expired entry and returns how many were removed.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*Entry).expiredAt(now) {
			s.removeElement(el)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		CacheEvictions.WithLabelValues("expired").Add(float64(removed))
		s.updateGauges()
	}
	return removed
}

// Len returns the number of entries held, including expired entries not yet removed.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ll.Len()
}

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int {
	return s.capacity
}

// Keys returns the held keys ordered from most to least recently used.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, s.ll.Len())
	for el := s.ll.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).Key)
	}
	return keys
}

// removeElement must be called with s.mu held.
func (s *Store) removeElement(el *list.Element) {
	entry := s.ll.Remove(el).(*Entry)
	delete(s.items, entry.Key)
	s.bytes -= len(entry.Data)
}

func (s *Store) updateGauges() {
	CacheEntries.Set(float64(s.ll.Len()))
	CacheSize.Set(float64(s.bytes))
}
