// Package store provides the in-memory keyed storage used for dialogs,
// pending legs and recent call snapshots.
package store

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLStore is a map whose entries expire. A background loop evicts expired
// entries every interval; reads never return an expired entry.
type TTLStore[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]*entry[V]
	onEvict func(key K, value V)
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTTLStore creates a store and starts its eviction loop.
func NewTTLStore[K comparable, V any](interval time.Duration) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:  make(map[K]*entry[V]),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	go s.evictLoop(interval)
	return s
}

// SetOnEvict registers fn to be called for each entry removed by expiry.
// Delete does not call it.
func (s *TTLStore[K, V]) SetOnEvict(fn func(key K, value V)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Set stores value under key for ttl.
func (s *TTLStore[K, V]) Set(key K, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = &entry[V]{value: value, expiresAt: s.now().Add(ttl)}
}

// Get returns the live value for key.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.items[key]
	if !ok || s.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key and reports whether it was present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Refresh extends the ttl of an existing entry.
func (s *TTLStore[K, V]) Refresh(key K, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || s.expired(e) {
		return false
	}
	e.expiresAt = s.now().Add(ttl)
	return true
}

// Len counts live entries.
func (s *TTLStore[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if !s.expired(e) {
			n++
		}
	}
	return n
}

// All returns a copy of the live entries.
func (s *TTLStore[K, V]) All() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[K]V, len(s.items))
	for k, e := range s.items {
		if !s.expired(e) {
			out[k] = e.value
		}
	}
	return out
}

// ForEach calls fn for live entries until fn returns false. fn must not
// call back into the store.
func (s *TTLStore[K, V]) ForEach(fn func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.items {
		if s.expired(e) {
			continue
		}
		if !fn(k, e.value) {
			return
		}
	}
}

// Close stops the eviction loop and drops every entry.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	s.items = make(map[K]*entry[V])
	s.mu.Unlock()
}

func (s *TTLStore[K, V]) expired(e *entry[V]) bool {
	return s.now().After(e.expiresAt)
}

func (s *TTLStore[K, V]) evictLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evict()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) evict() {
	type kv struct {
		key   K
		value V
	}

	s.mu.Lock()
	var gone []kv
	for k, e := range s.items {
		if s.expired(e) {
			gone = append(gone, kv{k, e.value})
			delete(s.items, k)
		}
	}
	fn := s.onEvict
	s.mu.Unlock()

	// Callbacks run unlocked so they may use the store.
	if fn != nil {
		for _, e := range gone {
			fn(e.key, e.value)
		}
	}
}
