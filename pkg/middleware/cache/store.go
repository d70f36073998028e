package cache

import (
	"slices"
	"sync"
	"time"
)

// InMemoryStore is a map-backed Store. Expired entries are invisible at
// once and swept periodically until Close.
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*cacheEntry
	stop chan struct{}
	once sync.Once
}

type cacheEntry struct {
	data    []byte
	expires time.Time // zero: never
}

func (e *cacheEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// DefaultSweepInterval is how often an InMemoryStore drops expired entries.
const DefaultSweepInterval = 5 * time.Minute

// NewInMemoryStore creates a new in-memory cache store
func NewInMemoryStore() *InMemoryStore {
	return newInMemoryStore(DefaultSweepInterval)
}

func newInMemoryStore(sweep time.Duration) *InMemoryStore {
	s := &InMemoryStore{
		data: make(map[string]*cacheEntry),
		stop: make(chan struct{}),
	}
	go s.sweep(sweep)
	return s
}

func (s *InMemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	if !ok || !entry.live(time.Now()) {
		return nil, nil
	}
	return slices.Clone(entry.data), nil
}

func (s *InMemoryStore) Set(key string, value []byte, ttl time.Duration) error {
	entry := &cacheEntry{data: slices.Clone(value)}
	if entry.data == nil {
		entry.data = []byte{}
	}
	if ttl > 0 {
		entry.expires = time.Now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = entry
	return nil
}

func (s *InMemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *InMemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.data)
	return nil
}

func (s *InMemoryStore) Exists(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[key]
	return ok && entry.live(time.Now())
}

func (s *InMemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	var keys []string
	for key, entry := range s.data {
		if entry.live(now) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys
}

// Close stops the sweeper.
func (s *InMemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *InMemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *InMemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, entry := range s.data {
		if !entry.live(now) {
			delete(s.data, key)
		}
	}
}
