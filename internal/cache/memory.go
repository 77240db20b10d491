package cache

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means never expires
	namespace string
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// memoryStore is the in-process backend: a mutex-guarded map with lazy
// expiry on read and a periodic sweep so entries that are never read again
// still get reclaimed.
type memoryStore struct {
	mu         sync.RWMutex
	entries    map[string]memoryEntry
	defaultTTL int

	done chan struct{}
	once sync.Once
}

func newMemoryStore(defaultTTL int, sweepInterval time.Duration) *memoryStore {
	s := &memoryStore{
		entries:    make(map[string]memoryEntry),
		defaultTTL: defaultTTL,
		done:       make(chan struct{}),
	}
	go s.sweep(sweepInterval)
	return s
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, opts Options) error {
	ttl := s.defaultTTL
	if opts.TTL != nil {
		ttl = *opts.TTL
	}

	entry := memoryEntry{value: value, namespace: opts.Namespace}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(time.Duration(ttl) * time.Second)
	}

	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Clear(_ context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if namespace == "" {
		s.entries = make(map[string]memoryEntry)
		return nil
	}
	for key, entry := range s.entries {
		if entry.namespace == namespace {
			delete(s.entries, key)
		}
	}
	return nil
}

func (s *memoryStore) Has(ctx context.Context, key string) bool {
	_, ok := s.Get(ctx, key)
	return ok
}

func (s *memoryStore) Stop() {
	s.once.Do(func() { close(s.done) })
}

// sweep periodically drops expired entries regardless of read activity.
func (s *memoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if entry.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
