package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sentinelsec/aegis/pkg/errors"
)

// MemoryStore is an in-process Store used in tests and single-node setups
// where Redis is unavailable.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	tags    map[string]map[string]struct{}
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
}

func (s *MemoryStore) expired(e memoryEntry) bool {
	return !e.expiresAt.IsZero() && s.now().After(e.expiresAt)
}

// Get returns the value for key
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || s.expired(entry) {
		return "", errors.NewNotFoundError("cache key")
	}
	return entry.value, nil
}

// Set stores value with TTL and registers the key under each tag
func (s *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	for _, tag := range tags {
		if s.tags[tag] == nil {
			s.tags[tag] = make(map[string]struct{})
		}
		s.tags[tag][key] = struct{}{}
	}
	return nil
}

// MGet returns the present values for the given keys
func (s *MemoryStore) MGet(ctx context.Context, keys []string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok && !s.expired(entry) {
			result[key] = entry.value
		}
	}
	return result, nil
}

// ClearByTag removes every entry carrying the tag
func (s *MemoryStore) ClearByTag(ctx context.Context, tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.tags[tag]
	count := 0
	for key := range members {
		if _, ok := s.entries[key]; ok {
			delete(s.entries, key)
			count++
		}
	}
	delete(s.tags, tag)
	return count, nil
}

// TTL returns the remaining time to live for key
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || s.expired(entry) {
		return -2 * time.Second, nil
	}
	if entry.expiresAt.IsZero() {
		return -1 * time.Second, nil
	}
	return entry.expiresAt.Sub(s.now()), nil
}
