// Package cache holds served ContentSource values with tier-based TTLs.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sells-group/osa-gateway/internal/model"
)

// Cache stores served content by key. Get returns nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*model.ContentSource, error)
	Set(ctx context.Context, key string, cs model.ContentSource, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Key builds the cache key for a page/widget pair.
func Key(pageID, widgetID string) string {
	return pageID + "/" + widgetID
}

type memEntry struct {
	cs      model.ContentSource
	expires time.Time
}

// Memory is an in-process Cache. Expired entries are dropped on read and
// swept on write.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
	writes  int
}

// NewMemory creates an empty Memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string) (*model.ContentSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return nil, nil
	}
	cs := e.cs
	cs.Payload = e.cs.Payload.Clone()
	return &cs, nil
}

// Set implements Cache. Non-positive TTLs are ignored.
func (m *Memory) Set(_ context.Context, key string, cs model.ContentSource, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	cs.Payload = cs.Payload.Clone()
	m.entries[key] = memEntry{cs: cs, expires: now.Add(ttl)}

	m.writes++
	if m.writes%256 == 0 {
		for k, e := range m.entries {
			if !now.Before(e.expires) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

// Delete implements Cache.
func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Len returns the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close implements Cache.
func (m *Memory) Close() error { return nil }
