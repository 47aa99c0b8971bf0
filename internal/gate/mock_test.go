package gate

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/osa-gateway/internal/model"
)

// memIndex is an in-memory DedupIndex and MetricsStore.
type memIndex struct {
	mu      sync.Mutex
	hashes  map[string]model.DedupEntry
	metrics map[string]map[string]float64
	err     error
}

func newMemIndex() *memIndex {
	return &memIndex{
		hashes:  make(map[string]model.DedupEntry),
		metrics: make(map[string]map[string]float64),
	}
}

func (m *memIndex) RecordContentHash(_ context.Context, entry model.DedupEntry) (model.DedupEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return model.DedupEntry{}, m.err
	}
	if first, ok := m.hashes[entry.ContentHash]; ok {
		return first, nil
	}
	m.hashes[entry.ContentHash] = entry
	return entry, nil
}

func (m *memIndex) GetPageMetrics(_ context.Context, pageID string) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return m.metrics[pageID], nil
}

func (m *memIndex) SavePageMetrics(_ context.Context, pageID string, metrics map[string]float64, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics[pageID] = metrics
	return nil
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) NotifyDuplicate(ctx context.Context, ev DuplicateEvent) {
	m.Called(ctx, ev)
}

// panicLookup panics on every lookup.
type panicLookup struct{}

func (panicLookup) Get(string) (model.PageConfig, bool) { panic("boom") }
