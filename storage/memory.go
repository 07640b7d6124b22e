package storage

import (
	"context"
	"sync"

	"github.com/aluiziolira/go-ingest-books/models"
)

// MemoryStore keeps records in a map. It backs dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.ItemRecord
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.ItemRecord)}
}

func (m *MemoryStore) Init(context.Context) error {
	return nil
}

func (m *MemoryStore) Persist(ctx context.Context, records []*models.ItemRecord) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, &Error{Op: "persist", Err: err}
	}
	unique := collapseByLink(records)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, &Error{Op: "persist", Err: errStoreClosed}
	}
	for _, record := range unique {
		m.records[record.DetailURL] = record.Clone()
	}
	return len(unique), nil
}

func (m *MemoryStore) Get(_ context.Context, link string) (*models.ItemRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[link]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

func (m *MemoryStore) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// All returns copies of every stored record.
func (m *MemoryStore) All() []*models.ItemRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.ItemRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record.Clone())
	}
	return out
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
