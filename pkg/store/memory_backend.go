package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps records in process memory. It does not survive a
// restart and serves tests and the per-context degraded mode.
type MemoryBackend struct {
	mu      sync.RWMutex
	records map[string]*Record
	owners  map[string]map[LogicalKey]struct{}
	closed  bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records: make(map[string]*Record),
		owners:  make(map[string]map[LogicalKey]struct{}),
	}
}

func cloneRecord(r *Record) *Record {
	cp := *r
	cp.Payload = append([]byte(nil), r.Payload...)
	return &cp
}

// Put implements Backend.
func (m *MemoryBackend) Put(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	m.records[rec.CompositeKey] = cloneRecord(rec)
	keys, ok := m.owners[rec.OwnerUserID]
	if !ok {
		keys = make(map[LogicalKey]struct{})
		m.owners[rec.OwnerUserID] = keys
	}
	keys[rec.LogicalKey] = struct{}{}
	return nil
}

// Get implements Backend.
func (m *MemoryBackend) Get(_ context.Context, owner string, key LogicalKey) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	rec, ok := m.records[CompositeKey(owner, key)]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// Delete implements Backend.
func (m *MemoryBackend) Delete(_ context.Context, owner string, key LogicalKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	delete(m.records, CompositeKey(owner, key))
	if keys, ok := m.owners[owner]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.owners, owner)
		}
	}
	return nil
}

// ClearAll implements Backend.
func (m *MemoryBackend) ClearAll(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrStorageClosed
	}

	keys := m.owners[owner]
	for key := range keys {
		delete(m.records, CompositeKey(owner, key))
	}
	delete(m.owners, owner)
	return len(keys), nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, owner string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	records := make([]*Record, 0, len(m.owners[owner]))
	for key := range m.owners[owner] {
		records = append(records, cloneRecord(m.records[CompositeKey(owner, key)]))
	}
	sortRecords(records)
	return records, nil
}

// Ping implements Backend.
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// sortRecords orders records by logical key for deterministic listings.
func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].LogicalKey < records[j].LogicalKey
	})
}
