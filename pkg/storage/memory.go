package storage

import (
	"context"
	"sync"

	"github.com/credkeeper/core/pkg/credential"
)

// MemoryStore is an in-process, mutex-guarded Provider and
// PartialStateStore. It supports real compare-and-swap and is the backend
// used throughout the core's own test suite; it is not durable across
// process restarts.
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[credential.ID]credential.Record
	partials map[string][]byte
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[credential.ID]credential.Record),
		partials: make(map[string][]byte),
	}
}

func (m *MemoryStore) Put(_ context.Context, record credential.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = record
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id credential.ID) (credential.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return credential.Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *MemoryStore) Delete(_ context.Context, id credential.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]credential.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]credential.ID, 0, len(m.records))
	for id := range m.records {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) SupportsCAS() bool { return true }

func (m *MemoryStore) CASPut(_ context.Context, record credential.Record, expectedVersion credential.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[record.ID]
	switch {
	case !ok && expectedVersion == 0:
		m.records[record.ID] = record
		return nil
	case !ok:
		return ErrCasConflict
	case ok && existing.Version != expectedVersion:
		return ErrCasConflict
	}
	m.records[record.ID] = record
	return nil
}

func (m *MemoryStore) PutPartialState(_ context.Context, token string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.partials[token] = cp
	return nil
}

func (m *MemoryStore) TakePartialState(_ context.Context, token string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	blob, ok := m.partials[token]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.partials, token)
	return blob, nil
}
