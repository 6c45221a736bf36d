package subjects

import (
	"context"
	"sort"
	"sync"
	"time"

	"codeguard/pkg/models"
)

// MemoryStore keeps subjects in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]models.Subject
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]models.Subject)}
}

// Upsert registers s, keeping the original subscription time and pause state.
func (m *MemoryStore) Upsert(ctx context.Context, s models.Subject) (models.Subject, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[s.Address]; ok {
		cur.Name = s.Name
		cur.Chain = s.Chain
		m.items[s.Address] = cur
		return cur, nil
	}
	if s.SubscribedAt.IsZero() {
		s.SubscribedAt = time.Now().UTC()
	}
	m.items[s.Address] = s
	return s, nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, address string) (models.Subject, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.items[address]
	return s, ok, nil
}

// List implements Store. An empty chain lists every subject.
func (m *MemoryStore) List(ctx context.Context, chain string) ([]models.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Subject, 0, len(m.items))
	for _, s := range m.items {
		if chain != "" && s.Chain != chain {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// MarkScanned implements Store.
func (m *MemoryStore) MarkScanned(ctx context.Context, address string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[address]; ok {
		s.LastScanAt = at.UTC()
		m.items[address] = s
	}
	return nil
}

// SetPaused implements Store.
func (m *MemoryStore) SetPaused(ctx context.Context, address string, paused bool, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[address]; ok {
		s.Paused = paused
		s.PausedAt = time.Time{}
		if paused {
			s.PausedAt = at.UTC()
		}
		m.items[address] = s
	}
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
