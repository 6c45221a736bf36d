package incidents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeguard/pkg/models"
)

// MemoryStore keeps incidents in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	items []models.Incident
	byID  map[string]int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]int)}
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, inc *models.Incident) error {
	if err := validateIncident(inc); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[inc.ID]; ok {
		return fmt.Errorf("%w: incident %s already exists", models.ErrConflict, inc.ID)
	}
	s.byID[inc.ID] = len(s.items)
	s.items = append(s.items, *inc)
	return nil
}

// List implements Store, newest first.
func (s *MemoryStore) List(ctx context.Context, q Query) ([]models.Incident, error) {
	q, err := NormalizeQuery(q)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Incident, 0, q.Limit)
	for i := len(s.items) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if q.Subject != "" && s.items[i].SubjectAddress != q.Subject {
			continue
		}
		out = append(out, s.items[i])
	}
	return out, nil
}

// Resolve implements Store.
func (s *MemoryStore) Resolve(ctx context.Context, id string, at time.Time) (*models.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: incident %s", models.ErrNotFound, id)
	}
	inc := &s.items[idx]
	if inc.Resolved {
		return nil, fmt.Errorf("%w: incident %s already resolved", models.ErrConflict, id)
	}
	inc.Resolved = true
	inc.ResolvedAt = at.UTC()
	cp := *inc
	return &cp, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
