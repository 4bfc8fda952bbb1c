package projector

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process projection store for tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[int64]*Projection
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[int64]*Projection)}
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*Projection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, p *Projection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.rows[p.ID]
	if p.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok || existing.Version != p.Version {
			return ErrVersionConflict
		}
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	stored := *p
	s.rows[p.ID] = &stored
	return nil
}

// Len reports the number of stored projections.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// All returns a snapshot of every projection in unspecified order.
func (s *MemoryStore) All() []*Projection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Projection, 0, len(s.rows))
	for _, p := range s.rows {
		cp := *p
		out = append(out, &cp)
	}
	return out
}
