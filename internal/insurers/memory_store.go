package insurers

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory insurer store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	insurers map[string]*Insurer
}

// NewMemoryStore creates an empty in-memory insurer store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{insurers: make(map[string]*Insurer)}
}

func (s *MemoryStore) Get(ctx context.Context, accountAddr string) (*Insurer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.insurers[accountAddr]
	if !ok {
		return nil, ErrInsurerNotFound
	}
	cp := *ins
	return &cp, nil
}

func (s *MemoryStore) Create(ctx context.Context, ins *Insurer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insurers[ins.AccountAddr]; ok {
		return ErrAlreadyExists
	}
	cp := *ins
	s.insurers[ins.AccountAddr] = &cp
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, ins *Insurer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.insurers[ins.AccountAddr]; !ok {
		return ErrInsurerNotFound
	}
	cp := *ins
	s.insurers[ins.AccountAddr] = &cp
	return nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]*Insurer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Insurer, 0, len(s.insurers))
	for _, ins := range s.insurers {
		cp := *ins
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
