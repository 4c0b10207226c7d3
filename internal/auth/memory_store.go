package auth

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory API key store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	byHash map[string]*APIKey
}

// NewMemoryStore creates an empty in-memory key store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byHash: make(map[string]*APIKey)}
}

func (s *MemoryStore) Create(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.byHash[key.Hash] = &cp
	return nil
}

func (s *MemoryStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.byHash[hash]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *key
	return &cp, nil
}

func (s *MemoryStore) GetByAccount(ctx context.Context, addr string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, key := range s.byHash {
		if strings.EqualFold(key.AccountAddr, addr) {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[key.Hash]; !ok {
		return ErrKeyNotFound
	}
	cp := *key
	s.byHash[key.Hash] = &cp
	return nil
}
