package escrow

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	deposits map[string][]*Deposit
}

// NewMemoryStore creates an empty in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		deposits: make(map[string][]*Deposit),
	}
}

func (s *MemoryStore) Get(ctx context.Context, claimID string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[claimID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *account
	return &cp, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *account
	s.accounts[account.ClaimID] = &cp
	return nil
}

func (s *MemoryStore) RecordDeposit(ctx context.Context, dep *Deposit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dep
	s.deposits[dep.ClaimID] = append([]*Deposit{&cp}, s.deposits[dep.ClaimID]...)
	return nil
}

func (s *MemoryStore) ListDeposits(ctx context.Context, claimID string) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Deposit, 0, len(s.deposits[claimID]))
	for _, dep := range s.deposits[claimID] {
		cp := *dep
		out = append(out, &cp)
	}
	return out, nil
}
