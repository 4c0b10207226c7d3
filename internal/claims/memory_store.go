package claims

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory claim store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	claims map[string]*Claim
}

// NewMemoryStore creates an empty in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]*Claim)}
}

func (s *MemoryStore) Create(ctx context.Context, claim *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[claim.ID] = copyClaim(claim)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claim, ok := s.claims[id]
	if !ok {
		return nil, ErrClaimNotFound
	}
	return copyClaim(claim), nil
}

func (s *MemoryStore) Update(ctx context.Context, claim *Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[claim.ID]; !ok {
		return ErrClaimNotFound
	}
	s.claims[claim.ID] = copyClaim(claim)
	return nil
}

func (s *MemoryStore) ListByClaimant(ctx context.Context, claimantAddr string, limit int) ([]*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Claim
	for _, claim := range s.claims {
		if strings.EqualFold(claim.ClaimantAddr, claimantAddr) {
			out = append(out, copyClaim(claim))
		}
	}
	return sortAndLimit(out, limit), nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Claim
	for _, claim := range s.claims {
		if claim.Status == status {
			out = append(out, copyClaim(claim))
		}
	}
	return sortAndLimit(out, limit), nil
}

func sortAndLimit(claims []*Claim, limit int) []*Claim {
	sort.Slice(claims, func(i, j int) bool {
		return claims[i].CreatedAt.After(claims[j].CreatedAt)
	})
	if limit > 0 && len(claims) > limit {
		claims = claims[:limit]
	}
	return claims
}

func copyClaim(c *Claim) *Claim {
	cp := *c
	if c.Evidence != nil {
		cp.Evidence = append([]string(nil), c.Evidence...)
	}
	if c.Confidence != nil {
		conf := *c.Confidence
		cp.Confidence = &conf
	}
	if c.SettledAt != nil {
		t := *c.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}
