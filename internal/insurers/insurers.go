// Package insurers manages insurer profiles: the settlements-enabled
// toggle gating the settlement flow, and Stripe billing for platform fees.
package insurers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrInsurerNotFound = errors.New("insurer not found")
	ErrAlreadyExists   = errors.New("insurer already registered")
)

// Insurer is one insurer account profile.
type Insurer struct {
	AccountAddr        string    `json:"accountAddr"`
	Name               string    `json:"name"`
	Email              string    `json:"email,omitempty"`
	SettlementsEnabled bool      `json:"settlementsEnabled"`
	StripeCustomerID   string    `json:"-"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Store persists insurer profiles.
type Store interface {
	Get(ctx context.Context, accountAddr string) (*Insurer, error)
	Create(ctx context.Context, ins *Insurer) error
	Update(ctx context.Context, ins *Insurer) error
	List(ctx context.Context, limit int) ([]*Insurer, error)
}

// Biller handles platform fee billing. The Stripe implementation is the
// real one; tests use a stub.
type Biller interface {
	EnsureCustomer(ctx context.Context, ins *Insurer) (customerID string, err error)
	RecordSettlementFee(ctx context.Context, customerID, claimID, fee string) error
}

// Service implements insurer profile logic.
type Service struct {
	store  Store
	biller Biller
	fee    string // per-settlement platform fee in USD, e.g. "0.25"
	logger *slog.Logger
}

// NewService creates an insurers service. A nil biller disables fee billing.
func NewService(store Store, biller Biller, settlementFee string, logger *slog.Logger) *Service {
	return &Service{store: store, biller: biller, fee: settlementFee, logger: logger}
}

// RegisterRequest contains the parameters for onboarding an insurer.
type RegisterRequest struct {
	AccountAddr string `json:"accountAddr" binding:"required"`
	Name        string `json:"name" binding:"required"`
	Email       string `json:"email"`
}

// Register onboards a new insurer. Settlements start disabled until the
// insurer completes wallet enablement.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Insurer, error) {
	addr := strings.ToLower(req.AccountAddr)
	if _, err := s.store.Get(ctx, addr); err == nil {
		return nil, ErrAlreadyExists
	}

	now := time.Now()
	ins := &Insurer{
		AccountAddr: addr,
		Name:        req.Name,
		Email:       req.Email,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if s.biller != nil {
		customerID, err := s.biller.EnsureCustomer(ctx, ins)
		if err != nil {
			// Billing setup is not worth blocking onboarding for
			s.logger.Warn("stripe customer creation failed", "insurer", addr, "error", err)
		} else {
			ins.StripeCustomerID = customerID
		}
	}

	if err := s.store.Create(ctx, ins); err != nil {
		return nil, fmt.Errorf("create insurer: %w", err)
	}
	return ins, nil
}

// Get returns an insurer profile.
func (s *Service) Get(ctx context.Context, accountAddr string) (*Insurer, error) {
	return s.store.Get(ctx, strings.ToLower(accountAddr))
}

// List returns registered insurers.
func (s *Service) List(ctx context.Context, limit int) ([]*Insurer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.List(ctx, limit)
}

// SetSettlementsEnabled flips the insurer's settlement toggle.
func (s *Service) SetSettlementsEnabled(ctx context.Context, accountAddr string, enabled bool) (*Insurer, error) {
	ins, err := s.store.Get(ctx, strings.ToLower(accountAddr))
	if err != nil {
		return nil, err
	}
	ins.SettlementsEnabled = enabled
	ins.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, ins); err != nil {
		return nil, err
	}
	return ins, nil
}

// SettlementsEnabled reports whether the account may run settlements.
// Unknown accounts are disabled.
func (s *Service) SettlementsEnabled(ctx context.Context, accountAddr string) bool {
	ins, err := s.store.Get(ctx, strings.ToLower(accountAddr))
	if err != nil {
		return false
	}
	return ins.SettlementsEnabled
}

// ChargeSettlementFee bills the per-settlement platform fee. Failures are
// logged, not propagated: a missed fee never blocks a completed settlement.
func (s *Service) ChargeSettlementFee(ctx context.Context, accountAddr, claimID string) {
	if s.biller == nil || s.fee == "" {
		return
	}
	ins, err := s.store.Get(ctx, strings.ToLower(accountAddr))
	if err != nil || ins.StripeCustomerID == "" {
		s.logger.Warn("settlement fee skipped, no billing customer",
			"insurer", accountAddr, "claimId", claimID)
		return
	}
	if err := s.biller.RecordSettlementFee(ctx, ins.StripeCustomerID, claimID, s.fee); err != nil {
		s.logger.Error("settlement fee billing failed",
			"insurer", accountAddr, "claimId", claimID, "error", err)
	}
}
