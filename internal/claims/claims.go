// Package claims implements the claim lifecycle.
//
// A claim moves through: submitted → evaluating → {approved | rejected |
// needs_review | awaiting_data}, then approved → settled via the settlement
// coordinator. Insurers can override any decision; evidence uploads send the
// claim back to evaluating. Claims are never deleted.
package claims

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/claimpay/internal/idgen"
	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/syncutil"
	"github.com/mbd888/claimpay/internal/usdc"
)

var (
	ErrClaimNotFound     = errors.New("claim not found")
	ErrAlreadySettled    = errors.New("claim already settled")
	ErrNotApproved       = errors.New("claim is not approved")
	ErrInvalidAmount     = errors.New("invalid claim amount")
	ErrInvalidTransition = errors.New("invalid claim status transition")
	ErrMissingApproved   = errors.New("approved amount required for approval")
	ErrApprovedTooLarge  = errors.New("approved amount exceeds claim amount")
)

// Status is the claim lifecycle state.
type Status string

const (
	StatusSubmitted    Status = "submitted"
	StatusEvaluating   Status = "evaluating"
	StatusAwaitingData Status = "awaiting_data"
	StatusNeedsReview  Status = "needs_review"
	StatusApproved     Status = "approved"
	StatusSettled      Status = "settled"
	StatusRejected     Status = "rejected"
)

// Outcome is an evaluation or override decision.
type Outcome string

const (
	OutcomeApprove      Outcome = "approve"
	OutcomeReject       Outcome = "reject"
	OutcomeNeedsReview  Outcome = "needs_review"
	OutcomeAwaitingData Outcome = "awaiting_data"
)

// Claim is one insurance claim.
type Claim struct {
	ID                 string     `json:"id"`
	ClaimantAddr       string     `json:"claimantAddr"`
	Amount             string     `json:"amount"`
	Description        string     `json:"description"`
	Evidence           []string   `json:"evidence,omitempty"`
	Decision           Outcome    `json:"decision,omitempty"`
	Confidence         *float64   `json:"confidence,omitempty"` // nil for overridden decisions
	ApprovedAmount     string     `json:"approvedAmount,omitempty"`
	TxHash             string     `json:"txHash,omitempty"`
	DecisionOverridden bool       `json:"decisionOverridden"`
	AutoSettled        bool       `json:"autoSettled"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	SettledAt          *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal reports whether no further evaluation applies. Rejected claims
// are terminal for evaluation purposes but can still be overridden.
func (c *Claim) IsTerminal() bool {
	return c.Status == StatusSettled
}

// Decision is the evaluation verdict for a claim.
type Decision struct {
	Outcome        Outcome
	Confidence     float64
	ApprovedAmount string // required when Outcome == approve
}

// Evaluator produces a decision for a claim. The AI evaluation backend
// implements it; tests use a stub.
type Evaluator interface {
	Evaluate(ctx context.Context, claim *Claim) (*Decision, error)
}

// Store persists claims.
type Store interface {
	Create(ctx context.Context, claim *Claim) error
	Get(ctx context.Context, id string) (*Claim, error)
	Update(ctx context.Context, claim *Claim) error
	ListByClaimant(ctx context.Context, claimantAddr string, limit int) ([]*Claim, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error)
}

// Notifier receives claim lifecycle events. The realtime hub implements it.
type Notifier interface {
	BroadcastClaimSubmitted(claimID, claimant, amount string)
	BroadcastClaimDecided(claimID, claimant, status, approvedAmount string)
}

// Service implements claim lifecycle logic.
type Service struct {
	store     Store
	evaluator Evaluator
	notify    Notifier // optional
	locks     syncutil.ShardedMutex
}

// NewService creates a claims service. The evaluator may be nil, in which
// case claims stay in submitted until evaluated or overridden externally.
func NewService(store Store, evaluator Evaluator) *Service {
	return &Service{store: store, evaluator: evaluator}
}

// SetNotifier attaches a lifecycle event sink. Must be called before the
// service starts handling requests.
func (s *Service) SetNotifier(n Notifier) {
	s.notify = n
}

// SubmitRequest contains the parameters for filing a claim.
type SubmitRequest struct {
	ClaimantAddr string `json:"claimantAddr" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Description  string `json:"description"`
}

// Submit files a new claim.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Claim, error) {
	if !usdc.IsPositive(req.Amount) {
		return nil, ErrInvalidAmount
	}

	now := time.Now()
	claim := &Claim{
		ID:           idgen.Prefixed("clm"),
		ClaimantAddr: strings.ToLower(req.ClaimantAddr),
		Amount:       req.Amount,
		Description:  req.Description,
		Status:       StatusSubmitted,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.store.Create(ctx, claim); err != nil {
		return nil, fmt.Errorf("create claim: %w", err)
	}

	metrics.ClaimTransitionsTotal.WithLabelValues(string(StatusSubmitted)).Inc()
	if s.notify != nil {
		s.notify.BroadcastClaimSubmitted(claim.ID, claim.ClaimantAddr, claim.Amount)
	}
	return claim, nil
}

// Evaluate runs the evaluator against the claim and applies its decision.
func (s *Service) Evaluate(ctx context.Context, id string) (*Claim, error) {
	if s.evaluator == nil {
		return nil, errors.New("no evaluator configured")
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.IsTerminal() {
		return nil, ErrAlreadySettled
	}

	claim.Status = StatusEvaluating
	claim.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, claim); err != nil {
		return nil, err
	}
	metrics.ClaimTransitionsTotal.WithLabelValues(string(StatusEvaluating)).Inc()

	decision, err := s.evaluator.Evaluate(ctx, claim)
	if err != nil {
		// Evaluation failures park the claim for a human
		claim.Status = StatusNeedsReview
		claim.UpdatedAt = time.Now()
		_ = s.store.Update(ctx, claim)
		metrics.ClaimTransitionsTotal.WithLabelValues(string(StatusNeedsReview)).Inc()
		return claim, fmt.Errorf("evaluation: %w", err)
	}

	return s.applyDecision(ctx, claim, decision, false)
}

func (s *Service) applyDecision(ctx context.Context, claim *Claim, d *Decision, overridden bool) (*Claim, error) {
	switch d.Outcome {
	case OutcomeApprove:
		if !usdc.IsPositive(d.ApprovedAmount) {
			return nil, ErrMissingApproved
		}
		// Business rule checked at decision time only; settlement does not
		// re-validate approved amount against the claim amount. Insurer
		// overrides may exceed the claimed amount (goodwill payments).
		approved, _ := usdc.Parse(d.ApprovedAmount)
		total, _ := usdc.Parse(claim.Amount)
		if !overridden && approved.Cmp(total) > 0 {
			return nil, ErrApprovedTooLarge
		}
		claim.Status = StatusApproved
		claim.ApprovedAmount = usdc.Format(approved)
	case OutcomeReject:
		claim.Status = StatusRejected
		claim.ApprovedAmount = ""
	case OutcomeNeedsReview:
		claim.Status = StatusNeedsReview
		claim.ApprovedAmount = ""
	case OutcomeAwaitingData:
		claim.Status = StatusAwaitingData
		claim.ApprovedAmount = ""
	default:
		return nil, fmt.Errorf("unknown decision outcome %q", d.Outcome)
	}

	claim.Decision = d.Outcome
	claim.DecisionOverridden = overridden
	if overridden {
		// Overridden decisions carry no AI confidence
		claim.Confidence = nil
	} else {
		conf := d.Confidence
		claim.Confidence = &conf
	}
	claim.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, claim); err != nil {
		return nil, err
	}
	metrics.ClaimTransitionsTotal.WithLabelValues(string(claim.Status)).Inc()
	if s.notify != nil {
		s.notify.BroadcastClaimDecided(claim.ID, claim.ClaimantAddr, string(claim.Status), claim.ApprovedAmount)
	}
	return claim, nil
}

// AttachEvidence appends an evidence reference and sends the claim back
// to evaluating. Any prior decision is superseded: the approved amount
// only exists on approved or settled claims.
func (s *Service) AttachEvidence(ctx context.Context, id, ref string) (*Claim, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.IsTerminal() {
		return nil, ErrAlreadySettled
	}

	claim.Evidence = append(claim.Evidence, ref)
	claim.Status = StatusEvaluating
	claim.Decision = ""
	claim.Confidence = nil
	claim.ApprovedAmount = ""
	claim.DecisionOverridden = false
	claim.UpdatedAt = time.Now()

	if err := s.store.Update(ctx, claim); err != nil {
		return nil, err
	}
	metrics.ClaimTransitionsTotal.WithLabelValues(string(StatusEvaluating)).Inc()
	return claim, nil
}

// Override applies an insurer's manual decision. Any non-settled claim can
// be overridden, including already-rejected ones.
func (s *Service) Override(ctx context.Context, id string, outcome Outcome, approvedAmount string) (*Claim, error) {
	if outcome != OutcomeApprove && outcome != OutcomeReject {
		return nil, fmt.Errorf("override outcome must be approve or reject, got %q", outcome)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.IsTerminal() {
		return nil, ErrAlreadySettled
	}

	return s.applyDecision(ctx, claim, &Decision{
		Outcome:        outcome,
		ApprovedAmount: approvedAmount,
	}, true)
}

// CompleteSettlement transitions an approved claim to settled, recording the
// settlement transaction. This is the only path to the settled status.
func (s *Service) CompleteSettlement(ctx context.Context, id, txHash string, autoSettled bool) (*Claim, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.Status == StatusSettled {
		return nil, ErrAlreadySettled
	}
	if claim.Status != StatusApproved {
		return nil, ErrNotApproved
	}

	now := time.Now()
	claim.Status = StatusSettled
	claim.TxHash = txHash
	claim.AutoSettled = autoSettled
	claim.SettledAt = &now
	claim.UpdatedAt = now

	if err := s.store.Update(ctx, claim); err != nil {
		return nil, fmt.Errorf("persist settlement: %w", err)
	}
	metrics.ClaimTransitionsTotal.WithLabelValues(string(StatusSettled)).Inc()
	return claim, nil
}

// RecordSettlementTx backfills the settlement transaction hash on a claim
// that settled before the hash was known ("settled, hash pending").
func (s *Service) RecordSettlementTx(ctx context.Context, id, txHash string) (*Claim, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	claim, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if claim.Status != StatusSettled {
		return nil, ErrNotApproved
	}
	if claim.TxHash != "" && claim.TxHash != txHash {
		return nil, fmt.Errorf("claim %s already linked to tx %s", id, claim.TxHash)
	}

	claim.TxHash = txHash
	claim.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, claim); err != nil {
		return nil, err
	}
	return claim, nil
}

// Get returns a claim by id.
func (s *Service) Get(ctx context.Context, id string) (*Claim, error) {
	return s.store.Get(ctx, id)
}

// ListByClaimant returns a claimant's claims, newest first.
func (s *Service) ListByClaimant(ctx context.Context, claimantAddr string, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByClaimant(ctx, strings.ToLower(claimantAddr), limit)
}

// ListByStatus returns claims in a given status, newest first.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}
