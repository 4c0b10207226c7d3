// Package settlement drives approved claims through the wallet-signing
// flow to settled, reconciling the resulting transaction against chain
// state along the way.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/claimpay/internal/challenge"
	"github.com/mbd888/claimpay/internal/claims"
	"github.com/mbd888/claimpay/internal/escrow"
	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/traces"
	"github.com/mbd888/claimpay/internal/usdc"
)

var (
	ErrSettlementsDisabled = errors.New("settlements are not enabled for this account")
	ErrNotApproved         = errors.New("claim is not approved for settlement")
	ErrNoApprovedAmount    = errors.New("claim has no positive approved amount")
	ErrLowConfidence       = errors.New("claim confidence below auto-settle threshold")
)

// Outcome is the result of a settlement attempt.
type Outcome struct {
	// Cancelled is true when the user declined a signing step. The claim
	// remains approved; this is a benign outcome, not a failure.
	Cancelled bool          `json:"cancelled"`
	TxID      string        `json:"txId,omitempty"`
	Claim     *claims.Claim `json:"claim"`
}

// ClaimService is the slice of the claims service the coordinator needs.
type ClaimService interface {
	Get(ctx context.Context, id string) (*claims.Claim, error)
	CompleteSettlement(ctx context.Context, id, txHash string, autoSettled bool) (*claims.Claim, error)
}

// Ledger is the slice of the escrow ledger the coordinator needs.
type Ledger interface {
	ConfirmSettlement(ctx context.Context, claimID, amount, recipient, txHash string) (*escrow.Account, error)
	Settle(ctx context.Context, claimID, amount, recipient string) (*escrow.Account, error)
}

// Profiles gates and bills the acting insurer.
type Profiles interface {
	SettlementsEnabled(ctx context.Context, accountAddr string) bool
	ChargeSettlementFee(ctx context.Context, accountAddr, claimID string)
}

// Runner runs one claim's challenge sequence to completion.
type Runner interface {
	Run(ctx context.Context, claimID string) (*challenge.Result, error)
}

// RunnerFactory builds a sequence runner for one settlement attempt. The
// owner address funds any missing approval/deposit steps.
type RunnerFactory func(ownerAddr, amount string) (Runner, error)

// Resolver determines the settlement transaction id.
type Resolver interface {
	Resolve(ctx context.Context, claimID string, raw json.RawMessage) (string, error)
}

// Tracker registers claims with the settlement watcher before an attempt so
// chain events resolve back to the claim id.
type Tracker interface {
	Track(claimID string)
}

// AutoSettleMinConfidence is the evaluator confidence required before the
// platform settles a claim without an insurer in the loop.
const AutoSettleMinConfidence = 0.95

// Coordinator is the top-level settlement driver.
type Coordinator struct {
	claims    ClaimService
	ledger    Ledger
	profiles  Profiles
	newRunner RunnerFactory
	resolver  Resolver
	tracker   Tracker // optional
	logger    *slog.Logger
}

// NewCoordinator creates a settlement coordinator.
func NewCoordinator(cs ClaimService, ledger Ledger, profiles Profiles,
	factory RunnerFactory, resolver Resolver, tracker Tracker, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		claims:    cs,
		ledger:    ledger,
		profiles:  profiles,
		newRunner: factory,
		resolver:  resolver,
		tracker:   tracker,
		logger:    logger,
	}
}

// Settle runs the insurer-driven settlement flow for an approved claim.
//
// Any failure before finalization leaves the claim approved and the attempt
// retryable. Cancellation is a distinguished benign outcome. Errors from
// finalization onward are surfaced verbatim: at that point the chain may
// already have mutated, and hiding the failure would let the claim record
// diverge from chain truth.
func (c *Coordinator) Settle(ctx context.Context, claimID, insurerAddr string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.settle",
		traces.ClaimID(claimID), traces.Recipient(insurerAddr))
	defer span.End()

	// Preconditions, checked before any side effect
	if !c.profiles.SettlementsEnabled(ctx, insurerAddr) {
		return nil, ErrSettlementsDisabled
	}

	claim, err := c.claims.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status != claims.StatusApproved {
		if claim.Status == claims.StatusSettled {
			return nil, claims.ErrAlreadySettled
		}
		return nil, fmt.Errorf("%w (status %s)", ErrNotApproved, claim.Status)
	}
	if !usdc.IsPositive(claim.ApprovedAmount) {
		return nil, ErrNoApprovedAmount
	}

	if c.tracker != nil {
		c.tracker.Track(claimID)
	}

	runner, err := c.newRunner(insurerAddr, claim.ApprovedAmount)
	if err != nil {
		return nil, fmt.Errorf("plan settlement: %w", err)
	}

	result, err := runner.Run(ctx, claimID)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if result.Cancelled {
		c.logger.Info("settlement cancelled, claim remains approved",
			"claimId", claimID, "insurer", insurerAddr)
		metrics.SettlementsTotal.WithLabelValues("cancelled").Inc()
		return &Outcome{Cancelled: true, Claim: claim}, nil
	}

	txID, err := c.resolver.Resolve(ctx, claimID, result.Final)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("unresolved").Inc()
		return nil, err
	}
	span.SetAttributes(traces.TxHash(txID))

	// Finalization. From here, errors pass through unmodified.
	if _, err := c.ledger.ConfirmSettlement(ctx, claimID, claim.ApprovedAmount, claim.ClaimantAddr, txID); err != nil {
		metrics.SettlementsTotal.WithLabelValues("finalize_failed").Inc()
		return nil, err
	}
	if _, err := c.claims.CompleteSettlement(ctx, claimID, txID, false); err != nil {
		metrics.SettlementsTotal.WithLabelValues("finalize_failed").Inc()
		return nil, err
	}

	c.profiles.ChargeSettlementFee(ctx, insurerAddr, claimID)
	metrics.SettlementsTotal.WithLabelValues("settled").Inc()

	// Re-fetch as the authoritative post-settlement view
	settled, err := c.claims.Get(ctx, claimID)
	if err != nil {
		// Settlement completed; treat the stale read as settled-hash-pending
		c.logger.Warn("post-settlement re-fetch failed", "claimId", claimID, "error", err)
		return &Outcome{TxID: txID, Claim: claim}, nil
	}
	return &Outcome{TxID: txID, Claim: settled}, nil
}

// AutoSettle settles a high-confidence approved claim through the platform
// custody wallet, with no insurer signing flow.
func (c *Coordinator) AutoSettle(ctx context.Context, claimID string) (*Outcome, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.auto_settle", traces.ClaimID(claimID))
	defer span.End()

	claim, err := c.claims.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}
	if claim.Status != claims.StatusApproved {
		if claim.Status == claims.StatusSettled {
			return nil, claims.ErrAlreadySettled
		}
		return nil, fmt.Errorf("%w (status %s)", ErrNotApproved, claim.Status)
	}
	if !usdc.IsPositive(claim.ApprovedAmount) {
		return nil, ErrNoApprovedAmount
	}
	if claim.DecisionOverridden || claim.Confidence == nil || *claim.Confidence < AutoSettleMinConfidence {
		return nil, ErrLowConfidence
	}

	if c.tracker != nil {
		c.tracker.Track(claimID)
	}

	account, err := c.ledger.Settle(ctx, claimID, claim.ApprovedAmount, claim.ClaimantAddr)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("auto_failed").Inc()
		return nil, err
	}
	span.SetAttributes(traces.TxHash(account.TxHash))

	settled, err := c.claims.CompleteSettlement(ctx, claimID, account.TxHash, true)
	if err != nil {
		metrics.SettlementsTotal.WithLabelValues("finalize_failed").Inc()
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("auto_settled").Inc()
	return &Outcome{TxID: account.TxHash, Claim: settled}, nil
}
