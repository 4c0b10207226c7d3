package claims

import (
	"context"
	"math/big"

	"github.com/mbd888/claimpay/internal/usdc"
)

// RulesEvaluator is a deterministic evaluation backend. It approves small,
// well-documented claims outright and escalates everything else, so the
// platform stays useful without an AI backend configured.
type RulesEvaluator struct {
	// AutoApproveLimit is the largest claim the evaluator will approve on
	// its own, as a USDC decimal string. Larger claims go to human review.
	AutoApproveLimit string
	// MinEvidence is the number of evidence documents required before the
	// evaluator will decide at all.
	MinEvidence int
}

// NewRulesEvaluator creates a rules evaluator with default thresholds.
func NewRulesEvaluator() *RulesEvaluator {
	return &RulesEvaluator{
		AutoApproveLimit: "500",
		MinEvidence:      1,
	}
}

// Evaluate decides a claim from its size and evidence alone.
func (e *RulesEvaluator) Evaluate(ctx context.Context, claim *Claim) (*Decision, error) {
	if len(claim.Evidence) < e.MinEvidence {
		return &Decision{
			Outcome:    OutcomeAwaitingData,
			Confidence: 1.0,
		}, nil
	}

	amount, ok := usdc.Parse(claim.Amount)
	if !ok {
		return &Decision{Outcome: OutcomeNeedsReview, Confidence: 0.5}, nil
	}

	limit, ok := usdc.Parse(e.AutoApproveLimit)
	if !ok || amount.Cmp(limit) > 0 {
		return &Decision{Outcome: OutcomeNeedsReview, Confidence: 0.6}, nil
	}

	// Small documented claim: approve in full. Confidence scales down as
	// the claim approaches the auto-approve limit.
	conf := confidenceFor(amount, limit)
	return &Decision{
		Outcome:        OutcomeApprove,
		Confidence:     conf,
		ApprovedAmount: claim.Amount,
	}, nil
}

func confidenceFor(amount, limit *big.Int) float64 {
	if limit.Sign() <= 0 {
		return 0.9
	}
	ratio, _ := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetInt(limit),
	).Float64()
	// 0.99 for tiny claims down to 0.90 at the limit.
	return 0.99 - 0.09*ratio
}
