package claims

import (
	"context"
	"testing"
)

func TestRulesEvaluatorNeedsEvidence(t *testing.T) {
	e := NewRulesEvaluator()
	d, err := e.Evaluate(context.Background(), &Claim{Amount: "100.000000"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeAwaitingData {
		t.Fatalf("outcome = %s, want awaiting_data", d.Outcome)
	}
}

func TestRulesEvaluatorApprovesSmallDocumentedClaim(t *testing.T) {
	e := NewRulesEvaluator()
	d, err := e.Evaluate(context.Background(), &Claim{
		Amount:   "100.000000",
		Evidence: []string{"photo-1"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeApprove {
		t.Fatalf("outcome = %s, want approve", d.Outcome)
	}
	if d.ApprovedAmount != "100.000000" {
		t.Fatalf("approved = %s", d.ApprovedAmount)
	}
	if d.Confidence < 0.9 || d.Confidence > 0.99 {
		t.Fatalf("confidence = %f", d.Confidence)
	}
}

func TestRulesEvaluatorEscalatesLargeClaims(t *testing.T) {
	e := NewRulesEvaluator()
	d, err := e.Evaluate(context.Background(), &Claim{
		Amount:   "10000.000000",
		Evidence: []string{"photo-1", "report-2"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Outcome != OutcomeNeedsReview {
		t.Fatalf("outcome = %s, want needs_review", d.Outcome)
	}
}

func TestRulesEvaluatorConfidenceDropsNearLimit(t *testing.T) {
	e := NewRulesEvaluator()
	small, _ := e.Evaluate(context.Background(), &Claim{Amount: "1.000000", Evidence: []string{"a"}})
	nearLimit, _ := e.Evaluate(context.Background(), &Claim{Amount: "500.000000", Evidence: []string{"a"}})
	if small.Confidence <= nearLimit.Confidence {
		t.Fatalf("expected confidence to shrink with size: %f vs %f", small.Confidence, nearLimit.Confidence)
	}
}
