package challenge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/traces"
)

// DefaultMaxSteps bounds a settlement sequence. The plan is at most
// approve, deposit, release; anything longer indicates a planner bug.
const DefaultMaxSteps = 3

// Result is the outcome of a full challenge sequence.
type Result struct {
	// Cancelled is true when the user declined a step; the sequence was
	// abandoned and no further steps were attempted.
	Cancelled bool
	// Steps lists the steps that were confirmed, in order.
	Steps []Step
	// Final is the raw signing result of the last confirmed step. It may
	// or may not contain a transaction id; the reconciler sorts that out.
	Final json.RawMessage
}

// Sequencer runs challenge sequences one step at a time.
type Sequencer struct {
	planner  Planner
	signer   Signer
	logger   *slog.Logger
	maxSteps int
}

// NewSequencer creates a sequencer. maxSteps <= 0 uses DefaultMaxSteps.
func NewSequencer(planner Planner, signer Signer, logger *slog.Logger, maxSteps int) *Sequencer {
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	return &Sequencer{planner: planner, signer: signer, logger: logger, maxSteps: maxSteps}
}

// Run drives the signing sequence for a claim to completion.
//
// Steps execute strictly in order: the next challenge is not requested until
// the previous one's confirmation arrives. User cancellation abandons the
// sequence and returns Cancelled=true with a nil error; any other step
// failure aborts the whole sequence. Already-satisfied steps never appear
// because the planner re-derives the remaining plan from live chain state,
// which is what makes retries after partial completion safe.
func (s *Sequencer) Run(ctx context.Context, claimID string) (*Result, error) {
	result := &Result{}
	var completed Step

	for i := 0; ; i++ {
		if i >= s.maxSteps {
			return nil, fmt.Errorf("%w (claim %s)", ErrTooManySteps, claimID)
		}

		ch, err := s.planner.NextChallenge(ctx, claimID, completed)
		if err != nil {
			return nil, fmt.Errorf("request challenge after %q: %w", completed, err)
		}
		if ch == nil {
			// Nothing left to sign
			return result, nil
		}

		s.logger.Info("executing settlement challenge",
			"claimId", claimID,
			"step", ch.Step,
			"challengeId", ch.ID,
			"hasNext", ch.NextStep != nil,
		)

		raw, err := s.executeStep(ctx, claimID, ch)
		if err != nil {
			if IsCancellation(err) {
				s.logger.Info("settlement challenge cancelled by user",
					"claimId", claimID, "step", ch.Step)
				metrics.ChallengeStepsTotal.WithLabelValues(string(ch.Step), "cancelled").Inc()
				result.Cancelled = true
				return result, nil
			}
			metrics.ChallengeStepsTotal.WithLabelValues(string(ch.Step), "failed").Inc()
			return nil, fmt.Errorf("execute %s challenge: %w", ch.Step, err)
		}

		metrics.ChallengeStepsTotal.WithLabelValues(string(ch.Step), "confirmed").Inc()
		result.Steps = append(result.Steps, ch.Step)
		result.Final = raw
		completed = ch.Step

		if ch.NextStep == nil {
			return result, nil
		}
	}
}

func (s *Sequencer) executeStep(ctx context.Context, claimID string, ch *Challenge) (json.RawMessage, error) {
	ctx, span := traces.StartSpan(ctx, "challenge.step",
		traces.ClaimID(claimID), traces.Step(string(ch.Step)))
	defer span.End()
	return s.signer.Execute(ctx, ch)
}
