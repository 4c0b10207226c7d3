// Package challenge drives the multi-step wallet-signing flow that moves
// settlement funds: approve → deposit → release, with steps skipped when
// chain state already satisfies them.
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var (
	// ErrCancelled is the distinguished outcome when the user declines a
	// signing challenge. It is not a failure.
	ErrCancelled = errors.New("challenge cancelled by user")

	ErrTooManySteps = errors.New("challenge sequence exceeded maximum steps")
	ErrNoChallenge  = errors.New("no challenge issued")
)

// Step identifies one wallet-signing action in the settlement sequence.
type Step string

const (
	StepApprove Step = "approve"
	StepDeposit Step = "deposit"
	StepRelease Step = "release"
)

// Challenge is one signing request issued to the wallet.
type Challenge struct {
	Step          Step   `json:"step"`
	ID            string `json:"challengeId"`
	NextStep      *Step  `json:"nextStep,omitempty"` // nil means this is the last step
	UserToken     string `json:"userToken,omitempty"`
	EncryptionKey string `json:"encryptionKey,omitempty"`
}

// Planner decides which signing step is needed next, based on live chain
// state. A nil challenge with a nil error means nothing remains to sign.
type Planner interface {
	NextChallenge(ctx context.Context, claimID string, completed Step) (*Challenge, error)
}

// Signer presents a challenge to the wallet and suspends until the user
// confirms or cancels. The raw result shape is SDK-dependent and not
// guaranteed to carry a transaction id.
type Signer interface {
	Execute(ctx context.Context, ch *Challenge) (json.RawMessage, error)
}

// cancellationSignals are the known wallet-SDK ways of saying "user said no".
var cancellationSignals = []string{
	"cancel",
	"denied",
	"reject",
	"user_rejected",
	"code 4001",
}

// IsCancellation reports whether an error represents user cancellation
// rather than a real failure. Wallet SDKs are inconsistent about how they
// signal this, so it pattern-matches the known variants.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCancelled) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range cancellationSignals {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
