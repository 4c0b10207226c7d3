package challenge

import (
	"context"
	"fmt"
	"math/big"

	"github.com/mbd888/claimpay/internal/idgen"
	"github.com/mbd888/claimpay/internal/usdc"
)

// ChainState exposes the on-chain reads the planner needs to decide which
// steps remain. The chain client implements it.
type ChainState interface {
	Allowance(ctx context.Context, owner string) (*big.Int, error)
	EscrowBalance(ctx context.Context, claimID string) (*big.Int, error)
}

// CredentialIssuer mints the short-lived wallet credentials attached to
// each challenge.
type CredentialIssuer interface {
	Issue(ctx context.Context, claimID string, step Step) (userToken, encryptionKey string, err error)
}

// ephemeralCredentials issues random single-use credentials. Used when no
// external wallet backend is wired in.
type ephemeralCredentials struct{}

func (ephemeralCredentials) Issue(ctx context.Context, claimID string, step Step) (string, string, error) {
	return idgen.Prefixed("tok"), idgen.Prefixed("key"), nil
}

// ChainPlanner plans one settlement attempt's signing steps from live chain
// state. The plan is re-derived on every call, so a retry after partial
// completion naturally skips steps the chain already reflects.
type ChainPlanner struct {
	chain  ChainState
	creds  CredentialIssuer
	owner  string   // address whose allowance/deposit feeds the escrow
	amount *big.Int // settlement amount in smallest units
}

// NewChainPlanner creates a planner for a single settlement attempt.
func NewChainPlanner(state ChainState, ownerAddr, amount string, creds CredentialIssuer) (*ChainPlanner, error) {
	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("challenge: invalid settlement amount %q", amount)
	}
	if creds == nil {
		creds = ephemeralCredentials{}
	}
	return &ChainPlanner{chain: state, creds: creds, owner: ownerAddr, amount: amt}, nil
}

// stepOrder is the canonical execution order.
var stepOrder = map[Step]int{StepApprove: 0, StepDeposit: 1, StepRelease: 2}

// remainingPlan derives the steps still required from chain state.
func (p *ChainPlanner) remainingPlan(ctx context.Context, claimID string) ([]Step, error) {
	var plan []Step

	balance, err := p.chain.EscrowBalance(ctx, claimID)
	if err != nil {
		return nil, fmt.Errorf("read escrow balance: %w", err)
	}

	if balance.Cmp(p.amount) < 0 {
		// Escrow is short: a deposit is needed, and an approve before it
		// unless the allowance already covers the shortfall.
		needed := new(big.Int).Sub(p.amount, balance)
		allowance, err := p.chain.Allowance(ctx, p.owner)
		if err != nil {
			return nil, fmt.Errorf("read allowance: %w", err)
		}
		if allowance.Cmp(needed) < 0 {
			plan = append(plan, StepApprove)
		}
		plan = append(plan, StepDeposit)
	}

	plan = append(plan, StepRelease)
	return plan, nil
}

// NextChallenge returns the next step after `completed` (empty Step for the
// first call), or nil when nothing remains.
func (p *ChainPlanner) NextChallenge(ctx context.Context, claimID string, completed Step) (*Challenge, error) {
	plan, err := p.remainingPlan(ctx, claimID)
	if err != nil {
		return nil, err
	}

	idx := 0
	if completed != "" {
		// First step strictly after the one just confirmed. Comparing by
		// canonical order rather than slice position keeps this correct
		// when the re-derived plan differs from the previous derivation.
		for idx < len(plan) && stepOrder[plan[idx]] <= stepOrder[completed] {
			idx++
		}
	}
	if idx >= len(plan) {
		return nil, nil
	}

	token, key, err := p.creds.Issue(ctx, claimID, plan[idx])
	if err != nil {
		return nil, fmt.Errorf("issue challenge credentials: %w", err)
	}

	ch := &Challenge{
		Step:          plan[idx],
		ID:            idgen.Prefixed("chl"),
		UserToken:     token,
		EncryptionKey: key,
	}
	if idx+1 < len(plan) {
		next := plan[idx+1]
		ch.NextStep = &next
	}
	return ch, nil
}
