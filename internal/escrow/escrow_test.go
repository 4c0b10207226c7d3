package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/mbd888/claimpay/internal/usdc"
)

// mockToken records token movements and can be told to fail.
type mockToken struct {
	mu       sync.Mutex
	pulls    []string // "from:amount"
	payouts  []string // "to:amount"
	pullErr  error
	payErr   error
	balances map[string]*big.Int // credited recipients
}

func newMockToken() *mockToken {
	return &mockToken{balances: make(map[string]*big.Int)}
}

func (m *mockToken) Pull(ctx context.Context, from, amount string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullErr != nil {
		return "", m.pullErr
	}
	m.pulls = append(m.pulls, from+":"+amount)
	return fmt.Sprintf("0xpull%d", len(m.pulls)), nil
}

func (m *mockToken) Payout(ctx context.Context, to, amount string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.payErr != nil {
		return "", m.payErr
	}
	m.payouts = append(m.payouts, to+":"+amount)
	amt, _ := usdc.Parse(amount)
	if m.balances[to] == nil {
		m.balances[to] = big.NewInt(0)
	}
	m.balances[to].Add(m.balances[to], amt)
	return fmt.Sprintf("0xpay%d", len(m.payouts)), nil
}

func (m *mockToken) balanceOf(addr string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return usdc.Format(m.balances[addr])
}

func newTestService() (*Service, *mockToken) {
	token := newMockToken()
	return NewService(NewMemoryStore(), token), token
}

const (
	depositor = "0xaaa0000000000000000000000000000000000001"
	recipient = "0xbbb0000000000000000000000000000000000002"
	claimID   = "clm_0123456789abcdef0123456789abcdef"
)

func TestDepositAccumulates(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	deposits := []string{"100.00", "250.50", "0.000001"}
	for _, amt := range deposits {
		if _, err := svc.Deposit(ctx, claimID, depositor, amt); err != nil {
			t.Fatalf("Deposit(%s): %v", amt, err)
		}
	}

	if got := svc.Balance(ctx, claimID); got != "350.500001" {
		t.Errorf("balance = %s, want 350.500001", got)
	}

	history, err := svc.Deposits(ctx, claimID)
	if err != nil {
		t.Fatalf("Deposits: %v", err)
	}
	if len(history) != 3 {
		t.Errorf("deposit history len = %d, want 3", len(history))
	}
}

func TestDepositRejectsNonPositive(t *testing.T) {
	svc, token := newTestService()
	ctx := context.Background()

	for _, amt := range []string{"0", "0.00", "-5", "notanumber", "1.2.3"} {
		if _, err := svc.Deposit(ctx, claimID, depositor, amt); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Deposit(%q) = %v, want ErrInvalidAmount", amt, err)
		}
	}
	if len(token.pulls) != 0 {
		t.Errorf("no token pulls expected for rejected deposits, got %d", len(token.pulls))
	}
}

func TestDepositPropagatesTransferFailure(t *testing.T) {
	svc, token := newTestService()
	token.pullErr = errors.New("insufficient allowance")

	_, err := svc.Deposit(context.Background(), claimID, depositor, "100.00")
	if err == nil || !errors.Is(err, token.pullErr) {
		t.Fatalf("Deposit with failing transfer = %v, want wrapped transfer error", err)
	}
	if got := svc.Balance(context.Background(), claimID); got != "0.000000" {
		t.Errorf("balance after failed deposit = %s, want 0.000000", got)
	}
}

func TestPartialSettlement(t *testing.T) {
	svc, token := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	account, err := svc.Settle(ctx, claimID, "950.00", recipient)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	if !svc.IsSettled(ctx, claimID) {
		t.Error("IsSettled should be true after settlement")
	}
	if got := token.balanceOf(recipient); got != "950.000000" {
		t.Errorf("recipient received %s, want 950.000000", got)
	}
	if got := svc.Balance(ctx, claimID); got != "50.000000" {
		t.Errorf("residual balance = %s, want 50.000000", got)
	}
	if account.SettledAmount != "950.000000" {
		t.Errorf("SettledAmount = %s, want 950.000000", account.SettledAmount)
	}
	if account.TxHash == "" {
		t.Error("settled account should record the payout tx hash")
	}
}

func TestDoubleSettlementRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := svc.Settle(ctx, claimID, "950.00", recipient); err != nil {
		t.Fatalf("first Settle: %v", err)
	}

	// Second attempt fails on the settled flag regardless of amount,
	// even though 50.00 is still on the account.
	_, err := svc.Settle(ctx, claimID, "10.00", recipient)
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second Settle = %v, want ErrAlreadySettled", err)
	}
	if err.Error() != "claim already settled" {
		t.Errorf("error text = %q, want %q", err.Error(), "claim already settled")
	}
}

func TestFullDrainIsNotAlreadySettled(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	// Draining to exactly zero must succeed; zero balance is not the
	// same condition as already-settled.
	if _, err := svc.Settle(ctx, claimID, "100.00", recipient); err != nil {
		t.Fatalf("Settle full balance: %v", err)
	}
	if got := svc.Balance(ctx, claimID); got != "0.000000" {
		t.Errorf("balance = %s, want 0.000000", got)
	}
	if _, err := svc.Settle(ctx, claimID, "1.00", recipient); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("settle after drain = %v, want ErrAlreadySettled", err)
	}
}

func TestOverdrawRejected(t *testing.T) {
	svc, token := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	_, err := svc.Settle(ctx, claimID, "1001.00", recipient)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraw Settle = %v, want ErrInsufficientFunds", err)
	}
	if err.Error() != "insufficient escrow balance" {
		t.Errorf("error text = %q, want %q", err.Error(), "insufficient escrow balance")
	}
	if len(token.payouts) != 0 {
		t.Errorf("no payout expected on overdraw, got %d", len(token.payouts))
	}
	if got := svc.Balance(ctx, claimID); got != "1000.000000" {
		t.Errorf("balance after failed settle = %s, want 1000.000000", got)
	}
	if svc.IsSettled(ctx, claimID) {
		t.Error("claim must not be marked settled after a rejected settlement")
	}
}

func TestSettleUnknownClaim(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.Settle(context.Background(), claimID, "10.00", recipient); !errors.Is(err, ErrAccountNotFound) {
		t.Errorf("Settle on unknown claim = %v, want ErrAccountNotFound", err)
	}
}

func TestBalanceUnknownClaimIsZero(t *testing.T) {
	svc, _ := newTestService()
	if got := svc.Balance(context.Background(), "clm_ffffffffffffffffffffffffffffffff"); got != "0.000000" {
		t.Errorf("unknown claim balance = %s, want 0.000000", got)
	}
	if svc.IsSettled(context.Background(), "clm_ffffffffffffffffffffffffffffffff") {
		t.Error("unknown claim should not report settled")
	}
}

func TestDepositAfterSettlementRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := svc.Settle(ctx, claimID, "100.00", recipient); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if _, err := svc.Deposit(ctx, claimID, depositor, "10.00"); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("deposit after settlement = %v, want ErrAlreadySettled", err)
	}
}

func TestReclaimResidual(t *testing.T) {
	svc, token := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := svc.Settle(ctx, claimID, "950.00", recipient); err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// Only the depositor may reclaim
	if _, err := svc.ReclaimResidual(ctx, claimID, recipient); !errors.Is(err, ErrNotDepositor) {
		t.Errorf("reclaim by non-depositor = %v, want ErrNotDepositor", err)
	}

	account, err := svc.ReclaimResidual(ctx, claimID, depositor)
	if err != nil {
		t.Fatalf("ReclaimResidual: %v", err)
	}
	if account.Balance != "0.000000" {
		t.Errorf("balance after reclaim = %s, want 0.000000", account.Balance)
	}
	if got := token.balanceOf(depositor); got != "50.000000" {
		t.Errorf("depositor received %s, want 50.000000", got)
	}

	// Nothing left to reclaim
	if _, err := svc.ReclaimResidual(ctx, claimID, depositor); !errors.Is(err, ErrNoResidual) {
		t.Errorf("second reclaim = %v, want ErrNoResidual", err)
	}
}

func TestReclaimBeforeSettlementRejected(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "100.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
	if _, err := svc.ReclaimResidual(ctx, claimID, depositor); !errors.Is(err, ErrNotSettled) {
		t.Errorf("reclaim before settlement = %v, want ErrNotSettled", err)
	}
}

func TestConfirmSettlementNoTokenMove(t *testing.T) {
	svc, token := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	account, err := svc.ConfirmSettlement(ctx, claimID, "950.00", recipient, "0xwallet1")
	if err != nil {
		t.Fatalf("ConfirmSettlement: %v", err)
	}
	// Funds moved in the wallet-signed release step, not here
	if len(token.payouts) != 0 {
		t.Errorf("ConfirmSettlement must not move tokens, got %d payouts", len(token.payouts))
	}
	if account.Balance != "50.000000" || account.TxHash != "0xwallet1" {
		t.Errorf("account = %+v", account)
	}

	if _, err := svc.ConfirmSettlement(ctx, claimID, "10.00", recipient, "0xwallet2"); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("second ConfirmSettlement = %v, want ErrAlreadySettled", err)
	}
}

func TestConfirmSettlementSyncsUnseenAccount(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	// All deposits happened on-chain via the wallet; the local ledger has
	// never seen this claim.
	account, err := svc.ConfirmSettlement(ctx, claimID, "200.00", recipient, "0xwallet3")
	if err != nil {
		t.Fatalf("ConfirmSettlement on unseen account: %v", err)
	}
	if !account.Settled || account.SettledAmount != "200.000000" {
		t.Errorf("account = %+v", account)
	}
	if account.Balance != "0.000000" {
		t.Errorf("balance = %s, want 0.000000", account.Balance)
	}
	if _, err := svc.Settle(ctx, claimID, "1.00", recipient); !errors.Is(err, ErrAlreadySettled) {
		t.Errorf("Settle after confirm = %v, want ErrAlreadySettled", err)
	}
}

func TestConcurrentSettleOnlyOneSucceeds(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.Deposit(ctx, claimID, depositor, "1000.00"); err != nil {
		t.Fatalf("Deposit: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Settle(ctx, claimID, "500.00", recipient)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, alreadySettled int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadySettled):
			alreadySettled++
		default:
			t.Errorf("unexpected settle error: %v", err)
		}
	}
	if ok != 1 {
		t.Errorf("exactly one settlement should succeed, got %d", ok)
	}
	if alreadySettled != attempts-1 {
		t.Errorf("already-settled rejections = %d, want %d", alreadySettled, attempts-1)
	}
}
