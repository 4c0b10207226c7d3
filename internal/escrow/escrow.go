// Package escrow is the per-claim settlement ledger.
//
// Flow:
//  1. Claimant (or insurer) deposits USDC against a claim → balance credited
//  2. Insurer settles the claim → some or all of the balance released to the recipient
//  3. The claim is marked settled exactly once; later settlement attempts fail
//  4. Any undrawn remainder stays on the account as residual, reclaimable by the depositor
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/mbd888/claimpay/internal/metrics"
	"github.com/mbd888/claimpay/internal/syncutil"
	"github.com/mbd888/claimpay/internal/traces"
	"github.com/mbd888/claimpay/internal/usdc"
)

var (
	ErrAccountNotFound   = errors.New("escrow account not found")
	ErrAlreadySettled    = errors.New("claim already settled")
	ErrInsufficientFunds = errors.New("insufficient escrow balance")
	ErrNotSettled        = errors.New("claim not settled")
	ErrNoResidual        = errors.New("no residual balance to reclaim")
	ErrNotDepositor      = errors.New("only the depositor can reclaim the residual")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Account is the per-claim escrow ledger entry.
type Account struct {
	ClaimID        string     `json:"claimId"`
	DepositorAddr  string     `json:"depositorAddr"`
	Balance        string     `json:"balance"`        // current undrawn balance (USDC)
	TotalDeposited string     `json:"totalDeposited"` // sum of all deposits
	Settled        bool       `json:"settled"`
	SettledAmount  string     `json:"settledAmount,omitempty"`
	RecipientAddr  string     `json:"recipientAddr,omitempty"`
	TxHash         string     `json:"txHash,omitempty"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Deposit is one credit against a claim's escrow account.
type Deposit struct {
	ID            string    `json:"id"`
	ClaimID       string    `json:"claimId"`
	DepositorAddr string    `json:"depositorAddr"`
	Amount        string    `json:"amount"`
	TxHash        string    `json:"txHash,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Store persists escrow accounts and their deposit history.
type Store interface {
	Get(ctx context.Context, claimID string) (*Account, error)
	Upsert(ctx context.Context, account *Account) error
	RecordDeposit(ctx context.Context, dep *Deposit) error
	ListDeposits(ctx context.Context, claimID string) ([]*Deposit, error)
}

// TokenMover executes the actual USDC movements backing ledger entries.
// The chain client implements it for real; tests use a mock.
type TokenMover interface {
	// Pull moves amount from the depositor into escrow custody.
	Pull(ctx context.Context, from, amount string) (txHash string, err error)
	// Payout moves amount from escrow custody to the recipient.
	Payout(ctx context.Context, to, amount string) (txHash string, err error)
}

// Notifier receives ledger events. The realtime hub implements it.
type Notifier interface {
	BroadcastDeposit(claimID, depositor, amount, balance string)
	BroadcastSettlement(claimID, recipient, amount, txHash string)
}

// Service implements the escrow ledger business logic.
type Service struct {
	store  Store
	token  TokenMover
	notify Notifier              // optional
	locks  syncutil.ShardedMutex // serializes per-claim mutations
}

// NewService creates a new escrow ledger service.
func NewService(store Store, token TokenMover) *Service {
	return &Service{store: store, token: token}
}

// SetNotifier attaches a ledger event sink. Must be called before the
// service starts handling requests.
func (s *Service) SetNotifier(n Notifier) {
	s.notify = n
}

// Deposit credits amount to the claim's escrow balance, pulling funds from
// the depositor. Deposits are cumulative: repeated calls for the same claim
// keep adding to the balance.
func (s *Service) Deposit(ctx context.Context, claimID, depositorAddr, amount string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.deposit",
		traces.ClaimID(claimID), traces.Amount(amount))
	defer span.End()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(claimID)
	defer unlock()

	account, err := s.store.Get(ctx, claimID)
	if errors.Is(err, ErrAccountNotFound) {
		now := time.Now()
		account = &Account{
			ClaimID:        claimID,
			DepositorAddr:  strings.ToLower(depositorAddr),
			Balance:        "0.000000",
			TotalDeposited: "0.000000",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	} else if err != nil {
		return nil, err
	}

	if account.Settled {
		metrics.EscrowOpsTotal.WithLabelValues("deposit", "rejected").Inc()
		return nil, ErrAlreadySettled
	}

	txHash, err := s.token.Pull(ctx, depositorAddr, usdc.Format(amt))
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("deposit", "failed").Inc()
		return nil, fmt.Errorf("escrow deposit transfer: %w", err)
	}

	balance, _ := usdc.Parse(account.Balance)
	total, _ := usdc.Parse(account.TotalDeposited)
	account.Balance = usdc.Format(new(big.Int).Add(balance, amt))
	account.TotalDeposited = usdc.Format(new(big.Int).Add(total, amt))
	account.UpdatedAt = time.Now()

	if err := s.store.Upsert(ctx, account); err != nil {
		// Funds already pulled; the deposit record below is the audit trail
		// either way, so persist failure here requires manual resolution.
		slog.Error("CRITICAL: escrow deposit pulled but account update failed",
			"claimId", claimID, "amount", usdc.Format(amt), "txHash", txHash, "error", err)
		return nil, fmt.Errorf("escrow account update after deposit (requires manual resolution): %w", err)
	}

	_ = s.store.RecordDeposit(ctx, &Deposit{
		ID:            fmt.Sprintf("dep_%d", time.Now().UnixNano()),
		ClaimID:       claimID,
		DepositorAddr: strings.ToLower(depositorAddr),
		Amount:        usdc.Format(amt),
		TxHash:        txHash,
		CreatedAt:     time.Now(),
	})

	metrics.EscrowOpsTotal.WithLabelValues("deposit", "ok").Inc()
	if s.notify != nil {
		s.notify.BroadcastDeposit(claimID, account.DepositorAddr, usdc.Format(amt), account.Balance)
	}
	return account, nil
}

// Settle releases amount from the claim's balance to the recipient and marks
// the claim settled. A claim settles at most once; the settled flag is checked
// before anything else so a drained balance is never mistaken for settlement.
func (s *Service) Settle(ctx context.Context, claimID, amount, recipientAddr string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.settle",
		traces.ClaimID(claimID), traces.Amount(amount), traces.Recipient(recipientAddr))
	defer span.End()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(claimID)
	defer unlock()

	account, err := s.store.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}

	if account.Settled {
		metrics.EscrowOpsTotal.WithLabelValues("settle", "already_settled").Inc()
		return nil, ErrAlreadySettled
	}

	balance, _ := usdc.Parse(account.Balance)
	if amt.Cmp(balance) > 0 {
		metrics.EscrowOpsTotal.WithLabelValues("settle", "insufficient").Inc()
		return nil, ErrInsufficientFunds
	}

	txHash, err := s.token.Payout(ctx, recipientAddr, usdc.Format(amt))
	if err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("settle", "failed").Inc()
		return nil, fmt.Errorf("escrow settlement transfer: %w", err)
	}

	now := time.Now()
	account.Balance = usdc.Format(new(big.Int).Sub(balance, amt))
	account.Settled = true
	account.SettledAmount = usdc.Format(amt)
	account.RecipientAddr = strings.ToLower(recipientAddr)
	account.TxHash = txHash
	account.SettledAt = &now
	account.UpdatedAt = now

	if err := s.store.Upsert(ctx, account); err != nil {
		// Retry once — funds already moved, we must persist the settled flag
		if retryErr := s.store.Upsert(ctx, account); retryErr != nil {
			// CRITICAL: payout executed but settled flag not persisted. A later
			// attempt could double-pay. Log for manual resolution rather than
			// guessing at compensation.
			slog.Error("CRITICAL: escrow settled on-chain but account update failed",
				"claimId", claimID, "recipient", recipientAddr, "txHash", txHash, "error", retryErr)
			return nil, fmt.Errorf("escrow account update after settlement (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowOpsTotal.WithLabelValues("settle", "ok").Inc()
	if s.notify != nil {
		s.notify.BroadcastSettlement(claimID, account.RecipientAddr, account.SettledAmount, account.TxHash)
	}
	return account, nil
}

// ConfirmSettlement finalizes a settlement whose funds already moved
// on-chain through the wallet-signed release step. It applies the same
// checks as Settle but performs no token movement of its own; it only
// records the debit, the settled flag, and the transaction linkage.
//
// Deposits signed directly in the wallet never pass through this service,
// so the account is synced up to the settled amount when the local view
// lags the chain.
func (s *Service) ConfirmSettlement(ctx context.Context, claimID, amount, recipientAddr, txHash string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_settlement",
		traces.ClaimID(claimID), traces.Amount(amount), traces.TxHash(txHash))
	defer span.End()

	amt, ok := usdc.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(claimID)
	defer unlock()

	account, err := s.store.Get(ctx, claimID)
	if errors.Is(err, ErrAccountNotFound) {
		now := time.Now()
		account = &Account{
			ClaimID:        claimID,
			DepositorAddr:  strings.ToLower(recipientAddr),
			Balance:        "0.000000",
			TotalDeposited: "0.000000",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
	} else if err != nil {
		return nil, err
	}

	if account.Settled {
		metrics.EscrowOpsTotal.WithLabelValues("confirm", "already_settled").Inc()
		return nil, ErrAlreadySettled
	}

	balance, _ := usdc.Parse(account.Balance)
	if balance.Cmp(amt) < 0 {
		// On-chain deposits this service never saw; trust the confirmed
		// on-chain release and bring the mirror up to the settled amount.
		slog.Info("syncing escrow account from chain",
			"claimId", claimID, "local", usdc.Format(balance), "settled", usdc.Format(amt))
		total, _ := usdc.Parse(account.TotalDeposited)
		diff := new(big.Int).Sub(amt, balance)
		account.TotalDeposited = usdc.Format(new(big.Int).Add(total, diff))
		balance = new(big.Int).Set(amt)
	}

	now := time.Now()
	account.Balance = usdc.Format(new(big.Int).Sub(balance, amt))
	account.Settled = true
	account.SettledAmount = usdc.Format(amt)
	account.RecipientAddr = strings.ToLower(recipientAddr)
	account.TxHash = txHash
	account.SettledAt = &now
	account.UpdatedAt = now

	if err := s.store.Upsert(ctx, account); err != nil {
		if retryErr := s.store.Upsert(ctx, account); retryErr != nil {
			slog.Error("CRITICAL: settlement confirmed on-chain but account update failed",
				"claimId", claimID, "txHash", txHash, "error", retryErr)
			return nil, fmt.Errorf("escrow account update after confirmation (requires manual resolution): %w", err)
		}
	}

	metrics.EscrowOpsTotal.WithLabelValues("confirm", "ok").Inc()
	if s.notify != nil {
		s.notify.BroadcastSettlement(claimID, account.RecipientAddr, account.SettledAmount, account.TxHash)
	}
	return account, nil
}

// ReclaimResidual returns the undrawn remainder of a settled claim's balance
// to the original depositor. Only the depositor may reclaim.
func (s *Service) ReclaimResidual(ctx context.Context, claimID, callerAddr string) (*Account, error) {
	unlock := s.locks.Lock(claimID)
	defer unlock()

	account, err := s.store.Get(ctx, claimID)
	if err != nil {
		return nil, err
	}

	if !account.Settled {
		return nil, ErrNotSettled
	}
	if !strings.EqualFold(callerAddr, account.DepositorAddr) {
		return nil, ErrNotDepositor
	}

	residual, _ := usdc.Parse(account.Balance)
	if residual.Sign() <= 0 {
		return nil, ErrNoResidual
	}

	if _, err := s.token.Payout(ctx, account.DepositorAddr, usdc.Format(residual)); err != nil {
		metrics.EscrowOpsTotal.WithLabelValues("reclaim", "failed").Inc()
		return nil, fmt.Errorf("escrow residual transfer: %w", err)
	}

	account.Balance = "0.000000"
	account.UpdatedAt = time.Now()
	if err := s.store.Upsert(ctx, account); err != nil {
		slog.Error("CRITICAL: escrow residual paid out but account update failed",
			"claimId", claimID, "depositor", account.DepositorAddr, "error", err)
		return nil, fmt.Errorf("escrow account update after reclaim (requires manual resolution): %w", err)
	}

	metrics.EscrowOpsTotal.WithLabelValues("reclaim", "ok").Inc()
	return account, nil
}

// Balance returns the claim's current escrow balance. Unknown claims
// report a zero balance; this read never fails.
func (s *Service) Balance(ctx context.Context, claimID string) string {
	account, err := s.store.Get(ctx, claimID)
	if err != nil {
		return "0.000000"
	}
	return account.Balance
}

// IsSettled reports whether the claim has been settled. Unknown claims
// report false.
func (s *Service) IsSettled(ctx context.Context, claimID string) bool {
	account, err := s.store.Get(ctx, claimID)
	if err != nil {
		return false
	}
	return account.Settled
}

// Get returns the full escrow account for a claim.
func (s *Service) Get(ctx context.Context, claimID string) (*Account, error) {
	return s.store.Get(ctx, claimID)
}

// Deposits returns the deposit history for a claim, newest first.
func (s *Service) Deposits(ctx context.Context, claimID string) ([]*Deposit, error) {
	return s.store.ListDeposits(ctx, claimID)
}
