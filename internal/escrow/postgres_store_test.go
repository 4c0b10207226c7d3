//go:build integration

package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/claimpay/internal/testutil"
)

func setupTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	db := testutil.DB(t)
	store := NewPostgresStore(db)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	t.Cleanup(func() { testutil.Truncate(t, db, "escrow_deposits", "escrow_accounts") })
	return store
}

func TestPostgres_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	account := &Account{
		ClaimID:        "clm_00000000000000000000000000000001",
		DepositorAddr:  "0xaaaa000000000000000000000000000000000001",
		Balance:        "200.000000",
		TotalDeposited: "200.000000",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Upsert(ctx, account); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	got, err := store.Get(ctx, account.ClaimID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Balance != "200.000000" {
		t.Errorf("Expected balance 200.000000, got %s", got.Balance)
	}
	if got.Settled {
		t.Error("New account must not be settled")
	}
}

func TestPostgres_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "clm_ffffffffffffffffffffffffffffffff")
	if err != ErrAccountNotFound {
		t.Errorf("Expected ErrAccountNotFound, got %v", err)
	}
}

func TestPostgres_UpsertSettlement(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Millisecond)
	account := &Account{
		ClaimID:        "clm_00000000000000000000000000000002",
		DepositorAddr:  "0xaaaa000000000000000000000000000000000001",
		Balance:        "150.000000",
		TotalDeposited: "150.000000",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Upsert(ctx, account); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// Second upsert records the settlement on the same row
	settledAt := now.Add(time.Minute)
	account.Balance = "50.000000"
	account.Settled = true
	account.SettledAmount = "100.000000"
	account.RecipientAddr = "0xcccc000000000000000000000000000000000003"
	account.TxHash = "0xsettle"
	account.SettledAt = &settledAt
	account.UpdatedAt = settledAt
	if err := store.Upsert(ctx, account); err != nil {
		t.Fatalf("Settlement upsert failed: %v", err)
	}

	got, err := store.Get(ctx, account.ClaimID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Settled {
		t.Error("Expected account to be settled")
	}
	if got.SettledAmount != "100.000000" {
		t.Errorf("Expected settled amount 100.000000, got %s", got.SettledAmount)
	}
	if got.Balance != "50.000000" {
		t.Errorf("Expected residual 50.000000, got %s", got.Balance)
	}
	if got.SettledAt == nil {
		t.Error("Expected settledAt to round-trip")
	}
}

func TestPostgres_DepositHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	claimID := "clm_00000000000000000000000000000003"
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, amount := range []string{"10.000000", "25.000000"} {
		dep := &Deposit{
			ID:            "dep_0000000000000000000000000000000" + string(rune('a'+i)),
			ClaimID:       claimID,
			DepositorAddr: "0xaaaa000000000000000000000000000000000001",
			Amount:        amount,
			TxHash:        "0xdep",
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := store.RecordDeposit(ctx, dep); err != nil {
			t.Fatalf("RecordDeposit failed: %v", err)
		}
	}

	deposits, err := store.ListDeposits(ctx, claimID)
	if err != nil {
		t.Fatalf("ListDeposits failed: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("Expected 2 deposits, got %d", len(deposits))
	}
	// Newest first
	if deposits[0].Amount != "25.000000" {
		t.Errorf("Expected newest deposit first, got %s", deposits[0].Amount)
	}

	other, err := store.ListDeposits(ctx, "clm_ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("ListDeposits failed: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("Expected no deposits for other claim, got %d", len(other))
	}
}
