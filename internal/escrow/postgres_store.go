package escrow

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists escrow accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the escrow tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS escrow_accounts (
			claim_id TEXT PRIMARY KEY,
			depositor_addr TEXT NOT NULL,
			balance TEXT NOT NULL DEFAULT '0.000000',
			total_deposited TEXT NOT NULL DEFAULT '0.000000',
			settled BOOLEAN NOT NULL DEFAULT FALSE,
			settled_amount TEXT NOT NULL DEFAULT '',
			recipient_addr TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS escrow_deposits (
			id TEXT PRIMARY KEY,
			claim_id TEXT NOT NULL,
			depositor_addr TEXT NOT NULL,
			amount TEXT NOT NULL,
			tx_hash TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_escrow_deposits_claim ON escrow_deposits(claim_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, claimID string) (*Account, error) {
	account := &Account{}
	var settledAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT claim_id, depositor_addr, balance, total_deposited, settled,
		       settled_amount, recipient_addr, tx_hash, settled_at, created_at, updated_at
		FROM escrow_accounts WHERE claim_id = $1
	`, claimID).Scan(&account.ClaimID, &account.DepositorAddr, &account.Balance,
		&account.TotalDeposited, &account.Settled, &account.SettledAmount,
		&account.RecipientAddr, &account.TxHash, &settledAt,
		&account.CreatedAt, &account.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if settledAt.Valid {
		account.SettledAt = &settledAt.Time
	}
	return account, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, account *Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_accounts (claim_id, depositor_addr, balance, total_deposited,
			settled, settled_amount, recipient_addr, tx_hash, settled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (claim_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			total_deposited = EXCLUDED.total_deposited,
			settled = EXCLUDED.settled,
			settled_amount = EXCLUDED.settled_amount,
			recipient_addr = EXCLUDED.recipient_addr,
			tx_hash = EXCLUDED.tx_hash,
			settled_at = EXCLUDED.settled_at,
			updated_at = EXCLUDED.updated_at
	`, account.ClaimID, account.DepositorAddr, account.Balance, account.TotalDeposited,
		account.Settled, account.SettledAmount, account.RecipientAddr, account.TxHash,
		account.SettledAt, account.CreatedAt, account.UpdatedAt)
	return err
}

func (s *PostgresStore) RecordDeposit(ctx context.Context, dep *Deposit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escrow_deposits (id, claim_id, depositor_addr, amount, tx_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, dep.ID, dep.ClaimID, dep.DepositorAddr, dep.Amount, dep.TxHash, dep.CreatedAt)
	return err
}

func (s *PostgresStore) ListDeposits(ctx context.Context, claimID string) ([]*Deposit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claim_id, depositor_addr, amount, tx_hash, created_at
		FROM escrow_deposits WHERE claim_id = $1
		ORDER BY created_at DESC
	`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Deposit
	for rows.Next() {
		dep := &Deposit{}
		if err := rows.Scan(&dep.ID, &dep.ClaimID, &dep.DepositorAddr,
			&dep.Amount, &dep.TxHash, &dep.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, dep)
	}
	return out, rows.Err()
}
