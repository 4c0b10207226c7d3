package claims

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// PostgresStore persists claims in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed claim store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the claims table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS claims (
			id TEXT PRIMARY KEY,
			claimant_addr TEXT NOT NULL,
			amount TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			evidence JSONB NOT NULL DEFAULT '[]',
			decision TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION,
			approved_amount TEXT NOT NULL DEFAULT '',
			tx_hash TEXT NOT NULL DEFAULT '',
			decision_overridden BOOLEAN NOT NULL DEFAULT FALSE,
			auto_settled BOOLEAN NOT NULL DEFAULT FALSE,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			settled_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_claims_claimant ON claims(claimant_addr, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_claims_status ON claims(status, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, claim *Claim) error {
	evidence, err := json.Marshal(claim.Evidence)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claims (id, claimant_addr, amount, description, evidence, decision,
			confidence, approved_amount, tx_hash, decision_overridden, auto_settled,
			status, created_at, updated_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, claim.ID, claim.ClaimantAddr, claim.Amount, claim.Description, evidence,
		string(claim.Decision), claim.Confidence, claim.ApprovedAmount, claim.TxHash,
		claim.DecisionOverridden, claim.AutoSettled, string(claim.Status),
		claim.CreatedAt, claim.UpdatedAt, claim.SettledAt)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, claimant_addr, amount, description, evidence, decision, confidence,
		       approved_amount, tx_hash, decision_overridden, auto_settled, status,
		       created_at, updated_at, settled_at
		FROM claims WHERE id = $1
	`, id)
	claim, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrClaimNotFound
	}
	return claim, err
}

func (s *PostgresStore) Update(ctx context.Context, claim *Claim) error {
	evidence, err := json.Marshal(claim.Evidence)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE claims SET evidence = $2, decision = $3, confidence = $4,
			approved_amount = $5, tx_hash = $6, decision_overridden = $7,
			auto_settled = $8, status = $9, updated_at = $10, settled_at = $11
		WHERE id = $1
	`, claim.ID, evidence, string(claim.Decision), claim.Confidence,
		claim.ApprovedAmount, claim.TxHash, claim.DecisionOverridden,
		claim.AutoSettled, string(claim.Status), claim.UpdatedAt, claim.SettledAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimNotFound
	}
	return nil
}

func (s *PostgresStore) ListByClaimant(ctx context.Context, claimantAddr string, limit int) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claimant_addr, amount, description, evidence, decision, confidence,
		       approved_amount, tx_hash, decision_overridden, auto_settled, status,
		       created_at, updated_at, settled_at
		FROM claims WHERE LOWER(claimant_addr) = LOWER($1)
		ORDER BY created_at DESC LIMIT $2
	`, claimantAddr, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClaims(rows)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, claimant_addr, amount, description, evidence, decision, confidence,
		       approved_amount, tx_hash, decision_overridden, auto_settled, status,
		       created_at, updated_at, settled_at
		FROM claims WHERE status = $1
		ORDER BY created_at DESC LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanClaims(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanClaim(row rowScanner) (*Claim, error) {
	claim := &Claim{}
	var (
		evidence   []byte
		decision   string
		status     string
		confidence sql.NullFloat64
		settledAt  sql.NullTime
	)
	err := row.Scan(&claim.ID, &claim.ClaimantAddr, &claim.Amount, &claim.Description,
		&evidence, &decision, &confidence, &claim.ApprovedAmount, &claim.TxHash,
		&claim.DecisionOverridden, &claim.AutoSettled, &status,
		&claim.CreatedAt, &claim.UpdatedAt, &settledAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(evidence, &claim.Evidence); err != nil {
		return nil, err
	}
	claim.Decision = Outcome(decision)
	claim.Status = Status(status)
	if confidence.Valid {
		claim.Confidence = &confidence.Float64
	}
	if settledAt.Valid {
		claim.SettledAt = &settledAt.Time
	}
	return claim, nil
}

func scanClaims(rows *sql.Rows) ([]*Claim, error) {
	var out []*Claim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, claim)
	}
	return out, rows.Err()
}
