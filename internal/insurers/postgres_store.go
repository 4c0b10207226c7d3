package insurers

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists insurer profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed insurer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the insurers table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS insurers (
			account_addr TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			settlements_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			stripe_customer_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, accountAddr string) (*Insurer, error) {
	ins := &Insurer{}
	err := s.db.QueryRowContext(ctx, `
		SELECT account_addr, name, email, settlements_enabled, stripe_customer_id, created_at, updated_at
		FROM insurers WHERE account_addr = $1
	`, accountAddr).Scan(&ins.AccountAddr, &ins.Name, &ins.Email,
		&ins.SettlementsEnabled, &ins.StripeCustomerID, &ins.CreatedAt, &ins.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsurerNotFound
	}
	if err != nil {
		return nil, err
	}
	return ins, nil
}

func (s *PostgresStore) Create(ctx context.Context, ins *Insurer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO insurers (account_addr, name, email, settlements_enabled, stripe_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ins.AccountAddr, ins.Name, ins.Email, ins.SettlementsEnabled,
		ins.StripeCustomerID, ins.CreatedAt, ins.UpdatedAt)
	return err
}

func (s *PostgresStore) Update(ctx context.Context, ins *Insurer) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE insurers SET name = $2, email = $3, settlements_enabled = $4,
			stripe_customer_id = $5, updated_at = $6
		WHERE account_addr = $1
	`, ins.AccountAddr, ins.Name, ins.Email, ins.SettlementsEnabled,
		ins.StripeCustomerID, ins.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInsurerNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Insurer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_addr, name, email, settlements_enabled, stripe_customer_id, created_at, updated_at
		FROM insurers ORDER BY created_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Insurer
	for rows.Next() {
		ins := &Insurer{}
		if err := rows.Scan(&ins.AccountAddr, &ins.Name, &ins.Email,
			&ins.SettlementsEnabled, &ins.StripeCustomerID, &ins.CreatedAt, &ins.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ins)
	}
	return out, rows.Err()
}
