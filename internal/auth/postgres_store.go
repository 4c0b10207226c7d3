package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the api_keys table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id TEXT PRIMARY KEY,
			hash TEXT NOT NULL UNIQUE,
			account_addr TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			last_used TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			revoked BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS idx_api_keys_account ON api_keys(account_addr);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, account_addr, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.AccountAddr, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, hash, account_addr, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1
	`, hash).Scan(&key.ID, &key.Hash, &key.AccountAddr, &key.Name,
		&key.CreatedAt, &lastUsed, &key.ExpiresAt, &key.Revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	return key, nil
}

func (s *PostgresStore) GetByAccount(ctx context.Context, addr string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, account_addr, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE LOWER(account_addr) = LOWER($1)
		ORDER BY created_at DESC
	`, addr)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		key := &APIKey{}
		var lastUsed sql.NullTime
		if err := rows.Scan(&key.ID, &key.Hash, &key.AccountAddr, &key.Name,
			&key.CreatedAt, &lastUsed, &key.ExpiresAt, &key.Revoked); err != nil {
			return nil, err
		}
		if lastUsed.Valid {
			key.LastUsed = lastUsed.Time
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $2, revoked = $3 WHERE hash = $1
	`, key.Hash, key.LastUsed, key.Revoked)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}
