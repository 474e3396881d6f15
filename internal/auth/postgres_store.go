package auth

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, name, scope, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, name, scope, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Name, string(key.Scope), key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// Get retrieves an API key by id
func (p *PostgresStore) Get(ctx context.Context, id string) (*APIKey, error) {
	return p.getOne(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
}

// GetByHash retrieves an API key by its hash, revoked or not
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	return p.getOne(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE hash = $1`, hash)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// List retrieves all API keys
func (p *PostgresStore) List(ctx context.Context) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation is sticky.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = COALESCE($1, last_used), revoked = revoked OR $2 WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(s rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var scope string
	var expiresAt, lastUsed sql.NullTime

	if err := s.Scan(
		&key.ID, &key.Hash, &key.Name, &scope,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	key.Scope = Scope(scope)

	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	if lastUsed.Valid {
		key.LastUsed = &lastUsed.Time
	}
	return key, nil
}
