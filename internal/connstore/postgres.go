package connstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fuseview/fuseview/migrations"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection store: %w", err)
	}
	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply postgres migrations: %w", err)
	}
	return store, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres connection store database is not initialized")
	}
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	s.db.SetConnMaxLifetime(30 * time.Minute)
	return nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Connections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, url, public_key, created_at, updated_at
FROM connections
ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	items := make([]Connection, 0)
	for rows.Next() {
		item, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
SELECT id, name, url, public_key, created_at, updated_at
FROM connections
WHERE id = $1`, id)

	item, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}
	return &item, nil
}

func (s *PostgresStore) AddConnection(ctx context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
INSERT INTO connections (id, name, url, public_key, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		normalized.ID,
		normalized.Name,
		normalized.URL,
		normalized.PublicKey,
		normalized.CreatedAt,
		normalized.UpdatedAt,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("add connection %q: %w", normalized.ID, err)
	}

	out := normalized
	return &out, nil
}

func (s *PostgresStore) UpdateConnection(ctx context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE connections
SET name = $1, url = $2, public_key = $3, updated_at = $4
WHERE id = $5`,
		normalized.Name,
		normalized.URL,
		normalized.PublicKey,
		time.Now().UTC(),
		normalized.ID,
	)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update connection %q: %w", normalized.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("read update row count: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetConnection(ctx, normalized.ID)
}

func (s *PostgresStore) RemoveConnection(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove connection %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read delete row count: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SecretKey(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrNotFound
	}

	var secret string
	err := s.db.QueryRowContext(ctx, `
SELECT secret_key FROM connection_secrets WHERE connection_id = $1`, id).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get secret for connection %q: %w", id, err)
	}
	if strings.TrimSpace(secret) == "" {
		return "", ErrNotFound
	}
	return secret, nil
}

func (s *PostgresStore) SetSecretKey(ctx context.Context, id, secret string) error {
	id = strings.TrimSpace(id)
	secret = strings.TrimSpace(secret)
	if id == "" || secret == "" {
		return fmt.Errorf("connection id and secret are required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO connection_secrets (connection_id, secret_key, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (connection_id) DO UPDATE SET secret_key = EXCLUDED.secret_key, updated_at = EXCLUDED.updated_at`,
		id, secret, time.Now().UTC(),
	)
	if err != nil {
		if isPostgresForeignKeyViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set secret for connection %q: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSecretKey(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM connection_secrets WHERE connection_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete secret for connection %q: %w", id, err)
	}
	return nil
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isPostgresForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
