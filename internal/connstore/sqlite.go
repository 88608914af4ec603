package connstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fuseview/fuseview/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when CLI commands and the registry mutate
	// connections concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection store %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}

	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite migrations: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("sqlite connection store database is not initialized")
	}
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite wal mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const connectionSelectColumns = `id, name, url, public_key, created_at, updated_at`

func (s *SQLiteStore) Connections(ctx context.Context) ([]Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+connectionSelectColumns+`
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

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNotFound
	}

	row := s.db.QueryRowContext(ctx, `
SELECT `+connectionSelectColumns+`
FROM connections
WHERE id = ?`, id)

	item, err := scanConnection(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %q: %w", id, err)
	}
	return &item, nil
}

func (s *SQLiteStore) AddConnection(ctx context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()
	normalized.CreatedAt = now
	normalized.UpdatedAt = now

	err = retrySQLiteBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
INSERT INTO connections (id, name, url, public_key, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)`,
			normalized.ID,
			normalized.Name,
			normalized.URL,
			normalized.PublicKey,
			normalized.CreatedAt,
			normalized.UpdatedAt,
		)
		return execErr
	})
	if err != nil {
		if isSQLiteConstraintError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("add connection %q: %w", normalized.ID, err)
	}

	out := normalized
	return &out, nil
}

func (s *SQLiteStore) UpdateConnection(ctx context.Context, conn Connection) (*Connection, error) {
	normalized, err := normalizeConnection(conn)
	if err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	normalized.UpdatedAt = time.Now().UTC()

	var affected int64
	err = retrySQLiteBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `
UPDATE connections
SET name = ?, url = ?, public_key = ?, updated_at = ?
WHERE id = ?`,
			normalized.Name,
			normalized.URL,
			normalized.PublicKey,
			normalized.UpdatedAt,
			normalized.ID,
		)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		if isSQLiteConstraintError(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update connection %q: %w", normalized.ID, err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	return s.GetConnection(ctx, normalized.ID)
}

func (s *SQLiteStore) RemoveConnection(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrNotFound
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, execErr := s.db.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
		if execErr != nil {
			return execErr
		}
		affected, execErr = res.RowsAffected()
		return execErr
	})
	if err != nil {
		return fmt.Errorf("remove connection %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SecretKey(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrNotFound
	}

	var secret string
	err := s.db.QueryRowContext(ctx, `
SELECT secret_key FROM connection_secrets WHERE connection_id = ?`, id).Scan(&secret)
	if err == sql.ErrNoRows {
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

func (s *SQLiteStore) SetSecretKey(ctx context.Context, id, secret string) error {
	id = strings.TrimSpace(id)
	secret = strings.TrimSpace(secret)
	if id == "" || secret == "" {
		return fmt.Errorf("connection id and secret are required")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `
INSERT INTO connection_secrets (connection_id, secret_key, updated_at)
VALUES (?, ?, ?)
ON CONFLICT (connection_id) DO UPDATE SET secret_key = excluded.secret_key, updated_at = excluded.updated_at`,
			id, secret, time.Now().UTC(),
		)
		return execErr
	})
	if err != nil {
		if isSQLiteForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("set secret for connection %q: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSecretKey(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM connection_secrets WHERE connection_id = ?`, id)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete secret for connection %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (Connection, error) {
	var (
		item      Connection
		createdAt time.Time
		updatedAt time.Time
	)
	if err := row.Scan(&item.ID, &item.Name, &item.URL, &item.PublicKey, &createdAt, &updatedAt); err != nil {
		return Connection{}, err
	}
	item.CreatedAt = createdAt.UTC()
	item.UpdatedAt = updatedAt.UTC()
	return item, nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so connection edits
// survive a concurrent writer holding the database lock.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

func isSQLiteConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint") || strings.Contains(value, "constraint failed")
}

func isSQLiteForeignKeyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "foreign key")
}
