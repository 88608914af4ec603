// Package migrations embeds the connection-store schema and applies it
// on startup. Applied file names are recorded in schema_migrations, and
// each file is claimed inside its own transaction so two processes
// racing over the same database never run a migration twice.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

const (
	// DriverSQLite applies migrations from migrations/sqlite.
	DriverSQLite = "sqlite"
	// DriverPostgres applies migrations from migrations/postgres.
	DriverPostgres = "postgres"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// dialect holds the driver-specific SQL for migration bookkeeping.
type dialect struct {
	ensureTable string
	claimRow    string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		ensureTable: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`,
		claimRow: `INSERT OR IGNORE INTO schema_migrations (name) VALUES (?)`,
	},
	DriverPostgres: {
		ensureTable: `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		claimRow: `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`,
	},
}

// Apply runs every embedded migration for the selected driver in
// lexicographic order. Already-applied migrations are skipped.
func Apply(ctx context.Context, db *sql.DB, driver string) error {
	if db == nil {
		return fmt.Errorf("database is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	driver = strings.ToLower(strings.TrimSpace(driver))
	d, ok := dialects[driver]
	if !ok {
		return fmt.Errorf("unsupported migration driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, d.ensureTable); err != nil {
		return fmt.Errorf("ensure schema_migrations table: %w", err)
	}

	for _, name := range migrationFiles(driver) {
		body, err := embedded.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, d, name, string(body)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

// migrationFiles lists the driver's embedded .sql files in apply order.
func migrationFiles(driver string) []string {
	entries, err := fs.ReadDir(embedded, driver)
	if err != nil {
		return nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(strings.ToLower(entry.Name()), ".sql") {
			continue
		}
		names = append(names, path.Join(driver, entry.Name()))
	}
	sort.Strings(names)
	return names
}

// applyOne claims and executes a single migration in one transaction.
// A lost claim race rolls back and reports success.
func applyOne(ctx context.Context, db *sql.DB, d dialect, name, statement string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, d.claimRow, name)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert schema_migrations row: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("read insert row count: %w", err)
	}
	if affected == 0 {
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rollback transaction: %w", err)
		}
		return nil
	}

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("execute migration sql: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
