// migrate.go -- embedded SQL migrations for the audit log schema.
package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
)

// Migrate applies pending *.sql files from migrationsFS in lexical order and
// returns how many were applied. Each file runs in its own transaction together
// with its schema_migrations row, so a failed file leaves no partial state.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) (int, error) {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("creating schema_migrations table: %w", err)
	}

	files, err := fs.Glob(migrationsFS, "*.sql")
	if err != nil {
		return 0, fmt.Errorf("listing migration files: %w", err)
	}
	sort.Strings(files)

	applied := 0
	for _, name := range files {
		var done bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)", name,
		).Scan(&done); err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", name, err)
		}
		if done {
			slog.Debug("migration already applied", "version", name)
			continue
		}

		body, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return applied, fmt.Errorf("reading migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, name, string(body)); err != nil {
			return applied, err
		}
		applied++
		slog.Info("migration applied", "version", name)
	}
	return applied, nil
}

func (s *PostgresStore) applyMigration(ctx context.Context, name, body string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for %s: %w", name, err)
	}
	// Rollback after Commit is a no-op.
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, body); err != nil {
		return fmt.Errorf("executing migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", name); err != nil {
		return fmt.Errorf("recording migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %s: %w", name, err)
	}
	return nil
}
