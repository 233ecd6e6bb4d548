package store

import (
	"context"
	"database/sql"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL UNIQUE,
		base_currency TEXT NOT NULL,
		quote_currency TEXT NOT NULL,
		is_valid INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		min_order_size TEXT NOT NULL DEFAULT '0',
		last_validation INTEGER,
		validation_data TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_assets_valid ON assets(is_valid, symbol);`,
	`CREATE TABLE IF NOT EXISTS scan_runs (
		id TEXT PRIMARY KEY,
		strategy TEXT NOT NULL,
		state TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		total_discovered INTEGER NOT NULL DEFAULT 0,
		valid_count INTEGER NOT NULL DEFAULT 0,
		invalid_count INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_scan_runs_started ON scan_runs(started_at);`,
	`CREATE TABLE IF NOT EXISTS endpoint_stats (
		endpoint TEXT PRIMARY KEY,
		admitted INTEGER NOT NULL DEFAULT 0,
		throttled INTEGER NOT NULL DEFAULT 0,
		rate_limited INTEGER NOT NULL DEFAULT 0,
		total_wait_ms INTEGER NOT NULL DEFAULT 0,
		last_throttled_at INTEGER,
		updated_at INTEGER NOT NULL
	);`,
}

// Migrate creates missing tables and columns. It is safe to run on every
// start.
func (s *Store) Migrate(ctx context.Context) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	// Databases created before rejection reasons were stored lack the column.
	if err := s.ensureColumn(ctx, "assets", "reason", "TEXT"); err != nil {
		return err
	}

	return nil
}

func (s *Store) ensureColumn(ctx context.Context, table, column, columnDef string) error {
	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s schema: %w", table, err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return fmt.Errorf("inspect %s columns: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s columns: %w", table, err)
	}

	if _, err := s.DB.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, columnDef)); err != nil {
		return fmt.Errorf("add %s.%s column: %w", table, column, err)
	}

	return nil
}
