package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/namelens/symscan/internal/core"
)

// RecordScanRun inserts or updates a scan history row.
func (s *Store) RecordScanRun(ctx context.Context, run core.ScanRun) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("scan id is required")
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO scan_runs (id, strategy, state, started_at, finished_at,
			total_discovered, valid_count, invalid_count, error_count, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			strategy = excluded.strategy,
			state = excluded.state,
			finished_at = excluded.finished_at,
			total_discovered = excluded.total_discovered,
			valid_count = excluded.valid_count,
			invalid_count = excluded.invalid_count,
			error_count = excluded.error_count,
			error = excluded.error
	`, run.ID, run.Strategy, run.State, run.StartedAt.UTC().UnixMilli(), nullTimeMillis(run.FinishedAt),
		run.TotalDiscovered, run.ValidCount, run.InvalidCount, run.ErrorCount, nullString(run.Error))
	if err != nil {
		return fmt.Errorf("record scan run: %w", err)
	}
	return nil
}

// ListScanRuns returns the most recent scans first. A limit <= 0 returns all.
func (s *Store) ListScanRuns(ctx context.Context, limit int) ([]core.ScanRun, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, strategy, state, started_at, finished_at, total_discovered,
		valid_count, invalid_count, error_count, error
		FROM scan_runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	runs := []core.ScanRun{}
	for rows.Next() {
		var (
			run        core.ScanRun
			startedAt  int64
			finishedAt sql.NullInt64
			errText    sql.NullString
		)
		if err := rows.Scan(&run.ID, &run.Strategy, &run.State, &startedAt, &finishedAt,
			&run.TotalDiscovered, &run.ValidCount, &run.InvalidCount, &run.ErrorCount, &errText); err != nil {
			return nil, fmt.Errorf("scan scan runs: %w", err)
		}
		run.StartedAt = time.UnixMilli(startedAt).UTC()
		if finishedAt.Valid {
			value := time.UnixMilli(finishedAt.Int64).UTC()
			run.FinishedAt = &value
		}
		run.Error = errText.String
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list scan runs: %w", err)
	}
	return runs, nil
}

func nullTimeMillis(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UTC().UnixMilli(), Valid: true}
}
