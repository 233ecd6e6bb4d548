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

// StatsQuery selects endpoint statistics rows.
type StatsQuery struct {
	All      bool
	Endpoint string
	Prefix   string
}

// Validate requires exactly one way of selecting rows.
func (q StatsQuery) Validate() error {
	if q.All || strings.TrimSpace(q.Endpoint) != "" || strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --endpoint, or --prefix")
}

func (q StatsQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if endpoint := strings.TrimSpace(q.Endpoint); endpoint != "" {
		return "WHERE endpoint = ?", []any{endpoint}, nil
	}
	return "WHERE endpoint LIKE ?", []any{strings.TrimSpace(q.Prefix) + "%"}, nil
}

// SaveEndpointStats stores the latest gateway snapshot per endpoint.
func (s *Store) SaveEndpointStats(ctx context.Context, stats []core.EndpointStats) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin endpoint stats: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	now := time.Now().UTC()
	for _, st := range stats {
		endpoint := strings.TrimSpace(st.Endpoint)
		if endpoint == "" {
			continue
		}
		updated := st.UpdatedAt
		if updated.IsZero() {
			updated = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO endpoint_stats (endpoint, admitted, throttled, rate_limited, total_wait_ms, last_throttled_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(endpoint) DO UPDATE SET
				admitted = excluded.admitted,
				throttled = excluded.throttled,
				rate_limited = excluded.rate_limited,
				total_wait_ms = excluded.total_wait_ms,
				last_throttled_at = excluded.last_throttled_at,
				updated_at = excluded.updated_at
		`, endpoint, st.Admitted, st.Throttled, st.RateLimited, st.TotalWait.Milliseconds(),
			nullTime(st.LastThrottledAt), updated.UTC().Unix())
		if err != nil {
			return fmt.Errorf("store endpoint stats for %s: %w", endpoint, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit endpoint stats: %w", err)
	}
	return nil
}

// ListEndpointStats returns matching rows ordered by endpoint.
func (s *Store) ListEndpointStats(ctx context.Context, q StatsQuery) ([]core.EndpointStats, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT endpoint, admitted, throttled, rate_limited, total_wait_ms, last_throttled_at, updated_at
		FROM endpoint_stats
		%s
		ORDER BY endpoint
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoint stats: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	stats := []core.EndpointStats{}
	for rows.Next() {
		var (
			st            core.EndpointStats
			totalWaitMS   int64
			lastThrottled sql.NullInt64
			updatedAt     int64
		)
		if err := rows.Scan(&st.Endpoint, &st.Admitted, &st.Throttled, &st.RateLimited,
			&totalWaitMS, &lastThrottled, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint stats: %w", err)
		}
		st.TotalWait = time.Duration(totalWaitMS) * time.Millisecond
		if lastThrottled.Valid {
			value := time.Unix(lastThrottled.Int64, 0).UTC()
			st.LastThrottledAt = &value
		}
		st.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint stats: %w", err)
	}
	return stats, nil
}

// ResetEndpointStats deletes matching rows and reports how many were removed.
func (s *Store) ResetEndpointStats(ctx context.Context, q StatsQuery) (int64, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return 0, err
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM endpoint_stats %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset endpoint stats: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset endpoint stats: %w", err)
	}
	return affected, nil
}
