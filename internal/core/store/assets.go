package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/namelens/symscan/internal/core"
)

const (
	defaultChunkSize = 100
	assetColumns     = `id, symbol, base_currency, quote_currency, is_valid, reason, min_order_size,
		last_validation, validation_data, created_at, updated_at`
	upsertColumns = `(id, symbol, base_currency, quote_currency, is_valid, reason,
		last_validation, validation_data, created_at, updated_at)`
	upsertConflict = `
		ON CONFLICT(symbol) DO UPDATE SET
			is_valid = excluded.is_valid,
			reason = excluded.reason,
			last_validation = excluded.last_validation,
			validation_data = excluded.validation_data,
			updated_at = excluded.updated_at`
	upsertPlaceholders = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
)

// AssetQuery filters ListAssets.
type AssetQuery struct {
	ValidOnly   bool
	InvalidOnly bool
	Quote       string
	Limit       int
}

// RowError is a single record that could not be written.
type RowError struct {
	Symbol string
	Err    error
}

// UpsertReport summarizes a bulk write.
type UpsertReport struct {
	Written int
	Failed  []RowError
}

// GetBySymbol returns the asset for symbol, or nil when none is stored.
func (s *Store) GetBySymbol(ctx context.Context, symbol string) (*core.Asset, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return nil, errors.New("symbol is required")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE symbol = ?`, symbol)
	asset, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch asset: %w", err)
	}
	return asset, nil
}

// Create inserts a new asset record. ID and timestamps are assigned when
// empty; base and quote are derived from the symbol when missing.
func (s *Store) Create(ctx context.Context, asset core.Asset) (*core.Asset, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	base, quote, ok := core.SplitSymbol(asset.Symbol)
	if !ok {
		return nil, fmt.Errorf("invalid symbol %q", asset.Symbol)
	}
	asset.Symbol = base + "/" + quote
	if asset.BaseCurrency == "" {
		asset.BaseCurrency = base
	}
	if asset.QuoteCurrency == "" {
		asset.QuoteCurrency = quote
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	now := time.Now().UTC().Truncate(time.Second)
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}
	asset.UpdatedAt = now

	data, err := encodeData(asset.ValidationData)
	if err != nil {
		return nil, err
	}

	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO assets (`+assetColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, asset.ID, asset.Symbol, asset.BaseCurrency, asset.QuoteCurrency, boolToInt(asset.IsValid),
		nullString(asset.Reason), asset.MinOrderSize.String(), nullTime(asset.LastValidation), data,
		asset.CreatedAt.Unix(), asset.UpdatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}
	return &asset, nil
}

// ListAssets returns stored assets ordered by symbol.
func (s *Store) ListAssets(ctx context.Context, q AssetQuery) ([]core.Asset, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}

	var (
		clauses []string
		args    []any
	)
	switch {
	case q.ValidOnly && q.InvalidOnly:
		return nil, errors.New("valid-only and invalid-only are mutually exclusive")
	case q.ValidOnly:
		clauses = append(clauses, "is_valid = 1")
	case q.InvalidOnly:
		clauses = append(clauses, "is_valid = 0")
	}
	if quote := strings.ToUpper(strings.TrimSpace(q.Quote)); quote != "" {
		clauses = append(clauses, "quote_currency = ?")
		args = append(args, quote)
	}

	query := `SELECT ` + assetColumns + ` FROM assets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY symbol"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	assets := []core.Asset{}
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("list assets: %w", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// BulkUpsertValidation writes validation results in one transaction. Rows
// are inserted chunkSize at a time; when a chunk fails its rows are retried
// one by one and the ones that still fail are reported, not fatal.
func (s *Store) BulkUpsertValidation(ctx context.Context, results []core.ValidationResult, chunkSize int) (UpsertReport, error) {
	var report UpsertReport

	ctx, err := s.ready(ctx)
	if err != nil {
		return report, err
	}
	if len(results) == 0 {
		return report, nil
	}
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}

	rows := make([][]any, 0, len(results))
	symbols := make([]string, 0, len(results))
	now := time.Now().UTC().Unix()
	for _, r := range results {
		args, err := upsertArgs(r, now)
		if err != nil {
			report.Failed = append(report.Failed, RowError{Symbol: r.Symbol, Err: err})
			continue
		}
		rows = append(rows, args)
		symbols = append(symbols, r.Symbol)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin validation upsert: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	for start := 0; start < len(rows); start += chunkSize {
		end := min(start+chunkSize, len(rows))
		if err := execChunk(ctx, tx, rows[start:end]); err == nil {
			report.Written += end - start
			continue
		}
		for i := start; i < end; i++ {
			if err := execChunk(ctx, tx, rows[i:i+1]); err != nil {
				report.Failed = append(report.Failed, RowError{Symbol: symbols[i], Err: err})
				continue
			}
			report.Written++
		}
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit validation upsert: %w", err)
	}
	return report, nil
}

func execChunk(ctx context.Context, tx *sql.Tx, rows [][]any) error {
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)*10)
	for i, row := range rows {
		placeholders[i] = upsertPlaceholders
		args = append(args, row...)
	}
	query := `INSERT INTO assets ` + upsertColumns + ` VALUES ` + strings.Join(placeholders, ", ") + upsertConflict
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func upsertArgs(r core.ValidationResult, now int64) ([]any, error) {
	base, quote, ok := core.SplitSymbol(r.Symbol)
	if !ok {
		return nil, fmt.Errorf("invalid symbol %q", r.Symbol)
	}

	data, err := encodeData(r.Data)
	if err != nil {
		return nil, err
	}

	validated := r.ValidatedAt
	if validated.IsZero() {
		validated = time.Unix(now, 0)
	}

	return []any{
		uuid.NewString(), base + "/" + quote, base, quote, boolToInt(r.IsValid), nullString(r.Reason),
		validated.UTC().Unix(), data, now, now,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (*core.Asset, error) {
	var (
		asset          core.Asset
		isValid        int
		reason         sql.NullString
		minOrderSize   string
		lastValidation sql.NullInt64
		data           sql.NullString
		createdAt      int64
		updatedAt      int64
	)
	if err := row.Scan(&asset.ID, &asset.Symbol, &asset.BaseCurrency, &asset.QuoteCurrency, &isValid,
		&reason, &minOrderSize, &lastValidation, &data, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	asset.IsValid = isValid != 0
	asset.Reason = reason.String
	asset.MinOrderSize, _ = decimal.NewFromString(minOrderSize)
	if lastValidation.Valid {
		value := time.Unix(lastValidation.Int64, 0).UTC()
		asset.LastValidation = &value
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &asset.ValidationData); err != nil {
			return nil, fmt.Errorf("decode validation data for %s: %w", asset.Symbol, err)
		}
	}
	asset.CreatedAt = time.Unix(createdAt, 0).UTC()
	asset.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &asset, nil
}

func encodeData(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode validation data: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func nullTime(value *time.Time) sql.NullInt64 {
	if value == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: value.UTC().Unix(), Valid: true}
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
