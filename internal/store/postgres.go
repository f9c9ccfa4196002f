package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/fundsync/internal/db"
	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS fund_reports (
	id               TEXT PRIMARY KEY,
	upload_id        TEXT NOT NULL UNIQUE,
	fund_code        TEXT NOT NULL DEFAULT '',
	fund_name        TEXT NOT NULL DEFAULT '',
	manager          TEXT NOT NULL DEFAULT '',
	report_type      TEXT NOT NULL DEFAULT '',
	report_year      INTEGER NOT NULL DEFAULT 0,
	report_quarter   INTEGER NOT NULL DEFAULT 0,
	period_start     DATE,
	period_end       DATE,
	net_asset_value  NUMERIC(20, 6),
	total_net_assets NUMERIC(24, 4),
	source_path      TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS asset_allocations (
	report_id    TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	asset_type   TEXT NOT NULL,
	market_value NUMERIC,
	percentage   NUMERIC(9, 4),
	PRIMARY KEY (report_id, position)
);

CREATE TABLE IF NOT EXISTS top_holdings (
	report_id     TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	rank          INTEGER NOT NULL CHECK (rank BETWEEN 1 AND 10),
	security_code TEXT NOT NULL DEFAULT '',
	security_name TEXT NOT NULL DEFAULT '',
	shares        NUMERIC,
	market_value  NUMERIC,
	percentage    NUMERIC(9, 4),
	PRIMARY KEY (report_id, rank)
);

CREATE TABLE IF NOT EXISTS industry_allocations (
	report_id     TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	industry_name TEXT NOT NULL,
	industry_code TEXT NOT NULL DEFAULT '',
	market_value  NUMERIC,
	percentage    NUMERIC(9, 4),
	PRIMARY KEY (report_id, position)
);

CREATE TABLE IF NOT EXISTS funds (
	fund_code      TEXT PRIMARY KEY,
	fund_name      TEXT NOT NULL DEFAULT '',
	manager        TEXT NOT NULL DEFAULT '',
	last_report_id TEXT NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	upload_id      TEXT PRIMARY KEY,
	id             TEXT NOT NULL,
	reference      JSONB NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_fund_reports_fund_code ON fund_reports(fund_code);
CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Save implements Store. Child rows are written with COPY inside the same
// transaction as the header row.
func (s *PostgresStore) Save(ctx context.Context, report *model.ParsedFundReport, uploadID, sourcePath string) (string, error) {
	if err := validateSave(report, uploadID); err != nil {
		return "", err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "postgres: begin save")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	id := uuid.New().String()
	now := time.Now().UTC()
	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO fund_reports (id, upload_id, fund_code, fund_name, manager, report_type, report_year,
		   report_quarter, period_start, period_end, net_asset_value, total_net_assets, source_path, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (upload_id) DO NOTHING
		 RETURNING id`,
		id, uploadID, report.FundCode, report.FundName, report.Manager, string(report.ReportType),
		report.ReportYear, report.ReportQuarter, report.PeriodStart, report.PeriodEnd,
		numeric(report.NetAssetValue), numeric(report.TotalNetAssets), sourcePath, now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM fund_reports WHERE upload_id = $1`, uploadID).Scan(&existing)
		return existing, eris.Wrapf(err, "postgres: lookup existing report %s", uploadID)
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert report %s", uploadID)
	}

	assets := make([][]any, 0, len(report.AssetAllocations))
	for i, a := range report.AssetAllocations {
		assets = append(assets, []any{id, i + 1, a.AssetType, numeric(a.MarketValue), numeric(a.Percentage)})
	}
	if _, err := db.CopyFrom(ctx, tx, "asset_allocations", assetColumns, assets); err != nil {
		return "", eris.Wrap(err, "postgres: save asset allocations")
	}

	holdings := make([][]any, 0, len(report.TopHoldings))
	for _, h := range report.TopHoldings {
		holdings = append(holdings, []any{id, h.Rank, h.SecurityCode, h.SecurityName,
			numeric(h.Shares), numeric(h.MarketValue), numeric(h.Percentage)})
	}
	if _, err := db.CopyFrom(ctx, tx, "top_holdings", holdingColumns, holdings); err != nil {
		return "", eris.Wrap(err, "postgres: save top holdings")
	}

	industries := make([][]any, 0, len(report.IndustryAllocations))
	for i, ind := range report.IndustryAllocations {
		industries = append(industries, []any{id, i + 1, ind.IndustryName, ind.IndustryCode,
			numeric(ind.MarketValue), numeric(ind.Percentage)})
	}
	if _, err := db.CopyFrom(ctx, tx, "industry_allocations", industryColumns, industries); err != nil {
		return "", eris.Wrap(err, "postgres: save industry allocations")
	}

	if report.FundCode != "" {
		if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        "funds",
			Columns:      fundColumns,
			ConflictKeys: []string{"fund_code"},
		}, [][]any{{report.FundCode, report.FundName, report.Manager, id, now}}); err != nil {
			return "", eris.Wrap(err, "postgres: upsert fund")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrap(err, "postgres: commit save")
	}
	return id, nil
}

// Exists implements Store.
func (s *PostgresStore) Exists(ctx context.Context, uploadID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM fund_reports WHERE upload_id = $1)`, uploadID,
	).Scan(&exists)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: exists %s", uploadID)
	}
	return exists, nil
}

// GetReport implements Store.
func (s *PostgresStore) GetReport(ctx context.Context, uploadID string) (*StoredReport, error) {
	var sr StoredReport
	var reportType string
	var nav, tna pgtype.Numeric
	r := &sr.Report
	err := s.pool.QueryRow(ctx,
		`SELECT id, upload_id, fund_code, fund_name, manager, report_type, report_year, report_quarter,
		   period_start, period_end, net_asset_value, total_net_assets, source_path, created_at
		 FROM fund_reports WHERE upload_id = $1`, uploadID,
	).Scan(&sr.ID, &sr.UploadID, &r.FundCode, &r.FundName, &r.Manager, &reportType, &r.ReportYear,
		&r.ReportQuarter, &r.PeriodStart, &r.PeriodEnd, &nav, &tna, &sr.SourcePath, &sr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "report %s", uploadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get report %s", uploadID)
	}
	r.ReportType = model.ReportType(reportType)
	r.NetAssetValue = fromNumeric(nav)
	r.TotalNetAssets = fromNumeric(tna)

	if err := s.loadChildren(ctx, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (s *PostgresStore) loadChildren(ctx context.Context, sr *StoredReport) error {
	r := &sr.Report

	rows, err := s.pool.Query(ctx,
		`SELECT asset_type, market_value, percentage FROM asset_allocations WHERE report_id = $1 ORDER BY position`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: query asset allocations")
	}
	r.AssetAllocations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AssetAllocation, error) {
		var a model.AssetAllocation
		var mv, pct pgtype.Numeric
		err := row.Scan(&a.AssetType, &mv, &pct)
		a.MarketValue, a.Percentage = fromNumeric(mv), fromNumeric(pct)
		return a, err
	})
	if err != nil {
		return eris.Wrap(err, "postgres: scan asset allocations")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT rank, security_code, security_name, shares, market_value, percentage FROM top_holdings WHERE report_id = $1 ORDER BY rank`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: query top holdings")
	}
	r.TopHoldings, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.TopHolding, error) {
		var h model.TopHolding
		var shares, mv, pct pgtype.Numeric
		err := row.Scan(&h.Rank, &h.SecurityCode, &h.SecurityName, &shares, &mv, &pct)
		h.Shares, h.MarketValue, h.Percentage = fromNumeric(shares), fromNumeric(mv), fromNumeric(pct)
		return h, err
	})
	if err != nil {
		return eris.Wrap(err, "postgres: scan top holdings")
	}

	rows, err = s.pool.Query(ctx,
		`SELECT industry_name, industry_code, market_value, percentage FROM industry_allocations WHERE report_id = $1 ORDER BY position`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "postgres: query industry allocations")
	}
	r.IndustryAllocations, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.IndustryAllocation, error) {
		var ind model.IndustryAllocation
		var mv, pct pgtype.Numeric
		err := row.Scan(&ind.IndustryName, &ind.IndustryCode, &mv, &pct)
		ind.MarketValue, ind.Percentage = fromNumeric(mv), fromNumeric(pct)
		return ind, err
	})
	return eris.Wrap(err, "postgres: scan industry allocations")
}

// Dead letter queue methods

// EnqueueDLQ records a failed chain. A repeat failure of the same upload id
// bumps its retry count.
func (s *PostgresStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.UploadID == "" {
		entry.UploadID = entry.Reference.UploadID
	}
	ref, err := json.Marshal(entry.Reference)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal dlq reference")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO dead_letters
		 (upload_id, id, reference, batch_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (upload_id) DO UPDATE SET
		   batch_id = $4, stage = $5, error = $6, error_type = $7,
		   retry_count = dead_letters.retry_count + 1, next_retry_at = $10, last_failed_at = $12`,
		entry.UploadID, entry.ID, ref, entry.BatchID, entry.Stage, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt, entry.CreatedAt, entry.LastFailedAt,
	)
	return eris.Wrap(err, "postgres: enqueue dlq")
}

// ListDLQ returns dead letters matching the filter, most recent failure first.
func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, upload_id, reference, batch_id, stage, error, error_type, retry_count, max_retries,
	            next_retry_at, created_at, last_failed_at
	          FROM dead_letters WHERE true`
	args := []any{}
	argIdx := 1

	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, filter.Stage)
		argIdx++
	}
	if filter.Retryable {
		query += ` AND retry_count < max_retries`
	}
	query += fmt.Sprintf(` ORDER BY last_failed_at DESC LIMIT $%d`, argIdx)
	args = append(args, dlqLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var ref []byte
		if err := rows.Scan(&e.ID, &e.UploadID, &ref, &e.BatchID, &e.Stage, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dlq entry")
		}
		if err := json.Unmarshal(ref, &e.Reference); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal dlq reference")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

// RemoveDLQ deletes the dead letter for an upload id, if any.
func (s *PostgresStore) RemoveDLQ(ctx context.Context, uploadID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE upload_id = $1`, uploadID)
	return eris.Wrap(err, "postgres: remove dlq")
}

// CountDLQ returns the number of dead letters.
func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count dlq")
}

// numeric converts an optional decimal into a NUMERIC parameter without
// going through float64.
func numeric(d *decimal.Decimal) pgtype.Numeric {
	if d == nil {
		return pgtype.Numeric{}
	}
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}
