package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers and keeps the pragmas in effect.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS fund_reports (
	id               TEXT PRIMARY KEY,
	upload_id        TEXT NOT NULL UNIQUE,
	fund_code        TEXT NOT NULL DEFAULT '',
	fund_name        TEXT NOT NULL DEFAULT '',
	manager          TEXT NOT NULL DEFAULT '',
	report_type      TEXT NOT NULL DEFAULT '',
	report_year      INTEGER NOT NULL DEFAULT 0,
	report_quarter   INTEGER NOT NULL DEFAULT 0,
	period_start     TEXT,
	period_end       TEXT,
	net_asset_value  TEXT,
	total_net_assets TEXT,
	source_path      TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS asset_allocations (
	report_id    TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	position     INTEGER NOT NULL,
	asset_type   TEXT NOT NULL,
	market_value TEXT,
	percentage   TEXT,
	PRIMARY KEY (report_id, position)
);

CREATE TABLE IF NOT EXISTS top_holdings (
	report_id     TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	rank          INTEGER NOT NULL,
	security_code TEXT NOT NULL DEFAULT '',
	security_name TEXT NOT NULL DEFAULT '',
	shares        TEXT,
	market_value  TEXT,
	percentage    TEXT,
	PRIMARY KEY (report_id, rank)
);

CREATE TABLE IF NOT EXISTS industry_allocations (
	report_id     TEXT NOT NULL REFERENCES fund_reports(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	industry_name TEXT NOT NULL,
	industry_code TEXT NOT NULL DEFAULT '',
	market_value  TEXT,
	percentage    TEXT,
	PRIMARY KEY (report_id, position)
);

CREATE TABLE IF NOT EXISTS funds (
	fund_code      TEXT PRIMARY KEY,
	fund_name      TEXT NOT NULL DEFAULT '',
	manager        TEXT NOT NULL DEFAULT '',
	last_report_id TEXT NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	upload_id      TEXT PRIMARY KEY,
	id             TEXT NOT NULL,
	reference      TEXT NOT NULL,
	batch_id       TEXT NOT NULL DEFAULT '',
	stage          TEXT NOT NULL,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	last_failed_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fund_reports_fund_code ON fund_reports(fund_code);
CREATE INDEX IF NOT EXISTS idx_dead_letters_error_type ON dead_letters(error_type);
`

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, report *model.ParsedFundReport, uploadID, sourcePath string) (string, error) {
	if err := validateSave(report, uploadID); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: begin save")
	}
	defer tx.Rollback() //nolint:errcheck

	id := uuid.New().String()
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fund_reports (id, upload_id, fund_code, fund_name, manager, report_type, report_year,
		   report_quarter, period_start, period_end, net_asset_value, total_net_assets, source_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id) DO NOTHING`,
		id, uploadID, report.FundCode, report.FundName, report.Manager, string(report.ReportType),
		report.ReportYear, report.ReportQuarter, dateText(report.PeriodStart), dateText(report.PeriodEnd),
		decimalText(report.NetAssetValue), decimalText(report.TotalNetAssets), sourcePath, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert report %s", uploadID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var existing string
		err := tx.QueryRowContext(ctx, `SELECT id FROM fund_reports WHERE upload_id = ?`, uploadID).Scan(&existing)
		return existing, eris.Wrapf(err, "sqlite: lookup existing report %s", uploadID)
	}

	for i, a := range report.AssetAllocations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO asset_allocations (report_id, position, asset_type, market_value, percentage) VALUES (?, ?, ?, ?, ?)`,
			id, i+1, a.AssetType, decimalText(a.MarketValue), decimalText(a.Percentage),
		); err != nil {
			return "", eris.Wrap(err, "sqlite: insert asset allocation")
		}
	}
	for _, h := range report.TopHoldings {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO top_holdings (report_id, rank, security_code, security_name, shares, market_value, percentage) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, h.Rank, h.SecurityCode, h.SecurityName, decimalText(h.Shares), decimalText(h.MarketValue), decimalText(h.Percentage),
		); err != nil {
			return "", eris.Wrap(err, "sqlite: insert top holding")
		}
	}
	for i, ind := range report.IndustryAllocations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO industry_allocations (report_id, position, industry_name, industry_code, market_value, percentage) VALUES (?, ?, ?, ?, ?, ?)`,
			id, i+1, ind.IndustryName, ind.IndustryCode, decimalText(ind.MarketValue), decimalText(ind.Percentage),
		); err != nil {
			return "", eris.Wrap(err, "sqlite: insert industry allocation")
		}
	}
	if report.FundCode != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO funds (fund_code, fund_name, manager, last_report_id, updated_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (fund_code) DO UPDATE SET
			   fund_name = excluded.fund_name, manager = excluded.manager,
			   last_report_id = excluded.last_report_id, updated_at = excluded.updated_at`,
			report.FundCode, report.FundName, report.Manager, id, now,
		); err != nil {
			return "", eris.Wrap(err, "sqlite: upsert fund")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", eris.Wrap(err, "sqlite: commit save")
	}
	return id, nil
}

// Exists implements Store.
func (s *SQLiteStore) Exists(ctx context.Context, uploadID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM fund_reports WHERE upload_id = ?`, uploadID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: exists %s", uploadID)
	}
	return true, nil
}

// GetReport implements Store.
func (s *SQLiteStore) GetReport(ctx context.Context, uploadID string) (*StoredReport, error) {
	var sr StoredReport
	var reportType string
	var start, end, nav, tna sql.NullString
	r := &sr.Report
	err := s.db.QueryRowContext(ctx,
		`SELECT id, upload_id, fund_code, fund_name, manager, report_type, report_year, report_quarter,
		   period_start, period_end, net_asset_value, total_net_assets, source_path, created_at
		 FROM fund_reports WHERE upload_id = ?`, uploadID,
	).Scan(&sr.ID, &sr.UploadID, &r.FundCode, &r.FundName, &r.Manager, &reportType, &r.ReportYear,
		&r.ReportQuarter, &start, &end, &nav, &tna, &sr.SourcePath, &sr.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "report %s", uploadID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get report %s", uploadID)
	}
	r.ReportType = model.ReportType(reportType)
	r.PeriodStart = parseDateText(start)
	r.PeriodEnd = parseDateText(end)
	r.NetAssetValue = parseDecimalText(nav)
	r.TotalNetAssets = parseDecimalText(tna)

	if err := s.loadChildren(ctx, &sr); err != nil {
		return nil, err
	}
	return &sr, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, sr *StoredReport) error {
	r := &sr.Report

	rows, err := s.db.QueryContext(ctx,
		`SELECT asset_type, market_value, percentage FROM asset_allocations WHERE report_id = ? ORDER BY position`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: query asset allocations")
	}
	for rows.Next() {
		var a model.AssetAllocation
		var mv, pct sql.NullString
		if err := rows.Scan(&a.AssetType, &mv, &pct); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: scan asset allocation")
		}
		a.MarketValue, a.Percentage = parseDecimalText(mv), parseDecimalText(pct)
		r.AssetAllocations = append(r.AssetAllocations, a)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate asset allocations")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT rank, security_code, security_name, shares, market_value, percentage FROM top_holdings WHERE report_id = ? ORDER BY rank`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: query top holdings")
	}
	for rows.Next() {
		var h model.TopHolding
		var shares, mv, pct sql.NullString
		if err := rows.Scan(&h.Rank, &h.SecurityCode, &h.SecurityName, &shares, &mv, &pct); err != nil {
			rows.Close() //nolint:errcheck
			return eris.Wrap(err, "sqlite: scan top holding")
		}
		h.Shares, h.MarketValue, h.Percentage = parseDecimalText(shares), parseDecimalText(mv), parseDecimalText(pct)
		r.TopHoldings = append(r.TopHoldings, h)
	}
	rows.Close() //nolint:errcheck
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "sqlite: iterate top holdings")
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT industry_name, industry_code, market_value, percentage FROM industry_allocations WHERE report_id = ? ORDER BY position`, sr.ID)
	if err != nil {
		return eris.Wrap(err, "sqlite: query industry allocations")
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		var ind model.IndustryAllocation
		var mv, pct sql.NullString
		if err := rows.Scan(&ind.IndustryName, &ind.IndustryCode, &mv, &pct); err != nil {
			return eris.Wrap(err, "sqlite: scan industry allocation")
		}
		ind.MarketValue, ind.Percentage = parseDecimalText(mv), parseDecimalText(pct)
		r.IndustryAllocations = append(r.IndustryAllocations, ind)
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate industry allocations")
}

// Dead letter queue methods

// EnqueueDLQ records a failed chain. A repeat failure of the same upload id
// bumps its retry count.
func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.UploadID == "" {
		entry.UploadID = entry.Reference.UploadID
	}
	ref, err := json.Marshal(entry.Reference)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal dlq reference")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters
		 (upload_id, id, reference, batch_id, stage, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id) DO UPDATE SET
		   batch_id = excluded.batch_id, stage = excluded.stage, error = excluded.error,
		   error_type = excluded.error_type, retry_count = dead_letters.retry_count + 1,
		   next_retry_at = excluded.next_retry_at, last_failed_at = excluded.last_failed_at`,
		entry.UploadID, entry.ID, string(ref), entry.BatchID, entry.Stage, entry.Error, entry.ErrorType,
		entry.RetryCount, entry.MaxRetries, entry.NextRetryAt.UTC(), entry.CreatedAt.UTC(), entry.LastFailedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue dlq")
}

// ListDLQ returns dead letters matching the filter, most recent failure first.
func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT id, upload_id, reference, batch_id, stage, error, error_type, retry_count, max_retries,
	            next_retry_at, created_at, last_failed_at
	          FROM dead_letters WHERE 1 = 1`
	var args []any
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, filter.Stage)
	}
	if filter.Retryable {
		query += ` AND retry_count < max_retries`
	}
	query += ` ORDER BY last_failed_at DESC LIMIT ?`
	args = append(args, dlqLimit(filter))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close() //nolint:errcheck

	var entries []resilience.DLQEntry
	for rows.Next() {
		var e resilience.DLQEntry
		var ref string
		if err := rows.Scan(&e.ID, &e.UploadID, &ref, &e.BatchID, &e.Stage, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dlq entry")
		}
		if err := json.Unmarshal([]byte(ref), &e.Reference); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal dlq reference")
		}
		entries = append(entries, e)
	}
	return entries, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

// RemoveDLQ deletes the dead letter for an upload id, if any.
func (s *SQLiteStore) RemoveDLQ(ctx context.Context, uploadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE upload_id = ?`, uploadID)
	return eris.Wrap(err, "sqlite: remove dlq")
}

// CountDLQ returns the number of dead letters.
func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count dlq")
}

// helpers

const dateLayout = "2006-01-02"

func decimalText(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseDecimalText(s sql.NullString) *decimal.Decimal {
	if !s.Valid || s.String == "" {
		return nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil
	}
	return &d
}

func dateText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(dateLayout)
}

func parseDateText(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(dateLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
