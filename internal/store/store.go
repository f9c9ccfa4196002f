// Package store persists parsed fund reports and dead-lettered chains.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

var (
	// ErrNotFound is returned when no report exists for an upload id.
	ErrNotFound = eris.New("store: not found")
	// ErrInvalidReport is returned for a nil report or an empty upload id.
	ErrInvalidReport = eris.New("store: invalid report")
)

// StoredReport is a persisted report with its bookkeeping columns.
type StoredReport struct {
	ID         string                 `json:"id"`
	UploadID   string                 `json:"upload_id"`
	SourcePath string                 `json:"source_path,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	Report     model.ParsedFundReport `json:"report"`
}

// Store is the persistence gateway for the ingestion pipeline.
type Store interface {
	// Save writes the report and its child rows in one transaction. Saving
	// an upload id that already exists is a no-op returning the existing id.
	Save(ctx context.Context, report *model.ParsedFundReport, uploadID, sourcePath string) (string, error)
	Exists(ctx context.Context, uploadID string) (bool, error)
	GetReport(ctx context.Context, uploadID string) (*StoredReport, error)

	// Dead letters, keyed by upload id.
	EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error
	ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error)
	RemoveDLQ(ctx context.Context, uploadID string) error
	CountDLQ(ctx context.Context) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func validateSave(report *model.ParsedFundReport, uploadID string) error {
	if report == nil {
		return eris.Wrap(ErrInvalidReport, "nil report")
	}
	if uploadID == "" {
		return eris.Wrap(ErrInvalidReport, "empty upload id")
	}
	return nil
}

const dlqDefaultLimit = 100

func dlqLimit(filter resilience.DLQFilter) int {
	if filter.Limit <= 0 {
		return dlqDefaultLimit
	}
	return filter.Limit
}

// child row columns shared by both backends.
var (
	assetColumns    = []string{"report_id", "position", "asset_type", "market_value", "percentage"}
	holdingColumns  = []string{"report_id", "rank", "security_code", "security_name", "shares", "market_value", "percentage"}
	industryColumns = []string{"report_id", "position", "industry_name", "industry_code", "market_value", "percentage"}
	fundColumns     = []string{"fund_code", "fund_name", "manager", "last_report_id", "updated_at"}
)
