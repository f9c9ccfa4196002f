package resilience

import (
	"time"

	"github.com/sells-group/fundsync/internal/model"
)

// DLQEntry records a document whose chain failed so it can be retried later.
type DLQEntry struct {
	ID           string                `json:"id"`
	UploadID     string                `json:"upload_id"`
	Reference    model.ReportReference `json:"reference"`
	BatchID      string                `json:"batch_id,omitempty"`
	Stage        string                `json:"stage"`
	Error        string                `json:"error"`
	ErrorType    string                `json:"error_type"` // ErrorType* constant
	RetryCount   int                   `json:"retry_count"`
	MaxRetries   int                   `json:"max_retries"`
	NextRetryAt  time.Time             `json:"next_retry_at"`
	CreatedAt    time.Time             `json:"created_at"`
	LastFailedAt time.Time             `json:"last_failed_at"`
}

// DLQFilter specifies criteria for querying the dead letter queue.
type DLQFilter struct {
	ErrorType string `json:"error_type,omitempty"` // "" for all
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable,omitempty"` // only entries with retries left
	Limit     int    `json:"limit,omitempty"`
}
