package model

import (
	"maps"
	"slices"
	"time"
)

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchPending             BatchStatus = "PENDING"
	BatchRunning             BatchStatus = "RUNNING"
	BatchCompleted           BatchStatus = "COMPLETED"
	BatchCompletedWithErrors BatchStatus = "COMPLETED_WITH_ERRORS"
	BatchFailed              BatchStatus = "FAILED"
	BatchCancelled           BatchStatus = "CANCELLED"
)

// Terminal reports whether the batch has resolved.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchCompletedWithErrors, BatchFailed, BatchCancelled:
		return true
	default:
		return false
	}
}

// ItemStatus is the state of a single chain in a batch.
type ItemStatus string

const (
	ItemPending   ItemStatus = "PENDING"
	ItemRunning   ItemStatus = "RUNNING"
	ItemCompleted ItemStatus = "COMPLETED"
	ItemFailed    ItemStatus = "FAILED"
	ItemSkipped   ItemStatus = "SKIPPED"
)

// ItemResult records the terminal outcome of one chain.
type ItemResult struct {
	UploadID string     `json:"upload_id"`
	Status   ItemStatus `json:"status"`
	Stage    string     `json:"stage,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	ReportID string     `json:"report_id,omitempty"`
}

// BatchProgress summarizes a batch for pollers.
type BatchProgress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped,omitempty"`
}

// BatchTask tracks a submitted batch of report chains.
type BatchTask struct {
	BatchID     string                `json:"batch_id"`
	Destination string                `json:"destination"`
	Concurrency int                   `json:"concurrency"`
	References  []ReportReference     `json:"references"`
	Items       map[string]ItemResult `json:"results"`
	Status      BatchStatus           `json:"status"`
	Progress    BatchProgress         `json:"progress"`
	CreatedAt   time.Time             `json:"created_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// Snapshot returns a deep copy safe to hand to callers.
func (b *BatchTask) Snapshot() *BatchTask {
	cp := *b
	cp.References = slices.Clone(b.References)
	cp.Items = maps.Clone(b.Items)
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Failures returns failure reasons keyed by upload id.
func (b *BatchTask) Failures() map[string]string {
	out := make(map[string]string)
	for id, it := range b.Items {
		if it.Status == ItemFailed {
			out[id] = it.Reason
		}
	}
	return out
}
