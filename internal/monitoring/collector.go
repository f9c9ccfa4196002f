// Package monitoring evaluates batch outcomes and queue health against
// thresholds and posts alerts to a webhook.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

// MetricsSnapshot holds a point-in-time view of ingestion health.
type MetricsSnapshot struct {
	// Batch metrics. Zero when the snapshot is not tied to a batch.
	BatchID       string  `json:"batch_id,omitempty"`
	BatchTotal    int     `json:"batch_total"`
	BatchComplete int     `json:"batch_complete"`
	BatchFailed   int     `json:"batch_failed"`
	BatchFailRate float64 `json:"batch_fail_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// OpenCircuits lists destinations whose breaker is open.
	OpenCircuits []string `json:"open_circuits,omitempty"`

	CollectedAt time.Time `json:"collected_at"`
}

// DLQCounter is the store method the collector needs.
type DLQCounter interface {
	CountDLQ(ctx context.Context) (int, error)
}

// BreakerSource reports circuit breaker states by destination.
type BreakerSource interface {
	Breakers() map[string]resilience.CircuitState
}

// Collector gathers metrics from the store and the orchestrator.
type Collector struct {
	dlq      DLQCounter
	breakers BreakerSource
}

// NewCollector creates a collector. Either source may be nil.
func NewCollector(dlq DLQCounter, breakers BreakerSource) *Collector {
	return &Collector{dlq: dlq, breakers: breakers}
}

// Collect gathers a snapshot. task may be nil for a periodic check.
func (c *Collector) Collect(ctx context.Context, task *model.BatchTask) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	if task != nil {
		snap.BatchID = task.BatchID
		snap.BatchTotal = task.Progress.Total
		snap.BatchComplete = task.Progress.Completed
		snap.BatchFailed = task.Progress.Failed
		if finished := snap.BatchComplete + snap.BatchFailed; finished > 0 {
			snap.BatchFailRate = float64(snap.BatchFailed) / float64(finished)
		}
	}

	if c.dlq != nil {
		depth, err := c.dlq.CountDLQ(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: count dlq")
		}
		snap.DLQDepth = depth
	}

	if c.breakers != nil {
		for dest, state := range c.breakers.Breakers() {
			if state == resilience.CircuitOpen {
				snap.OpenCircuits = append(snap.OpenCircuits, dest)
			}
		}
	}

	return snap, nil
}
