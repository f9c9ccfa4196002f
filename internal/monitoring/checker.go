package monitoring

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/config"
	"github.com/sells-group/fundsync/internal/model"
)

// Checker raises alerts after each finished batch and on a timer while the
// server runs. Standing conditions (DLQ depth, open circuits) are sent when
// they appear and again only after they clear; batch failure alerts are sent
// for every batch that breaches the threshold.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration

	mu     sync.Mutex
	active map[string]bool
}

// NewChecker creates a checker. A non-positive check interval uses 5m.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		active:    make(map[string]bool),
	}
}

// Run checks standing conditions every interval until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring"))
	log.Info("watching dlq and circuits", zap.Duration("interval", c.interval))

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Check(ctx, nil)
		}
	}
}

// Check evaluates a snapshot, including task's progress when task is not
// nil, and sends the alerts that are new. It returns the alerts sent to the
// webhook queue, whether or not delivery succeeded.
func (c *Checker) Check(ctx context.Context, task *model.BatchTask) []Alert {
	log := zap.L().With(zap.String("component", "monitoring"))
	snap, err := c.collector.Collect(ctx, task)
	if err != nil {
		log.Error("collect metrics", zap.Error(err))
		return nil
	}

	fresh := c.raise(c.alerter.Evaluate(snap))
	if len(fresh) == 0 {
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, fresh)
	log.Info("alerts raised",
		zap.String("batch_id", snap.BatchID),
		zap.Int("raised", len(fresh)),
		zap.Int("delivered", sent),
	)
	return fresh
}

// raise filters alerts down to the ones not already standing and forgets
// standing conditions that no longer hold.
func (c *Checker) raise(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[string]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		key, standing := standingKey(a)
		if !standing {
			fresh = append(fresh, a)
			continue
		}
		current[key] = true
		if !c.active[key] {
			fresh = append(fresh, a)
		}
	}
	for key := range c.active {
		if !current[key] {
			zap.L().Info("alert cleared", zap.String("component", "monitoring"), zap.String("alert", key))
		}
	}
	c.active = current
	return fresh
}

// standingKey identifies a condition that persists across checks. A new
// destination opening its circuit is a new condition.
func standingKey(a Alert) (string, bool) {
	switch a.Type {
	case AlertDLQDepth:
		return string(a.Type), true
	case AlertCircuitOpen:
		dests, _ := a.Details["destinations"].([]string)
		dests = append([]string(nil), dests...)
		sort.Strings(dests)
		return string(a.Type) + ":" + strings.Join(dests, ","), true
	default:
		return "", false
	}
}
