package pipeline

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
	"github.com/sells-group/fundsync/internal/store"
)

var (
	// ErrEmptyBatch is returned when a batch has nothing to schedule.
	ErrEmptyBatch = eris.New("pipeline: batch has no references")
	// ErrCircuitOpen is returned when the destination's breaker sheds load.
	ErrCircuitOpen = eris.New("pipeline: circuit open")
	// ErrBatchNotFound is returned for unknown or pruned batch ids.
	ErrBatchNotFound = eris.New("pipeline: batch not found")
	// ErrUnknownDestination is returned for destinations outside Config.Destinations.
	ErrUnknownDestination = eris.New("pipeline: unknown destination")
)

// Reasons recorded on items the orchestrator resolves without running a chain.
const (
	ReasonAlreadyPersisted = "already persisted"
	ReasonCancelled        = "cancelled"
	ReasonCircuitOpen      = "circuit open"
)

// DefaultDestination keys the circuit breaker when a batch names none.
const DefaultDestination = "default"

// Config controls orchestration.
type Config struct {
	DefaultConcurrency int           // default: 3
	MaxConcurrency     int           // default: 16
	ChainTimeout       time.Duration // default: 5m
	Retention          time.Duration // default: 1h
	DLQMaxRetries      int           // default: 3
	Circuit            resilience.CircuitBreakerConfig

	// Destinations lists the accepted batch destinations; the first is the
	// default. Empty accepts any destination and defaults to "default".
	Destinations []string
}

func (c Config) withDefaults() Config {
	if c.DefaultConcurrency <= 0 {
		c.DefaultConcurrency = 3
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 16
	}
	if c.DefaultConcurrency > c.MaxConcurrency {
		c.DefaultConcurrency = c.MaxConcurrency
	}
	if c.ChainTimeout <= 0 {
		c.ChainTimeout = 5 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.DLQMaxRetries <= 0 {
		c.DLQMaxRetries = 3
	}
	return c
}

// BatchRequest is a batch submission.
type BatchRequest struct {
	References  []model.ReportReference `json:"references"`
	Destination string                  `json:"destination,omitempty"`
	Concurrency int                     `json:"concurrency,omitempty"`
}

type batchState struct {
	task      *model.BatchTask
	cancelled atomic.Bool
	done      chan struct{}
}

// Orchestrator fans batches out to chains and tracks their progress. All
// batch state lives behind mu; chains only touch it through record.
type Orchestrator struct {
	cfg      Config
	chain    Chain
	store    store.Store
	breakers *resilience.ServiceBreakers

	mu      sync.Mutex
	batches map[string]*batchState

	root    context.Context
	stop    context.CancelFunc
	running sync.WaitGroup

	nowFunc func() time.Time
}

// NewOrchestrator creates an orchestrator. Fatal chain errors (persistence
// or disk failures) count toward the per-destination circuit breaker.
func NewOrchestrator(cfg Config, chain Chain, st store.Store) *Orchestrator {
	cfg = cfg.withDefaults()
	circuit := cfg.Circuit
	if circuit.ShouldTrip == nil {
		circuit.ShouldTrip = resilience.IsFatal
	}
	if circuit.OnStateChange == nil {
		circuit.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("circuit breaker state change",
				zap.String("component", "pipeline"),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		}
	}
	root, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		chain:    chain,
		store:    st,
		breakers: resilience.NewServiceBreakers(circuit),
		batches:  make(map[string]*batchState),
		root:     root,
		stop:     stop,
		nowFunc:  time.Now,
	}
}

// Submit validates and schedules a batch, returning its id immediately. An
// empty batch is recorded as FAILED and its id is returned with
// ErrEmptyBatch.
func (o *Orchestrator) Submit(ctx context.Context, req BatchRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", eris.Wrap(err, "pipeline: submit")
	}
	destination, err := o.destination(req.Destination)
	if err != nil {
		return "", err
	}

	now := o.nowFunc()
	task := &model.BatchTask{
		BatchID:     uuid.New().String(),
		Destination: destination,
		Concurrency: o.concurrency(req.Concurrency),
		References:  dedupe(req.References),
		Items:       make(map[string]model.ItemResult),
		Status:      model.BatchPending,
		CreatedAt:   now,
	}
	st := &batchState{task: task, done: make(chan struct{})}

	if len(task.References) == 0 {
		task.Status = model.BatchFailed
		task.FinishedAt = &now
		close(st.done)
		o.register(st)
		return task.BatchID, ErrEmptyBatch
	}
	if !o.breakers.Get(destination).Ready() {
		return "", eris.Wrapf(ErrCircuitOpen, "destination %s", destination)
	}

	for _, ref := range task.References {
		task.Items[ref.UploadID] = model.ItemResult{UploadID: ref.UploadID, Status: model.ItemPending}
	}
	task.Progress.Total = len(task.References)
	task.Status = model.BatchRunning
	o.register(st)

	zap.L().Info("batch submitted",
		zap.String("component", "pipeline"),
		zap.String("batch_id", task.BatchID),
		zap.String("destination", destination),
		zap.Int("references", len(task.References)),
		zap.Int("concurrency", task.Concurrency),
	)

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		o.run(st)
	}()
	return task.BatchID, nil
}

// Status returns a snapshot of the batch.
func (o *Orchestrator) Status(batchID string) (*model.BatchTask, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.batches[batchID]
	if !ok {
		return nil, eris.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	return st.task.Snapshot(), nil
}

// Cancel stops chains of the batch that have not started yet. Chains in
// flight run to completion. Cancelling a finished batch is a no-op.
func (o *Orchestrator) Cancel(batchID string) error {
	o.mu.Lock()
	st, ok := o.batches[batchID]
	o.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	if st.cancelled.CompareAndSwap(false, true) {
		zap.L().Info("batch cancel requested",
			zap.String("component", "pipeline"),
			zap.String("batch_id", batchID),
		)
	}
	return nil
}

// Wait blocks until the batch resolves or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, batchID string) (*model.BatchTask, error) {
	o.mu.Lock()
	st, ok := o.batches[batchID]
	o.mu.Unlock()
	if !ok {
		return nil, eris.Wrapf(ErrBatchNotFound, "batch %s", batchID)
	}
	select {
	case <-st.done:
		return o.Status(batchID)
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "pipeline: wait")
	}
}

// Breakers exposes circuit states for health reporting.
func (o *Orchestrator) Breakers() map[string]resilience.CircuitState {
	return o.breakers.States()
}

// Close aborts all running chains and waits for their batches to resolve.
func (o *Orchestrator) Close() {
	o.stop()
	o.running.Wait()
}

// destination resolves the breaker key for a request. Only configured
// destinations get a breaker, which keeps the breaker set bounded.
func (o *Orchestrator) destination(name string) (string, error) {
	if len(o.cfg.Destinations) == 0 {
		if name == "" {
			return DefaultDestination, nil
		}
		return name, nil
	}
	if name == "" {
		return o.cfg.Destinations[0], nil
	}
	if slices.Contains(o.cfg.Destinations, name) {
		return name, nil
	}
	return "", eris.Wrapf(ErrUnknownDestination, "destination %q", name)
}

func (o *Orchestrator) concurrency(n int) int {
	switch {
	case n <= 0:
		return o.cfg.DefaultConcurrency
	case n > o.cfg.MaxConcurrency:
		return o.cfg.MaxConcurrency
	default:
		return n
	}
}

func (o *Orchestrator) register(st *batchState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked(o.nowFunc())
	o.batches[st.task.BatchID] = st
}

// pruneLocked drops finished batches older than the retention window.
func (o *Orchestrator) pruneLocked(now time.Time) {
	for id, st := range o.batches {
		if fin := st.task.FinishedAt; fin != nil && now.Sub(*fin) > o.cfg.Retention {
			delete(o.batches, id)
		}
	}
}

func (o *Orchestrator) run(st *batchState) {
	task := st.task
	log := zap.L().With(zap.String("component", "pipeline"), zap.String("batch_id", task.BatchID))
	breaker := o.breakers.Get(task.Destination)

	g := new(errgroup.Group)
	g.SetLimit(task.Concurrency)
	for _, ref := range task.References {
		if o.stopped(st) {
			o.record(st, model.ItemResult{UploadID: ref.UploadID, Status: model.ItemSkipped, Reason: ReasonCancelled})
			continue
		}
		g.Go(func() error {
			// The slot may have been granted after a cancel.
			if o.stopped(st) {
				o.record(st, model.ItemResult{UploadID: ref.UploadID, Status: model.ItemSkipped, Reason: ReasonCancelled})
				return nil
			}
			o.record(st, o.runChain(task.BatchID, ref, breaker))
			return nil
		})
	}
	_ = g.Wait()

	o.finish(st)
	final, _ := o.Status(task.BatchID)
	if final != nil {
		log.Info("batch finished",
			zap.String("status", string(final.Status)),
			zap.Int("completed", final.Progress.Completed),
			zap.Int("failed", final.Progress.Failed),
			zap.Int("skipped", final.Progress.Skipped),
		)
	}
}

func (o *Orchestrator) stopped(st *batchState) bool {
	return st.cancelled.Load() || o.root.Err() != nil
}

// runChain executes one chain under the chain timeout. Stage errors become
// the item's failure reason; nothing escapes as an error.
func (o *Orchestrator) runChain(batchID string, ref model.ReportReference, breaker *resilience.CircuitBreaker) model.ItemResult {
	item := model.ItemResult{UploadID: ref.UploadID}
	log := zap.L().With(
		zap.String("component", "pipeline"),
		zap.String("batch_id", batchID),
		zap.String("upload_id", ref.UploadID),
	)

	permit, err := breaker.Allow()
	if err != nil {
		item.Status, item.Stage, item.Reason = model.ItemFailed, StageDispatch, ReasonCircuitOpen
		return item
	}

	ctx, cancel := context.WithTimeout(o.root, o.cfg.ChainTimeout)
	defer cancel()

	if o.store != nil {
		exists, err := o.store.Exists(ctx, ref.UploadID)
		switch {
		case err != nil:
			log.Warn("idempotency check failed, running chain", zap.Error(err))
		case exists:
			breaker.Record(permit, nil)
			item.Status, item.Reason = model.ItemCompleted, ReasonAlreadyPersisted
			return item
		}
	}

	res := o.chain.Run(ctx, ref)
	if res.Success {
		breaker.Record(permit, nil)
		item.Status = model.ItemCompleted
		item.ReportID = res.Payload.ReportID
		o.resolveDLQ(ref.UploadID)
		log.Debug("chain completed", zap.String("report_id", item.ReportID))
		return item
	}

	item.Status = model.ItemFailed
	item.Stage = res.FailedStage()
	err = res.Error
	if err == nil {
		err = eris.Errorf("pipeline: stage %s failed", item.Stage)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		item.Stage = StageTimeout
		err = eris.Wrapf(err, "chain exceeded %s", o.cfg.ChainTimeout)
	}
	breaker.Record(permit, err)
	item.Reason = err.Error()
	log.Warn("chain failed", zap.String("stage", item.Stage), zap.Error(err))
	o.deadLetter(batchID, ref, item.Stage, err)
	return item
}

func (o *Orchestrator) deadLetter(batchID string, ref model.ReportReference, stage string, err error) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	now := o.nowFunc()
	entry := resilience.DLQEntry{
		UploadID:     ref.UploadID,
		Reference:    ref,
		BatchID:      batchID,
		Stage:        stage,
		Error:        err.Error(),
		ErrorType:    resilience.ClassifyError(err),
		MaxRetries:   o.cfg.DLQMaxRetries,
		NextRetryAt:  now,
		CreatedAt:    now,
		LastFailedAt: now,
	}
	if dErr := o.store.EnqueueDLQ(ctx, entry); dErr != nil {
		zap.L().Error("failed to record dead letter",
			zap.String("component", "pipeline"),
			zap.String("upload_id", ref.UploadID),
			zap.Error(dErr),
		)
	}
}

func (o *Orchestrator) resolveDLQ(uploadID string) {
	if o.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.RemoveDLQ(ctx, uploadID); err != nil {
		zap.L().Debug("failed to clear dead letter",
			zap.String("component", "pipeline"),
			zap.String("upload_id", uploadID),
			zap.Error(err),
		)
	}
}

// record stores an item's terminal result and updates the tallies.
func (o *Orchestrator) record(st *batchState, item model.ItemResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task := st.task
	task.Items[item.UploadID] = item
	switch item.Status {
	case model.ItemCompleted:
		task.Progress.Completed++
	case model.ItemFailed:
		task.Progress.Failed++
	case model.ItemSkipped:
		task.Progress.Skipped++
	}
}

func (o *Orchestrator) finish(st *batchState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task := st.task
	now := o.nowFunc()
	task.FinishedAt = &now
	task.Status = finalStatus(task.Progress, scheduled(task.Items))
	close(st.done)
}

// scheduled counts items whose first stage was dispatched. Items resolved
// as already persisted count; skipped and circuit-shed items do not.
func scheduled(items map[string]model.ItemResult) int {
	n := 0
	for _, it := range items {
		if it.Status == model.ItemSkipped || it.Status == model.ItemPending || it.Stage == StageDispatch {
			continue
		}
		n++
	}
	return n
}

// finalStatus resolves a batch. Item failures never fail the batch; it is
// FAILED only when no item could be scheduled.
func finalStatus(p model.BatchProgress, scheduled int) model.BatchStatus {
	switch {
	case p.Skipped > 0:
		return model.BatchCancelled
	case scheduled == 0:
		return model.BatchFailed
	case p.Failed > 0:
		return model.BatchCompletedWithErrors
	default:
		return model.BatchCompleted
	}
}

// dedupe drops references without an upload id and repeats of one.
func dedupe(refs []model.ReportReference) []model.ReportReference {
	seen := make(map[string]bool, len(refs))
	out := make([]model.ReportReference, 0, len(refs))
	for _, r := range refs {
		if r.UploadID == "" || seen[r.UploadID] {
			continue
		}
		seen[r.UploadID] = true
		out = append(out, r)
	}
	return out
}
