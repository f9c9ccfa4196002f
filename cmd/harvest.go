package main

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/pipeline"
	"github.com/sells-group/fundsync/internal/resilience"
)

var (
	harvestFlags       criteriaFlags
	harvestConcurrency int
	harvestFromDLQ     bool
	harvestIDs         []string
)

var harvestCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Search, download, parse and persist fund reports",
	Long: "Runs a batch over the references matching the search filters, the given upload ids, " +
		"or the retryable dead letters (--from-dlq), and prints the batch summary.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "harvest")
		if err != nil {
			return err
		}
		defer env.Close()

		var refs []model.ReportReference
		switch {
		case harvestFromDLQ:
			refs, err = dlqReferences(ctx, env)
		case len(harvestIDs) > 0:
			for _, id := range harvestIDs {
				refs = append(refs, model.ReportReference{UploadID: id})
			}
		default:
			var criteria model.SearchCriteria
			criteria, err = harvestFlags.criteria()
			if err == nil {
				refs, err = env.Portal.SearchAll(ctx, criteria, cfg.Portal.MaxPages)
			}
		}
		if err != nil {
			return eris.Wrap(err, "collect references")
		}

		task, err := runBatch(ctx, env.Orchestrator, refs, harvestConcurrency)
		if task != nil {
			env.Monitor.Check(ctx, task)
			if werr := writeSummary(cmd.OutOrStdout(), task); werr != nil {
				return werr
			}
		}
		return err
	},
}

// dlqReferences returns the references of dead letters with retries left.
func dlqReferences(ctx context.Context, env *appEnv) ([]model.ReportReference, error) {
	entries, err := env.Store.ListDLQ(ctx, resilience.DLQFilter{Retryable: true, Limit: 1000})
	if err != nil {
		return nil, err
	}
	refs := make([]model.ReportReference, 0, len(entries))
	for _, e := range entries {
		ref := e.Reference
		if ref.UploadID == "" {
			ref.UploadID = e.UploadID
		}
		refs = append(refs, ref)
	}
	zap.L().Info("retrying dead letters", zap.Int("count", len(refs)))
	return refs, nil
}

// runBatch submits refs and waits for the batch to resolve. A FAILED batch
// is returned together with an error.
func runBatch(ctx context.Context, orch *pipeline.Orchestrator, refs []model.ReportReference, concurrency int) (*model.BatchTask, error) {
	id, err := orch.Submit(ctx, pipeline.BatchRequest{
		References:  refs,
		Destination: cfg.Store.Driver,
		Concurrency: concurrency,
	})
	if err != nil {
		if id != "" {
			task, _ := orch.Status(id)
			return task, err
		}
		return nil, err
	}

	waitCtx := ctx
	if minutes := cfg.Orchestrator.WaitTimeoutMinutes; minutes > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(minutes)*time.Minute)
		defer cancel()
	}
	task, err := orch.Wait(waitCtx, id)
	if err != nil {
		// Interrupted: stop unstarted chains and report what finished.
		_ = orch.Cancel(id)
		task, _ = orch.Status(id)
		return task, eris.Wrap(err, "wait for batch")
	}
	if task.Status == model.BatchFailed {
		return task, eris.Errorf("batch %s failed", id)
	}
	return task, nil
}

type batchSummary struct {
	BatchID  string              `json:"batch_id"`
	Status   model.BatchStatus   `json:"status"`
	Progress model.BatchProgress `json:"progress"`
	Failures map[string]string   `json:"failures,omitempty"`
}

func writeSummary(w io.Writer, task *model.BatchTask) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(batchSummary{
		BatchID:  task.BatchID,
		Status:   task.Status,
		Progress: task.Progress,
		Failures: task.Failures(),
	}), "write summary")
}

func init() {
	harvestFlags.register(harvestCmd.Flags())
	harvestCmd.Flags().IntVar(&harvestConcurrency, "concurrency", 0, "parallel chains (default from config)")
	harvestCmd.Flags().BoolVar(&harvestFromDLQ, "from-dlq", false, "retry dead letters instead of searching")
	harvestCmd.Flags().StringSliceVar(&harvestIDs, "ids", nil, "explicit upload ids instead of searching")
	rootCmd.AddCommand(harvestCmd)
}
