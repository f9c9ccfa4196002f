package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
)

var scheduleRunNow bool

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run harvests on the configured cron schedule",
	Long: "Harvests the configured report type for the current year minus schedule.year_offset " +
		"at every tick of schedule.cron, then retries retryable dead letters.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "schedule")
		if err != nil {
			return err
		}
		defer env.Close()

		job := newHarvestJob(env)
		c := cron.New()
		if _, err := c.AddFunc(cfg.Schedule.Cron, func() { job.Run(ctx) }); err != nil {
			return eris.Wrapf(err, "parse cron %q", cfg.Schedule.Cron)
		}

		if scheduleRunNow {
			job.Run(ctx)
		}
		c.Start()
		zap.L().Info("scheduler started", zap.String("cron", cfg.Schedule.Cron))

		<-ctx.Done()
		<-c.Stop().Done()
		zap.L().Info("scheduler stopped")
		return nil
	},
}

// harvestJob runs one scheduled harvest. Overlapping ticks are skipped.
type harvestJob struct {
	env     *appEnv
	nowFunc func() time.Time
	running chan struct{}
}

func newHarvestJob(env *appEnv) *harvestJob {
	return &harvestJob{env: env, nowFunc: time.Now, running: make(chan struct{}, 1)}
}

func (j *harvestJob) criteria() (model.SearchCriteria, error) {
	c := model.SearchCriteria{
		Year:     j.nowFunc().Year() - cfg.Schedule.YearOffset,
		Page:     1,
		PageSize: cfg.Portal.PageSize,
	}
	if cfg.Schedule.ReportType != "" {
		rt, err := model.ParseReportType(cfg.Schedule.ReportType)
		if err != nil {
			return c, err
		}
		c.ReportType = rt
	}
	ft, err := model.ParseFundType(cfg.Schedule.FundType)
	if err != nil {
		return c, err
	}
	c.FundType = ft
	c.Normalize()
	return c, nil
}

// Run searches, harvests and then retries dead letters. Errors are logged;
// the next tick tries again.
func (j *harvestJob) Run(ctx context.Context) {
	select {
	case j.running <- struct{}{}:
		defer func() { <-j.running }()
	default:
		zap.L().Warn("previous scheduled harvest still running, skipping tick")
		return
	}

	log := zap.L().With(zap.String("component", "schedule"))
	criteria, err := j.criteria()
	if err != nil {
		log.Error("invalid schedule criteria", zap.Error(err))
		return
	}
	refs, err := j.env.Portal.SearchAll(ctx, criteria, cfg.Portal.MaxPages)
	if err != nil {
		log.Error("scheduled search failed", zap.Error(err))
		return
	}
	if retry, err := dlqReferences(ctx, j.env); err != nil {
		log.Warn("failed to load dead letters", zap.Error(err))
	} else {
		refs = append(refs, retry...)
	}
	if len(refs) == 0 {
		log.Info("scheduled harvest found nothing to do", zap.Int("year", criteria.Year))
		return
	}

	task, err := runBatch(ctx, j.env.Orchestrator, refs, 0)
	if err != nil {
		log.Error("scheduled harvest failed", zap.Error(err))
	}
	if task != nil {
		j.env.Monitor.Check(ctx, task)
		log.Info("scheduled harvest finished",
			zap.String("batch_id", task.BatchID),
			zap.String("status", string(task.Status)),
			zap.Int("completed", task.Progress.Completed),
			zap.Int("failed", task.Progress.Failed),
		)
	}
}

func init() {
	scheduleCmd.Flags().BoolVar(&scheduleRunNow, "now", false, "run one harvest immediately before waiting for the schedule")
	rootCmd.AddCommand(scheduleCmd)
}
