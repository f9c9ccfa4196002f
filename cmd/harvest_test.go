package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fundsync/internal/config"
	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/ratelimit"
)

// testConfig points the global config at srv and a temp SQLite database.
func testConfig(t *testing.T, srvURL string) {
	t.Helper()
	dir := t.TempDir()
	prev := cfg
	t.Cleanup(func() { cfg = prev })

	cfg = &config.Config{
		Portal: config.PortalConfig{
			SearchURL:           srvURL + "/search",
			DownloadURLTemplate: srvURL + "/instance?instanceid={id}",
			TimeoutSecs:         5,
			PageSize:            20,
			MaxPages:            5,
			PageDelayMs:         1,
			DownloadDir:         filepath.Join(dir, "downloads"),
		},
		Limiter: ratelimit.Config{Strategy: ratelimit.StrategyTokenBucket, Rate: 100, Capacity: 10},
		Retry:   config.RetryConfig{Strategy: "fixed", MaxAttempts: 2, InitialBackoffMs: 1},
		Circuit: config.CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 60},
		Orchestrator: config.OrchestratorConfig{
			Concurrency:        2,
			MaxConcurrency:     4,
			ChainTimeoutSecs:   10,
			RetentionMinutes:   5,
			DLQMaxRetries:      3,
			WaitTimeoutMinutes: 1,
		},
		Store:    config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "fundsync.db")},
		Server:   config.ServerConfig{Port: 8080},
		Schedule: config.ScheduleConfig{Cron: "0 6 * * *", ReportType: "annual", YearOffset: 1},
		Log:      config.LogConfig{Level: "info", Format: "json"},
	}
}

func portalServer(t *testing.T, missing ...string) *httptest.Server {
	t.Helper()
	doc, err := os.ReadFile("testdata/scenario_a.xml")
	require.NoError(t, err)
	gone := make(map[string]bool)
	for _, id := range missing {
		gone[id] = true
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/search":
			rows := []map[string]any{
				{"uploadInfoId": "u1", "fundCode": "000001", "fundShortName": "华夏成长", "organName": "华夏基金", "reportSendDate": "2024-03-30", "reportDesp": "2023年年度报告"},
				{"uploadInfoId": "u2", "fundCode": "000001", "fundShortName": "华夏成长", "organName": "华夏基金", "reportSendDate": "2024-03-30", "reportDesp": "2023年年度报告"},
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"aaData": rows, "iTotalRecords": len(rows)})
		case "/instance":
			if gone[r.URL.Query().Get("instanceid")] {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write(doc)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCriteriaFlags(t *testing.T) {
	prev := cfg
	t.Cleanup(func() { cfg = prev })
	cfg = &config.Config{Portal: config.PortalConfig{PageSize: 50}}

	f := criteriaFlags{year: 2023, reportType: "年度报告", fundCode: "000001", startDate: "2024-01-01", endDate: "2024-06-30", page: 2}
	c, err := f.criteria()
	require.NoError(t, err)
	assert.Equal(t, 2023, c.Year)
	assert.Equal(t, model.ReportTypeAnnual, c.ReportType)
	assert.Equal(t, 50, c.PageSize)
	assert.Equal(t, 2, c.Page)
	require.NotNil(t, c.StartDate)
	assert.Equal(t, "2024-06-30", c.EndDate.Format(model.DateLayout))
}

func TestCriteriaFlags_Invalid(t *testing.T) {
	_, err := (&criteriaFlags{reportType: "monthly"}).criteria()
	assert.Error(t, err)

	_, err = (&criteriaFlags{startDate: "30/03/2024"}).criteria()
	assert.Error(t, err)

	_, err = (&criteriaFlags{fundType: "crypto"}).criteria()
	assert.Error(t, err)
}

func TestHarvest_EndToEnd(t *testing.T) {
	srv := portalServer(t, "u2")
	testConfig(t, srv.URL)
	ctx := context.Background()

	env, err := initEnv(ctx, "harvest")
	require.NoError(t, err)
	defer env.Close()

	criteria, err := (&criteriaFlags{year: 2023, reportType: "annual", page: 1}).criteria()
	require.NoError(t, err)
	refs, err := env.Portal.SearchAll(ctx, criteria, cfg.Portal.MaxPages)
	require.NoError(t, err)
	require.Len(t, refs, 2)

	task, err := runBatch(ctx, env.Orchestrator, refs, 0)
	require.NoError(t, err)
	assert.Equal(t, model.BatchCompletedWithErrors, task.Status)
	assert.Equal(t, 1, task.Progress.Completed)
	assert.Equal(t, 1, task.Progress.Failed)
	assert.Equal(t, "sqlite", task.Destination)

	saved, err := env.Store.GetReport(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "000001", saved.Report.FundCode)

	// The 404 is dead-lettered and comes back for --from-dlq.
	retry, err := dlqReferences(ctx, env)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, "u2", retry[0].UploadID)
	assert.Equal(t, "华夏成长", retry[0].FundShortName)

	var buf bytes.Buffer
	require.NoError(t, writeSummary(&buf, task))
	var summary batchSummary
	require.NoError(t, json.Unmarshal(buf.Bytes(), &summary))
	assert.Equal(t, task.BatchID, summary.BatchID)
	assert.Contains(t, summary.Failures["u2"], "404")
}

func TestRunBatch_EmptyIsFailed(t *testing.T) {
	srv := portalServer(t)
	testConfig(t, srv.URL)

	env, err := initEnv(context.Background(), "harvest")
	require.NoError(t, err)
	defer env.Close()

	task, err := runBatch(context.Background(), env.Orchestrator, nil, 0)
	require.Error(t, err)
	require.NotNil(t, task)
	assert.Equal(t, model.BatchFailed, task.Status)
}

func TestInitEnv_InvalidConfig(t *testing.T) {
	testConfig(t, "http://127.0.0.1:1")
	cfg.Store.Driver = "mysql"

	_, err := initEnv(context.Background(), "harvest")
	assert.Error(t, err)
}

func TestHarvestJob_SearchesOffsetYear(t *testing.T) {
	srv := portalServer(t)
	testConfig(t, srv.URL)

	env, err := initEnv(context.Background(), "schedule")
	require.NoError(t, err)
	defer env.Close()

	job := newHarvestJob(env)
	job.nowFunc = func() time.Time { return time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC) }
	c, err := job.criteria()
	require.NoError(t, err)
	assert.Equal(t, 2024, c.Year)
	assert.Equal(t, model.ReportTypeAnnual, c.ReportType)

	job.Run(context.Background())

	for _, id := range []string{"u1", "u2"} {
		ok, err := env.Store.Exists(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	n, err := env.Store.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
