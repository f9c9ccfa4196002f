package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sampleReport() *model.ParsedFundReport {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	return &model.ParsedFundReport{
		FundCode:       "000001",
		FundName:       "华夏成长混合",
		Manager:        "华夏基金管理有限公司",
		ReportType:     model.ReportTypeAnnual,
		ReportYear:     2024,
		PeriodStart:    &start,
		PeriodEnd:      &end,
		NetAssetValue:  dec("1.3000"),
		TotalNetAssets: dec("1234567890.12"),
		AssetAllocations: []model.AssetAllocation{
			{AssetType: "权益投资", MarketValue: dec("800000000"), Percentage: dec("64.80")},
			{AssetType: "银行存款和结算备付金合计", MarketValue: dec("120000000.5"), Percentage: dec("9.72")},
		},
		TopHoldings: []model.TopHolding{
			{Rank: 1, SecurityCode: "600519", SecurityName: "贵州茅台", Shares: dec("100000"), MarketValue: dec("170000000"), Percentage: dec("13.77")},
			{Rank: 2, SecurityCode: "000858", SecurityName: "五粮液", Shares: dec("500000"), MarketValue: dec("75000000"), Percentage: dec("6.08")},
		},
		IndustryAllocations: []model.IndustryAllocation{
			{IndustryName: "制造业", IndustryCode: "C", MarketValue: dec("600000000"), Percentage: dec("48.60")},
		},
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("SaveAndGetReport", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		id, err := s.Save(ctx, sampleReport(), "upload-1", "/data/upload-1.xml")
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := s.GetReport(ctx, "upload-1")
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "/data/upload-1.xml", got.SourcePath)

		r := got.Report
		assert.Equal(t, "000001", r.FundCode)
		assert.Equal(t, model.ReportTypeAnnual, r.ReportType)
		assert.Equal(t, 2024, r.ReportYear)
		require.NotNil(t, r.PeriodEnd)
		assert.Equal(t, "2024-12-31", r.PeriodEnd.Format("2006-01-02"))
		require.NotNil(t, r.NetAssetValue)
		assert.True(t, r.NetAssetValue.Equal(decimal.RequireFromString("1.3")))
		assert.True(t, r.TotalNetAssets.Equal(decimal.RequireFromString("1234567890.12")))

		require.Len(t, r.AssetAllocations, 2)
		assert.Equal(t, "权益投资", r.AssetAllocations[0].AssetType)
		require.Len(t, r.TopHoldings, 2)
		assert.Equal(t, 1, r.TopHoldings[0].Rank)
		assert.Equal(t, "600519", r.TopHoldings[0].SecurityCode)
		assert.True(t, r.TopHoldings[1].Shares.Equal(decimal.NewFromInt(500000)))
		require.Len(t, r.IndustryAllocations, 1)
		assert.Equal(t, "C", r.IndustryAllocations[0].IndustryCode)
	})

	t.Run("SaveIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first, err := s.Save(ctx, sampleReport(), "upload-dup", "")
		require.NoError(t, err)

		changed := sampleReport()
		changed.FundName = "changed"
		second, err := s.Save(ctx, changed, "upload-dup", "")
		require.NoError(t, err)
		assert.Equal(t, first, second)

		got, err := s.GetReport(ctx, "upload-dup")
		require.NoError(t, err)
		assert.Equal(t, "华夏成长混合", got.Report.FundName)
		assert.Len(t, got.Report.TopHoldings, 2)
	})

	t.Run("SaveWithoutOptionalValues", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Save(ctx, &model.ParsedFundReport{FundName: "只有名称"}, "upload-sparse", "")
		require.NoError(t, err)

		got, err := s.GetReport(ctx, "upload-sparse")
		require.NoError(t, err)
		assert.Nil(t, got.Report.NetAssetValue)
		assert.Nil(t, got.Report.PeriodStart)
		assert.Empty(t, got.Report.TopHoldings)
	})

	t.Run("SaveRejectsInvalid", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, err := s.Save(ctx, nil, "upload-x", "")
		assert.True(t, errors.Is(err, ErrInvalidReport))
		_, err = s.Save(ctx, sampleReport(), "", "")
		assert.True(t, errors.Is(err, ErrInvalidReport))
	})

	t.Run("Exists", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		ok, err := s.Exists(ctx, "upload-e")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Save(ctx, sampleReport(), "upload-e", "")
		require.NoError(t, err)

		ok, err = s.Exists(ctx, "upload-e")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("GetReportNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetReport(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DLQEnqueueListRemove", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		ref := model.ReportReference{UploadID: "u-404", FundCode: "000003", FundShortName: "测试基金"}
		entry := resilience.DLQEntry{
			Reference:    ref,
			BatchID:      "batch-1",
			Stage:        "download",
			Error:        "fetcher: unexpected status 404",
			ErrorType:    "permanent",
			MaxRetries:   3,
			NextRetryAt:  now,
			CreatedAt:    now,
			LastFailedAt: now,
		}
		require.NoError(t, s.EnqueueDLQ(ctx, entry))

		transient := entry
		transient.Reference = model.ReportReference{UploadID: "u-503"}
		transient.ErrorType = "transient"
		transient.Stage = "parse"
		require.NoError(t, s.EnqueueDLQ(ctx, transient))

		n, err := s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		entries, err := s.ListDLQ(ctx, resilience.DLQFilter{ErrorType: "permanent"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "u-404", entries[0].UploadID)
		assert.Equal(t, "download", entries[0].Stage)
		assert.Equal(t, "测试基金", entries[0].Reference.FundShortName)
		assert.NotEmpty(t, entries[0].ID)

		entries, err = s.ListDLQ(ctx, resilience.DLQFilter{Stage: "parse"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "u-503", entries[0].UploadID)

		require.NoError(t, s.RemoveDLQ(ctx, "u-404"))
		n, err = s.CountDLQ(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("DLQRepeatFailureBumpsRetryCount", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		now := time.Now()

		entry := resilience.DLQEntry{
			Reference:    model.ReportReference{UploadID: "u-1"},
			Stage:        "download",
			Error:        "timeout",
			ErrorType:    "transient",
			MaxRetries:   2,
			NextRetryAt:  now,
			CreatedAt:    now,
			LastFailedAt: now,
		}
		require.NoError(t, s.EnqueueDLQ(ctx, entry))
		require.NoError(t, s.EnqueueDLQ(ctx, entry))

		entries, err := s.ListDLQ(ctx, resilience.DLQFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, 1, entries[0].RetryCount)

		require.NoError(t, s.EnqueueDLQ(ctx, entry))
		entries, err = s.ListDLQ(ctx, resilience.DLQFilter{Retryable: true})
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, func(t *testing.T) Store {
		return newTestSQLiteStore(t)
	})
}

func TestSQLite_SaveUpsertsFund(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.Save(ctx, sampleReport(), "upload-a", "")
	require.NoError(t, err)

	next := sampleReport()
	next.FundName = "华夏成长混合A"
	id, err := st.Save(ctx, next, "upload-b", "")
	require.NoError(t, err)

	var name, lastReport string
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT fund_name, last_report_id FROM funds WHERE fund_code = ?`, "000001").Scan(&name, &lastReport))
	assert.Equal(t, "华夏成长混合A", name)
	assert.Equal(t, id, lastReport)
}

func TestSQLite_Ping(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Ping(context.Background()))
}
