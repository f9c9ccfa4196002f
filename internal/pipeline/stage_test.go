package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/fetcher"
	"github.com/sells-group/fundsync/internal/fundreport"
	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
	"github.com/sells-group/fundsync/internal/store"
	"github.com/sells-group/fundsync/internal/xbrl"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newExtractor() *fundreport.Extractor {
	return fundreport.NewExtractor(fundreport.DefaultStrategies(nil)...)
}

func scenarioResult(t *testing.T) *xbrl.Result {
	t.Helper()
	res, err := xbrl.NewParser(nil).ParseFile(context.Background(), "testdata/scenario_a.xml")
	require.NoError(t, err)
	require.True(t, res.Recognized())
	return res
}

func TestChain_DownloadFailurePropagates(t *testing.T) {
	dl := &fakeDownloader{fn: func(context.Context, model.ReportReference) (string, int64, error) {
		return "", 0, &fetcher.StatusError{StatusCode: 404, URL: "http://portal/instance?instanceid=u3"}
	}}
	parser := &fakeParser{}
	st := new(mockStore)

	chain := NewChain(dl, "/tmp", parser, newExtractor(), st)
	res := chain.Run(context.Background(), model.ReportReference{UploadID: "u3"})

	assert.False(t, res.Success)
	assert.Equal(t, StagePersist, res.Stage)
	assert.Equal(t, StageDownload, res.UpstreamStage)
	assert.Equal(t, StageDownload, res.FailedStage())
	var se *fetcher.StatusError
	require.True(t, errors.As(res.Error, &se))
	assert.Equal(t, 404, se.StatusCode)

	assert.Equal(t, int32(1), dl.calls.Load())
	assert.Equal(t, int32(0), parser.calls.Load(), "parse must not run on a failed download")
	st.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestParseStage_UnrecognizedFails(t *testing.T) {
	parser := &fakeParser{res: &xbrl.Result{Format: xbrl.Unrecognized}}
	stage := ParseStage(parser, newExtractor())

	in := StageResult{Success: true, Stage: StageDownload, Reference: model.ReportReference{UploadID: "u1"}}
	in.Payload.Path = "u1.xbrl"
	out := stage(context.Background(), in)

	assert.False(t, out.Success)
	assert.Equal(t, StageParse, out.FailedStage())
	assert.True(t, errors.Is(out.Error, ErrUnrecognized))
}

func TestParseStage_BuildsReport(t *testing.T) {
	parser := &fakeParser{res: scenarioResult(t)}
	stage := ParseStage(parser, newExtractor())

	in := StageResult{Success: true, Stage: StageDownload, Reference: model.ReportReference{UploadID: "u1"}}
	in.Payload.Path = "u1.xbrl"
	out := stage(context.Background(), in)

	require.True(t, out.Success, "%v", out.Error)
	require.NotNil(t, out.Payload.Report)
	assert.Equal(t, "000001", out.Payload.Report.FundCode)
	assert.Equal(t, model.ReportTypeAnnual, out.Payload.Report.ReportType)
	assert.Equal(t, "u1.xbrl", out.Payload.Path)
}

func TestParseStage_ReadErrorFails(t *testing.T) {
	stage := ParseStage(xbrl.NewParser(nil), newExtractor())
	in := StageResult{Success: true, Stage: StageDownload}
	in.Payload.Path = "testdata/does-not-exist.xbrl"

	out := stage(context.Background(), in)
	assert.False(t, out.Success)
	assert.Equal(t, StageParse, out.Stage)
	assert.Empty(t, out.UpstreamStage)
}

func TestPersistStage_StoreErrorIsFatal(t *testing.T) {
	st := new(mockStore)
	st.On("Save", mock.Anything, mock.Anything, "u1", "u1.xbrl").
		Return("", errors.New("dial tcp: connection refused"))

	in := StageResult{Success: true, Stage: StageParse, Reference: model.ReportReference{UploadID: "u1"}}
	in.Payload = Payload{Path: "u1.xbrl", Report: &model.ParsedFundReport{FundCode: "000001"}}
	out := PersistStage(st)(context.Background(), in)

	assert.False(t, out.Success)
	assert.Equal(t, StagePersist, out.Stage)
	assert.True(t, resilience.IsFatal(out.Error))
	st.AssertExpectations(t)
}

func TestPersistStage_InvalidReportIsNotFatal(t *testing.T) {
	st := new(mockStore)
	st.On("Save", mock.Anything, mock.Anything, "", mock.Anything).Return("", store.ErrInvalidReport)

	in := StageResult{Success: true, Stage: StageParse}
	in.Payload.Report = &model.ParsedFundReport{}
	out := PersistStage(st)(context.Background(), in)

	assert.False(t, out.Success)
	assert.False(t, resilience.IsFatal(out.Error))
}

func TestPersistStage_RecordsReportID(t *testing.T) {
	st := new(mockStore)
	st.On("Save", mock.Anything, mock.Anything, "u1", "u1.xbrl").Return("report-1", nil)

	in := StageResult{Success: true, Stage: StageParse, Reference: model.ReportReference{UploadID: "u1"}}
	in.Payload = Payload{Path: "u1.xbrl", Report: &model.ParsedFundReport{FundCode: "000001"}}
	out := PersistStage(st)(context.Background(), in)

	require.True(t, out.Success)
	assert.Equal(t, "report-1", out.Payload.ReportID)
}

func TestStageResult_FailedStage(t *testing.T) {
	assert.Equal(t, StageParse, StageResult{Stage: StageParse}.FailedStage())
	assert.Equal(t, StageDownload, StageResult{Stage: StagePersist, UpstreamStage: StageDownload}.FailedStage())

	// Propagating twice keeps the origin.
	first := failed(StageDownload, Seed(model.ReportReference{UploadID: "u"}), errors.New("boom"))
	second := propagate(StagePersist, propagate(StageParse, first))
	assert.Equal(t, StageDownload, second.UpstreamStage)
	assert.Equal(t, "u", second.Reference.UploadID)
}
