package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
	"github.com/sells-group/fundsync/internal/store"
	"github.com/sells-group/fundsync/internal/xbrl"
)

// --- Store Mock ---

type mockStore struct {
	mock.Mock
}

var _ store.Store = (*mockStore)(nil)

func (m *mockStore) Save(ctx context.Context, report *model.ParsedFundReport, uploadID, sourcePath string) (string, error) {
	args := m.Called(ctx, report, uploadID, sourcePath)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Exists(ctx context.Context, uploadID string) (bool, error) {
	args := m.Called(ctx, uploadID)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) GetReport(ctx context.Context, uploadID string) (*store.StoredReport, error) {
	args := m.Called(ctx, uploadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.StoredReport), args.Error(1)
}

func (m *mockStore) EnqueueDLQ(ctx context.Context, entry resilience.DLQEntry) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *mockStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]resilience.DLQEntry), args.Error(1)
}

func (m *mockStore) RemoveDLQ(ctx context.Context, uploadID string) error {
	return m.Called(ctx, uploadID).Error(0)
}

func (m *mockStore) CountDLQ(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func (m *mockStore) Ping(ctx context.Context) error    { return m.Called(ctx).Error(0) }
func (m *mockStore) Migrate(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockStore) Close() error                      { return m.Called().Error(0) }

// --- Downloader / Parser fakes ---

type fakeDownloader struct {
	calls atomic.Int32
	fn    func(ctx context.Context, ref model.ReportReference) (string, int64, error)
}

func (f *fakeDownloader) FetchToFile(ctx context.Context, ref model.ReportReference, _ string) (string, int64, error) {
	f.calls.Add(1)
	return f.fn(ctx, ref)
}

type fakeParser struct {
	calls atomic.Int32
	res   *xbrl.Result
	err   error
}

func (f *fakeParser) ParseFile(context.Context, string) (*xbrl.Result, error) {
	f.calls.Add(1)
	return f.res, f.err
}
