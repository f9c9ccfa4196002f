package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/fetcher"
	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestClient(srvURL string) *Client {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Timeout: 5 * time.Second,
		Retry: resilience.RetryConfig{
			Strategy:       resilience.BackoffFixed,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
		},
	})
	return New(f, Options{
		SearchURL:           srvURL + "/search",
		DownloadURLTemplate: srvURL + "/instance?instanceid={id}",
	})
}

func paramsOf(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var ps []param
	require.NoError(t, json.Unmarshal([]byte(r.URL.Query().Get("aoData")), &ps))
	out := make(map[string]any, len(ps))
	for _, p := range ps {
		out[p.Name] = p.Value
	}
	return out
}

func row(id int) map[string]any {
	return map[string]any{
		"uploadInfoId":   strconv.Itoa(id),
		"fundCode":       fmt.Sprintf("%06d", id),
		"fundId":         id,
		"fundShortName":  "测试基金",
		"organName":      "测试基金管理有限公司",
		"reportYear":     2023,
		"reportSendDate": "2024-03-30",
		"reportDesp":     "2023年年度报告",
	}
}

func TestBuildParams(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := model.SearchCriteria{
		Year:       2023,
		ReportType: model.ReportTypeAnnual,
		FundType:   model.FundTypeBond,
		FundCode:   "000001",
		StartDate:  &start,
		Page:       3,
		PageSize:   20,
	}
	got := map[string]any{}
	for _, p := range buildParams(c) {
		got[p.Name] = p.Value
	}

	assert.Equal(t, 3, got["sEcho"])
	assert.Equal(t, 40, got["iDisplayStart"])
	assert.Equal(t, 20, got["iDisplayLength"])
	assert.Equal(t, "uploadInfoId", got["mDataProp_5"])
	assert.Equal(t, "FB010010", got["reportTypeCode"])
	assert.Equal(t, "6020-6030", got["fundType"])
	assert.Equal(t, "2023", got["reportYear"])
	assert.Equal(t, "000001", got["fundCode"])
	assert.Equal(t, "2024-01-01", got["startUploadDate"])
	assert.Equal(t, "", got["endUploadDate"])
}

func TestBuildParams_ProfileHasEmptyYear(t *testing.T) {
	c := model.SearchCriteria{Year: 2023, ReportType: model.ReportTypeProfile, Page: 1, PageSize: 20}
	for _, p := range buildParams(c) {
		if p.Name == "reportYear" {
			assert.Equal(t, "", p.Value)
			return
		}
	}
	t.Fatal("reportYear param missing")
}

func TestSearchURL_CacheBuster(t *testing.T) {
	c := New(nil, Options{SearchURL: "http://portal.test/search.do"})
	now := time.UnixMilli(1700000000123)
	u, err := c.SearchURL(model.SearchCriteria{Page: 1, PageSize: 20}, now)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "http://portal.test/search.do?"))
	assert.Contains(t, u, "_=1700000000123")
	assert.Contains(t, u, "aoData=")
}

func TestSearch_DecodesRowsAndTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := paramsOf(t, r)
		assert.Equal(t, "FB010010", p["reportTypeCode"])
		json.NewEncoder(w).Encode(map[string]any{
			"aaData":        []any{row(1), row(2)},
			"iTotalRecords": 45,
		})
	}))
	defer srv.Close()

	refs, hasNext, err := newTestClient(srv.URL).Search(context.Background(), model.SearchCriteria{
		Year: 2023, ReportType: model.ReportTypeAnnual, Page: 1, PageSize: 20,
	})
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.True(t, hasNext)
	assert.Equal(t, model.ReportReference{
		UploadID:          "1",
		FundCode:          "000001",
		FundID:            "1",
		FundShortName:     "测试基金",
		OrganizationName:  "测试基金管理有限公司",
		ReportYear:        "2023",
		ReportSendDate:    "2024-03-30",
		ReportDescription: "2023年年度报告",
	}, refs[0])
}

func TestSearch_HasNextWithoutTotal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"aaData": []any{row(1), row(2)}})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, hasNext, err := c.Search(context.Background(), model.SearchCriteria{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.True(t, hasNext)

	_, hasNext, err = c.Search(context.Background(), model.SearchCriteria{Page: 1, PageSize: 5})
	require.NoError(t, err)
	assert.False(t, hasNext)
}

func TestSearch_TotalAsString(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"aaData":[{"uploadInfoId":"9"}],"iTotalRecords":"1"}`))
	}))
	defer srv.Close()

	refs, hasNext, err := newTestClient(srv.URL).Search(context.Background(), model.SearchCriteria{Page: 1, PageSize: 1})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.False(t, hasNext)
}

func TestSearch_SmallOrMissingBodyIsEmpty(t *testing.T) {
	for _, body := range []string{"", "{}", `{"iTotalRecords":0,"sEcho":1}`, `{"aaData":null}`} {
		t.Run(body, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			}))
			defer srv.Close()

			refs, hasNext, err := newTestClient(srv.URL).Search(context.Background(), model.SearchCriteria{Page: 1, PageSize: 20})
			require.NoError(t, err)
			assert.Empty(t, refs)
			assert.False(t, hasNext)
		})
	}
}

func TestSearch_NonJSONIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>系统维护中</body></html>"))
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv.URL).Search(context.Background(), model.SearchCriteria{Page: 1, PageSize: 20})
	require.Error(t, err)
	var pe *ProtocolError
	assert.True(t, errors.As(err, &pe))
}

func TestSearch_InvalidCriteriaSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, _, err := newTestClient(srv.URL).Search(context.Background(), model.SearchCriteria{Page: 0, PageSize: 20})
	require.Error(t, err)
	assert.Zero(t, hits.Load())
}

func TestSearchAll_PagesAndDedupes(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pages.Add(1)
		p := paramsOf(t, r)
		start := int(p["iDisplayStart"].(float64))
		var rows []any
		switch start {
		case 0:
			rows = []any{row(1), row(2)}
		case 2:
			rows = []any{row(2), row(3)}
		default:
			rows = []any{row(4)}
		}
		json.NewEncoder(w).Encode(map[string]any{"aaData": rows, "iTotalRecords": 5})
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	c.opts.PageDelay = time.Millisecond

	refs, err := c.SearchAll(context.Background(), model.SearchCriteria{Page: 1, PageSize: 2}, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.UploadID)
	}
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
	assert.Equal(t, int32(3), pages.Load())
}

func TestSearchAll_MaxPages(t *testing.T) {
	var pages atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(pages.Add(1))
		json.NewEncoder(w).Encode(map[string]any{"aaData": []any{row(n)}, "iTotalRecords": 100})
	}))
	defer srv.Close()

	refs, err := newTestClient(srv.URL).SearchAll(context.Background(), model.SearchCriteria{Page: 1, PageSize: 1}, 2)
	require.NoError(t, err)
	assert.Len(t, refs, 2)
	assert.Equal(t, int32(2), pages.Load())
}

func TestDownload_ReturnsBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instance", r.URL.Path)
		assert.Equal(t, "abc", r.URL.Query().Get("instanceid"))
		w.Write([]byte("tiny"))
	}))
	defer srv.Close()

	data, err := newTestClient(srv.URL).Download(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(data))
}

func TestDownload_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Download(context.Background(), "gone")
	require.Error(t, err)
	var se *fetcher.StatusError
	assert.True(t, errors.As(err, &se))
}

func TestDownloadToFile_CachesDocuments(t *testing.T) {
	doc := "<xbrl>" + strings.Repeat("x", 200) + "</xbrl>"
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(doc))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	dir := t.TempDir()
	ref := model.ReportReference{UploadID: "u-1"}

	res := c.DownloadToFile(context.Background(), ref, dir)
	require.True(t, res.Success, res.Error)
	want, err := DocumentPath(dir, "u-1")
	require.NoError(t, err)
	assert.Equal(t, want, res.FilePath)
	assert.Equal(t, int64(len(doc)), res.ByteSize)

	data, err := os.ReadFile(res.FilePath)
	require.NoError(t, err)
	assert.Equal(t, doc, string(data))

	res = c.DownloadToFile(context.Background(), ref, dir)
	require.True(t, res.Success)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDownloadToFile_CapturesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	res := newTestClient(srv.URL).DownloadToFile(context.Background(), model.ReportReference{UploadID: "x"}, t.TempDir())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "403")

	res = newTestClient(srv.URL).DownloadToFile(context.Background(), model.ReportReference{}, t.TempDir())
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestFetchToFile_RejectsUnsafeUploadIDs(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 200)))
	}))
	defer srv.Close()

	root := t.TempDir()
	dir := filepath.Join(root, "docs")
	c := newTestClient(srv.URL)

	for _, id := range []string{"../escaped", "a/b", "..", ""} {
		_, _, err := c.FetchToFile(context.Background(), model.ReportReference{UploadID: id}, dir)
		require.Error(t, err, id)
		assert.True(t, errors.Is(err, model.ErrInvalidUploadID), id)
	}
	assert.Zero(t, hits.Load())
	_, err := os.Stat(filepath.Join(root, "escaped.xbrl"))
	assert.True(t, os.IsNotExist(err))

	// A planted file outside dir is never served as a cached document.
	require.NoError(t, os.WriteFile(filepath.Join(root, "secret.xbrl"), []byte(strings.Repeat("s", 200)), 0o644))
	_, _, err = c.FetchToFile(context.Background(), model.ReportReference{UploadID: "../secret"}, dir)
	assert.True(t, errors.Is(err, model.ErrInvalidUploadID))

	_, err = DocumentPath(dir, "../escaped")
	assert.True(t, errors.Is(err, model.ErrInvalidUploadID))
}

func TestDownloadURL_EscapesID(t *testing.T) {
	c := New(nil, Options{DownloadURLTemplate: "http://portal/instance?instanceid={id}"})
	assert.Equal(t, "http://portal/instance?instanceid=123", c.DownloadURL("123"))
	assert.Equal(t, "http://portal/instance?instanceid=1%262%3D3", c.DownloadURL("1&2=3"))
}

func TestReferenceFromRow_RequiresUploadID(t *testing.T) {
	_, ok := ReferenceFromRow(map[string]any{"fundCode": "000001"})
	assert.False(t, ok)

	ref, ok := ReferenceFromRow(map[string]any{"uploadInfoId": 12345.0, "reportYear": 2022.0})
	require.True(t, ok)
	assert.Equal(t, "12345", ref.UploadID)
	assert.Equal(t, "2022", ref.ReportYear)
}
