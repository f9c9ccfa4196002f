package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
)

// resultColumns are the row fields bound to the portal's table columns.
var resultColumns = []string{
	"fundCode",
	"fundId",
	"organName",
	"reportSendDate",
	"reportDesp",
	"uploadInfoId",
}

type param struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// buildParams renders criteria as the portal's aoData name/value array.
func buildParams(c model.SearchCriteria) []param {
	params := []param{
		{"sEcho", c.Page},
		{"iColumns", len(resultColumns)},
		{"sColumns", strings.Repeat(",", len(resultColumns)-1)},
		{"iDisplayStart", c.Offset()},
		{"iDisplayLength", c.PageSize},
	}
	for i, col := range resultColumns {
		params = append(params, param{"mDataProp_" + strconv.Itoa(i), col})
	}

	// The portal wants an empty year for fund profiles.
	year := ""
	if c.Year > 0 && c.ReportType != model.ReportTypeProfile {
		year = strconv.Itoa(c.Year)
	}
	var start, end string
	if c.StartDate != nil {
		start = c.StartDate.Format(model.DateLayout)
	}
	if c.EndDate != nil {
		end = c.EndDate.Format(model.DateLayout)
	}

	return append(params,
		param{"fundType", c.FundType.Code()},
		param{"reportTypeCode", c.ReportType.Code()},
		param{"reportYear", year},
		param{"fundCompanyShortName", c.CompanyShortName},
		param{"fundCode", c.FundCode},
		param{"fundShortName", c.FundShortName},
		param{"startUploadDate", start},
		param{"endUploadDate", end},
	)
}

// SearchURL renders the full GET URL for criteria at time now.
func (c *Client) SearchURL(criteria model.SearchCriteria, now time.Time) (string, error) {
	aoData, err := json.Marshal(buildParams(criteria))
	if err != nil {
		return "", eris.Wrap(err, "portal: encode search params")
	}
	q := url.Values{}
	q.Set("aoData", string(aoData))
	q.Set("_", strconv.FormatInt(now.UnixMilli(), 10))

	sep := "?"
	if strings.Contains(c.opts.SearchURL, "?") {
		sep = "&"
	}
	return c.opts.SearchURL + sep + q.Encode(), nil
}

type searchResponse struct {
	AaData        json.RawMessage `json:"aaData"`
	ITotalRecords json.RawMessage `json:"iTotalRecords"`
}

// Search fetches one page of report references. hasNext reports whether a
// further page is likely to exist.
func (c *Client) Search(ctx context.Context, criteria model.SearchCriteria) ([]model.ReportReference, bool, error) {
	if err := criteria.Validate(); err != nil {
		return nil, false, err
	}

	reqURL, err := c.SearchURL(criteria, c.nowFunc())
	if err != nil {
		return nil, false, err
	}

	log := zap.L().With(
		zap.String("component", "portal"),
		zap.Int("page", criteria.Page),
		zap.String("report_type", string(criteria.ReportType)),
		zap.Int("year", criteria.Year),
	)

	body, err := c.fetch.Fetch(ctx, reqURL)
	if err != nil {
		return nil, false, eris.Wrap(err, "portal: search")
	}

	if len(bytes.TrimSpace(body)) < minSearchBody {
		log.Warn("search response too small, treating as empty", zap.Int("bytes", len(body)))
		return nil, false, nil
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, &ProtocolError{URL: c.opts.SearchURL, Snippet: snippet(body), Err: err}
	}
	if len(resp.AaData) == 0 || string(resp.AaData) == "null" {
		log.Warn("search response has no aaData, treating as empty", zap.String("body", snippet(body)))
		return nil, false, nil
	}

	var rows []map[string]any
	if err := json.Unmarshal(resp.AaData, &rows); err != nil {
		return nil, false, &ProtocolError{URL: c.opts.SearchURL, Snippet: snippet(body), Err: err}
	}

	refs := make([]model.ReportReference, 0, len(rows))
	for _, row := range rows {
		ref, ok := ReferenceFromRow(row)
		if !ok {
			log.Warn("search row without uploadInfoId skipped")
			continue
		}
		refs = append(refs, ref)
	}

	hasNext := len(rows) >= criteria.PageSize
	if total, ok := parseTotal(resp.ITotalRecords); ok {
		hasNext = criteria.Page*criteria.PageSize < total
	}

	log.Debug("search page fetched", zap.Int("rows", len(refs)), zap.Bool("has_next", hasNext))
	return refs, hasNext, nil
}

// parseTotal accepts iTotalRecords as a JSON number or numeric string.
func parseTotal(raw json.RawMessage) (int, bool) {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// SearchAll walks pages starting at criteria.Page until a short page, a
// page reporting no successor, or maxPages pages (0 means no limit).
// References are de-duplicated by upload id.
func (c *Client) SearchAll(ctx context.Context, criteria model.SearchCriteria, maxPages int) ([]model.ReportReference, error) {
	seen := make(map[string]struct{})
	var all []model.ReportReference

	for fetched := 0; maxPages <= 0 || fetched < maxPages; fetched++ {
		if fetched > 0 && c.opts.PageDelay > 0 {
			t := time.NewTimer(c.opts.PageDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return all, eris.Wrap(ctx.Err(), "portal: search all")
			case <-t.C:
			}
		}

		refs, hasNext, err := c.Search(ctx, criteria)
		if err != nil {
			return all, eris.Wrapf(err, "portal: search page %d", criteria.Page)
		}
		for _, ref := range refs {
			if _, dup := seen[ref.UploadID]; dup {
				continue
			}
			seen[ref.UploadID] = struct{}{}
			all = append(all, ref)
		}
		if !hasNext || len(refs) < criteria.PageSize {
			break
		}
		criteria.Page++
	}
	return all, nil
}

// ReferenceFromRow maps one aaData row. Rows without an upload id are
// rejected.
func ReferenceFromRow(row map[string]any) (model.ReportReference, bool) {
	ref := model.ReportReference{
		UploadID:          field(row, "uploadInfoId"),
		FundCode:          field(row, "fundCode"),
		FundID:            field(row, "fundId"),
		FundShortName:     field(row, "fundShortName"),
		OrganizationName:  field(row, "organName"),
		ReportYear:        field(row, "reportYear"),
		ReportSendDate:    field(row, "reportSendDate"),
		ReportDescription: field(row, "reportDesp"),
	}
	return ref, ref.UploadID != ""
}

func field(row map[string]any, key string) string {
	switch v := row[key].(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
