package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(t *testing.T, s string) *time.Time {
	t.Helper()
	d, err := time.Parse(DateLayout, s)
	require.NoError(t, err)
	return &d
}

func TestSearchCriteria_Validate(t *testing.T) {
	tests := []struct {
		name    string
		c       SearchCriteria
		wantErr string
	}{
		{"valid", SearchCriteria{Year: 2024, ReportType: ReportTypeAnnual, Page: 1, PageSize: 20}, ""},
		{"zero page", SearchCriteria{Page: 0, PageSize: 20}, "page must be"},
		{"zero page size", SearchCriteria{Page: 1, PageSize: 0}, "page_size must be"},
		{"unknown report type", SearchCriteria{Page: 1, PageSize: 1, ReportType: "weekly"}, "unknown report type"},
		{"unknown fund type", SearchCriteria{Page: 1, PageSize: 1, FundType: "crypto"}, "unknown fund type"},
		{
			"start after end",
			SearchCriteria{Page: 1, PageSize: 1, StartDate: date(t, "2024-06-01"), EndDate: date(t, "2024-01-01")},
			"is after end date",
		},
		{
			"same day range",
			SearchCriteria{Page: 1, PageSize: 1, StartDate: date(t, "2024-06-01"), EndDate: date(t, "2024-06-01")},
			"",
		},
		{"only start", SearchCriteria{Page: 1, PageSize: 1, StartDate: date(t, "2024-06-01")}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSearchCriteria_NormalizeAndOffset(t *testing.T) {
	c := SearchCriteria{}
	c.Normalize()
	assert.Equal(t, 1, c.Page)
	assert.Equal(t, DefaultPageSize, c.PageSize)
	assert.Equal(t, 0, c.Offset())

	c.Page = 3
	assert.Equal(t, 40, c.Offset())
}

func TestParseReportType(t *testing.T) {
	rt, err := ParseReportType("Annual")
	require.NoError(t, err)
	assert.Equal(t, ReportTypeAnnual, rt)

	rt, err = ParseReportType("第三季度报告")
	require.NoError(t, err)
	assert.Equal(t, ReportTypeQ3, rt)
	assert.Equal(t, 3, rt.Quarter())

	_, err = ParseReportType("weekly")
	assert.Error(t, err)
}

func TestReportType_Codes(t *testing.T) {
	for _, rt := range []ReportType{ReportTypeAnnual, ReportTypeSemiAnnual, ReportTypeQ1, ReportTypeQ2, ReportTypeQ3, ReportTypeQ4, ReportTypeProfile} {
		assert.NotEmpty(t, rt.Code(), string(rt))
	}
	assert.Equal(t, ReportTypeQ2, QuarterReportType(2))
	assert.Equal(t, ReportType(""), QuarterReportType(5))
}

func TestParseFundType(t *testing.T) {
	ft, err := ParseFundType("")
	require.NoError(t, err)
	assert.Equal(t, FundType(""), ft)

	ft, err = ParseFundType("Bond")
	require.NoError(t, err)
	assert.Equal(t, FundTypeBond, ft)
	assert.Equal(t, "6020-6030", ft.Code())

	_, err = ParseFundType("crypto")
	assert.Error(t, err)
}
