package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ReportType identifies the disclosure report being searched for.
type ReportType string

const (
	ReportTypeAnnual     ReportType = "annual"
	ReportTypeSemiAnnual ReportType = "semi_annual"
	ReportTypeQ1         ReportType = "q1"
	ReportTypeQ2         ReportType = "q2"
	ReportTypeQ3         ReportType = "q3"
	ReportTypeQ4         ReportType = "q4"
	ReportTypeProfile    ReportType = "profile"
)

// reportTypeCodes maps report types to the portal's reportTypeCode values.
var reportTypeCodes = map[ReportType]string{
	ReportTypeAnnual:     "FB010010",
	ReportTypeSemiAnnual: "FB020010",
	ReportTypeQ1:         "FB030010",
	ReportTypeQ2:         "FB030020",
	ReportTypeQ3:         "FB030030",
	ReportTypeQ4:         "FB030040",
	ReportTypeProfile:    "FB060010",
}

var reportTypeAliases = map[string]ReportType{
	"annual":      ReportTypeAnnual,
	"semi_annual": ReportTypeSemiAnnual,
	"semiannual":  ReportTypeSemiAnnual,
	"semi-annual": ReportTypeSemiAnnual,
	"q1":          ReportTypeQ1,
	"q2":          ReportTypeQ2,
	"q3":          ReportTypeQ3,
	"q4":          ReportTypeQ4,
	"profile":     ReportTypeProfile,
	"年度报告":        ReportTypeAnnual,
	"年报":          ReportTypeAnnual,
	"中期报告":        ReportTypeSemiAnnual,
	"半年度报告":       ReportTypeSemiAnnual,
	"第一季度报告":      ReportTypeQ1,
	"第二季度报告":      ReportTypeQ2,
	"第三季度报告":      ReportTypeQ3,
	"第四季度报告":      ReportTypeQ4,
	"基金产品资料概要":    ReportTypeProfile,
}

// ParseReportType resolves a report type from its name or Chinese label.
func ParseReportType(s string) (ReportType, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if rt, ok := reportTypeAliases[key]; ok {
		return rt, nil
	}
	return "", eris.Errorf("model: unknown report type %q", s)
}

// Code returns the portal's report type code.
func (r ReportType) Code() string {
	return reportTypeCodes[r]
}

// Quarter returns 1-4 for quarterly reports and 0 otherwise.
func (r ReportType) Quarter() int {
	switch r {
	case ReportTypeQ1:
		return 1
	case ReportTypeQ2:
		return 2
	case ReportTypeQ3:
		return 3
	case ReportTypeQ4:
		return 4
	default:
		return 0
	}
}

// Valid reports whether r is a known report type.
func (r ReportType) Valid() bool {
	_, ok := reportTypeCodes[r]
	return ok
}

// QuarterReportType returns the quarterly report type for q (1-4).
func QuarterReportType(q int) ReportType {
	switch q {
	case 1:
		return ReportTypeQ1
	case 2:
		return ReportTypeQ2
	case 3:
		return ReportTypeQ3
	case 4:
		return ReportTypeQ4
	default:
		return ""
	}
}

// FundType is an optional fund category filter.
type FundType string

const (
	FundTypeStock       FundType = "stock"
	FundTypeHybrid      FundType = "hybrid"
	FundTypeBond        FundType = "bond"
	FundTypeMoneyMarket FundType = "money_market"
	FundTypeQDII        FundType = "qdii"
	FundTypeFOF         FundType = "fof"
	FundTypeIndex       FundType = "index"
)

var fundTypeCodes = map[FundType]string{
	FundTypeStock:       "6020-6010",
	FundTypeHybrid:      "6020-6040",
	FundTypeBond:        "6020-6030",
	FundTypeMoneyMarket: "6020-6050",
	FundTypeQDII:        "6020-6080",
	FundTypeFOF:         "6020-6090",
	FundTypeIndex:       "6020-6020",
}

// Code returns the portal's fund type code, or "" for an unset type.
func (f FundType) Code() string {
	return fundTypeCodes[f]
}

// ParseFundType resolves a fund type name. An empty string is allowed.
func ParseFundType(s string) (FundType, error) {
	ft := FundType(strings.ToLower(strings.TrimSpace(s)))
	if ft == "" {
		return "", nil
	}
	if _, ok := fundTypeCodes[ft]; !ok {
		return "", eris.Errorf("model: unknown fund type %q", s)
	}
	return ft, nil
}

const (
	// DefaultPageSize is used when SearchCriteria.PageSize is zero.
	DefaultPageSize = 20
	// DateLayout is the portal's date format.
	DateLayout = "2006-01-02"
)

// SearchCriteria filters a portal report search.
type SearchCriteria struct {
	Year             int        `json:"year"`
	ReportType       ReportType `json:"report_type"`
	FundType         FundType   `json:"fund_type,omitempty"`
	CompanyShortName string     `json:"company_short_name,omitempty"`
	FundCode         string     `json:"fund_code,omitempty"`
	FundShortName    string     `json:"fund_short_name,omitempty"`
	StartDate        *time.Time `json:"start_date,omitempty"`
	EndDate          *time.Time `json:"end_date,omitempty"`
	Page             int        `json:"page"`
	PageSize         int        `json:"page_size"`
}

// Normalize fills zero page fields with defaults.
func (c *SearchCriteria) Normalize() {
	if c.Page == 0 {
		c.Page = 1
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
}

// Validate checks the criteria before any request is built.
func (c SearchCriteria) Validate() error {
	if c.Page < 1 {
		return eris.Errorf("model: page must be >= 1, got %d", c.Page)
	}
	if c.PageSize < 1 {
		return eris.Errorf("model: page_size must be >= 1, got %d", c.PageSize)
	}
	if c.ReportType != "" && !c.ReportType.Valid() {
		return eris.Errorf("model: unknown report type %q", c.ReportType)
	}
	if c.FundType != "" && c.FundType.Code() == "" {
		return eris.Errorf("model: unknown fund type %q", c.FundType)
	}
	if c.StartDate != nil && c.EndDate != nil && c.StartDate.After(*c.EndDate) {
		return eris.Errorf("model: start date %s is after end date %s",
			c.StartDate.Format(DateLayout), c.EndDate.Format(DateLayout))
	}
	return nil
}

// Offset returns the zero-based row offset of the page.
func (c SearchCriteria) Offset() int {
	return (c.Page - 1) * c.PageSize
}
