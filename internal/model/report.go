package model

import (
	"regexp"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// ErrInvalidUploadID is returned for upload ids outside the portal's charset.
var ErrInvalidUploadID = eris.New("model: invalid upload id")

// Portal upload ids are numeric; letters, '-' and '_' are tolerated for
// mirrors. Anything that could act as a path or query separator is not.
var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateUploadID rejects empty ids and ids that are unsafe as file names.
func ValidateUploadID(id string) error {
	if !uploadIDPattern.MatchString(id) {
		return eris.Wrapf(ErrInvalidUploadID, "%q", id)
	}
	return nil
}

// ReportReference identifies one disclosure document on the portal.
type ReportReference struct {
	UploadID          string `json:"upload_id"`
	FundCode          string `json:"fund_code"`
	FundID            string `json:"fund_id,omitempty"`
	FundShortName     string `json:"fund_short_name"`
	OrganizationName  string `json:"organization_name"`
	ReportYear        string `json:"report_year,omitempty"`
	ReportSendDate    string `json:"report_send_date"`
	ReportDescription string `json:"report_description"`
}

// DownloadResult is the outcome of one download attempt.
type DownloadResult struct {
	Reference ReportReference `json:"reference"`
	Success   bool            `json:"success"`
	FilePath  string          `json:"file_path,omitempty"`
	Error     string          `json:"error,omitempty"`
	ByteSize  int64           `json:"byte_size"`
}

// AssetAllocation is one row of the asset allocation table.
type AssetAllocation struct {
	AssetType   string           `json:"asset_type"`
	MarketValue *decimal.Decimal `json:"market_value,omitempty"`
	Percentage  *decimal.Decimal `json:"percentage,omitempty"`
}

// TopHolding is one ranked security position.
type TopHolding struct {
	Rank         int              `json:"rank"`
	SecurityCode string           `json:"security_code"`
	SecurityName string           `json:"security_name"`
	Shares       *decimal.Decimal `json:"shares,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
	Percentage   *decimal.Decimal `json:"percentage,omitempty"`
}

// IndustryAllocation is one row of the industry allocation table.
type IndustryAllocation struct {
	IndustryName string           `json:"industry_name"`
	IndustryCode string           `json:"industry_code,omitempty"`
	MarketValue  *decimal.Decimal `json:"market_value,omitempty"`
	Percentage   *decimal.Decimal `json:"percentage,omitempty"`
}

// MaxTopHoldings caps the ranked holdings kept per report.
const MaxTopHoldings = 10

// ParsedFundReport is the normalized output of the parsing engine.
type ParsedFundReport struct {
	FundCode            string               `json:"fund_code"`
	FundName            string               `json:"fund_name"`
	Manager             string               `json:"manager"`
	ReportType          ReportType           `json:"report_type"`
	ReportYear          int                  `json:"report_year"`
	ReportQuarter       int                  `json:"report_quarter,omitempty"`
	PeriodStart         *time.Time           `json:"period_start,omitempty"`
	PeriodEnd           *time.Time           `json:"period_end,omitempty"`
	NetAssetValue       *decimal.Decimal     `json:"net_asset_value,omitempty"`
	TotalNetAssets      *decimal.Decimal     `json:"total_net_assets,omitempty"`
	AssetAllocations    []AssetAllocation    `json:"asset_allocations"`
	TopHoldings         []TopHolding         `json:"top_holdings"`
	IndustryAllocations []IndustryAllocation `json:"industry_allocations"`
}

// Empty reports whether nothing useful was extracted.
func (r *ParsedFundReport) Empty() bool {
	return r.FundCode == "" && r.FundName == "" && r.NetAssetValue == nil &&
		len(r.AssetAllocations) == 0 && len(r.TopHoldings) == 0 && len(r.IndustryAllocations) == 0
}
