package fundreport

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/xbrl"
	"github.com/sells-group/fundsync/pkg/anthropic"
)

const aiInstructions = `You read Chinese mutual fund disclosure reports and return the requested fields as one JSON object.
Keys: fund_code (6 digits), fund_name, manager (fund management company), net_asset_value (per share),
total_net_assets (yuan), period_start and period_end (YYYY-MM-DD),
asset_allocations [{asset_type, market_value, percentage}],
top_holdings [{security_code, security_name, shares, market_value, percentage}],
industry_allocations [{industry_code, industry_name, market_value, percentage}].
Percentages are on a 0-100 scale without the % sign. Omit any key you cannot find in the text. Never guess.
Return only JSON.`

var fundCodeRe = regexp.MustCompile(`^\d{6}$`)

var fieldKeys = []struct {
	field Field
	keys  string
}{
	{FieldFundCode, "fund_code"},
	{FieldFundName, "fund_name"},
	{FieldManager, "manager"},
	{FieldNetAssetValue, "net_asset_value"},
	{FieldTotalNetAssets, "total_net_assets"},
	{FieldPeriod, "period_start, period_end"},
	{FieldAssetAllocations, "asset_allocations"},
	{FieldTopHoldings, "top_holdings"},
	{FieldIndustryAllocations, "industry_allocations"},
}

// AIStrategy asks a language model for the fields the other strategies
// could not find. It runs last and only when configured.
type AIStrategy struct {
	client        anthropic.Client
	model         string
	maxTokens     int64
	maxInputRunes int
	scanner       *TableScanner
}

// NewAIStrategy creates the strategy. maxInputRunes bounds the document text
// sent; zero uses 12000.
func NewAIStrategy(client anthropic.Client, model string, maxInputRunes int) *AIStrategy {
	if maxInputRunes <= 0 {
		maxInputRunes = 12000
	}
	return &AIStrategy{
		client:        client,
		model:         model,
		maxTokens:     2048,
		maxInputRunes: maxInputRunes,
		scanner:       NewTableScanner(DefaultScannerConfig()),
	}
}

func (a *AIStrategy) Name() string  { return "ai" }
func (a *AIStrategy) Covers() Field { return AllFields }

// looseString accepts a JSON string, number or null.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	*s = looseString(b)
	return nil
}

type aiRow struct {
	AssetType    looseString `json:"asset_type"`
	SecurityCode looseString `json:"security_code"`
	SecurityName looseString `json:"security_name"`
	IndustryCode looseString `json:"industry_code"`
	IndustryName looseString `json:"industry_name"`
	Shares       looseString `json:"shares"`
	MarketValue  looseString `json:"market_value"`
	Percentage   looseString `json:"percentage"`
}

type aiResult struct {
	FundCode            looseString `json:"fund_code"`
	FundName            looseString `json:"fund_name"`
	Manager             looseString `json:"manager"`
	NetAssetValue       looseString `json:"net_asset_value"`
	TotalNetAssets      looseString `json:"total_net_assets"`
	PeriodStart         looseString `json:"period_start"`
	PeriodEnd           looseString `json:"period_end"`
	AssetAllocations    []aiRow     `json:"asset_allocations"`
	TopHoldings         []aiRow     `json:"top_holdings"`
	IndustryAllocations []aiRow     `json:"industry_allocations"`
}

func (a *AIStrategy) Extract(ctx context.Context, src *Source, missing Field) (*model.ParsedFundReport, bool, error) {
	text := src.PlainText()
	if a.client == nil || text == "" {
		return nil, false, nil
	}
	if r := []rune(text); len(r) > a.maxInputRunes {
		text = string(r[:a.maxInputRunes])
	}

	var wanted []string
	for _, fk := range fieldKeys {
		if missing&fk.field != 0 {
			wanted = append(wanted, fk.keys)
		}
	}

	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    anthropic.CachedInstructions(aiInstructions),
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Fields: " + strings.Join(wanted, ", ") + "\n\nReport text:\n" + text,
		}},
	})
	if err != nil {
		return nil, false, eris.Wrap(err, "fundreport: ai extraction")
	}
	resp.Usage.Log(a.model)

	var res aiResult
	if err := anthropic.DecodeJSON(resp.Text(), &res); err != nil {
		return nil, false, eris.Wrap(err, "fundreport: ai response")
	}
	if resp.Truncated() {
		// Repair closes a cut-off answer, but the last row of a list may be
		// missing columns.
		zap.L().Warn("ai answer truncated, dropping list fields",
			zap.String("component", "fundreport"),
			zap.String("model", a.model),
		)
		res.AssetAllocations = nil
		res.TopHoldings = nil
		res.IndustryAllocations = nil
	}

	out := a.toReport(res)
	return out, Missing(out)&missing != missing, nil
}

// toReport validates model output with the same rules the table scanner
// applies, so a model answer never bypasses them.
func (a *AIStrategy) toReport(res aiResult) *model.ParsedFundReport {
	out := &model.ParsedFundReport{}
	if code := strings.TrimSpace(string(res.FundCode)); fundCodeRe.MatchString(code) {
		out.FundCode = code
	}
	out.FundName = strings.TrimSpace(string(res.FundName))
	out.Manager = strings.TrimSpace(string(res.Manager))
	if d, ok := xbrl.ParseNumber(string(res.NetAssetValue)); ok && d.IsPositive() {
		out.NetAssetValue = &d
	}
	if d := ParseAmount(string(res.TotalNetAssets)); d != nil && d.IsPositive() {
		out.TotalNetAssets = d
	}
	if s, e := parseISODate(string(res.PeriodStart)), parseISODate(string(res.PeriodEnd)); e != nil && (s == nil || !e.Before(*s)) {
		out.PeriodStart, out.PeriodEnd = s, e
	}

	assetCols := map[string]int{"asset_type": 0, "market_value": 1, "percentage": 2}
	var assets [][]string
	for _, r := range res.AssetAllocations {
		assets = append(assets, []string{string(r.AssetType), string(r.MarketValue), string(r.Percentage)})
	}
	out.AssetAllocations = a.scanner.assetRows(assets, assetCols)

	holdingCols := map[string]int{"security_code": 0, "security_name": 1, "shares": 2, "market_value": 3, "percentage": 4}
	var holdings [][]string
	for _, r := range res.TopHoldings {
		holdings = append(holdings, []string{string(r.SecurityCode), string(r.SecurityName), string(r.Shares), string(r.MarketValue), string(r.Percentage)})
	}
	out.TopHoldings = holdingRows(holdings, holdingCols)

	industryCols := map[string]int{"industry_code": 0, "industry_name": 1, "market_value": 2, "percentage": 3}
	var industries [][]string
	for _, r := range res.IndustryAllocations {
		industries = append(industries, []string{string(r.IndustryCode), string(r.IndustryName), string(r.MarketValue), string(r.Percentage)})
	}
	out.IndustryAllocations = industryRows(industries, industryCols)
	return out
}
