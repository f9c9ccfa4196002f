package fundreport

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/xbrl"
)

// Well-known concept local names, most specific first.
var (
	fundCodeConcepts = []string{"FundCode", "FundTradingCode", "TradingCode", "FundMainCode"}
	fundNameConcepts = []string{"FundName", "FundShortName", "FundFullName", "FundAbbreviation"}
	managerConcepts  = []string{"FundManagementCompany", "FundManager", "Manager", "NameOfFundManager"}
	navConcepts      = []string{"NetAssetValuePerShare", "NetAssetValue", "UnitNetAssetValue", "NetAssetValuePerUnit"}
	totalNavConcepts = []string{"TotalNetAssets", "NetAssets", "FundNetAssetValue", "NetAssetValueOfFund"}
	identityConcepts = [][]string{fundCodeConcepts, navConcepts, fundNameConcepts}
)

// FactStrategy reads basic fields from tagged facts.
type FactStrategy struct{}

func (FactStrategy) Name() string  { return "facts" }
func (FactStrategy) Covers() Field { return BasicFields }

// Extract looks up each field by well-known local names. Facts in a
// context without scenario members win over dimensional ones.
func (FactStrategy) Extract(_ context.Context, src *Source, missing Field) (*model.ParsedFundReport, bool, error) {
	res := src.Result
	if res == nil || len(res.Facts) == 0 {
		return nil, false, nil
	}
	idx := res.FactsByLocalName()
	pick := func(names []string) (model.ParsedFact, bool) {
		return pickFact(idx, res.Contexts, names)
	}

	out := &model.ParsedFundReport{}
	if missing&FieldFundCode != 0 {
		if f, ok := pick(fundCodeConcepts); ok {
			out.FundCode = strings.TrimSpace(f.RawValue)
		}
	}
	if missing&FieldFundName != 0 {
		if f, ok := pick(fundNameConcepts); ok {
			out.FundName = strings.TrimSpace(f.RawValue)
		}
	}
	if missing&FieldManager != 0 {
		if f, ok := pick(managerConcepts); ok {
			out.Manager = strings.TrimSpace(f.RawValue)
		}
	}
	if missing&FieldNetAssetValue != 0 {
		if f, ok := pick(navConcepts); ok {
			out.NetAssetValue = factDecimal(f)
		}
	}
	if missing&FieldTotalNetAssets != 0 {
		if f, ok := pick(totalNavConcepts); ok {
			out.TotalNetAssets = factDecimal(f)
		}
	}
	if missing&FieldPeriod != 0 {
		out.PeriodStart, out.PeriodEnd = factPeriod(idx, res.Contexts)
	}

	return out, Missing(out)&missing != missing, nil
}

func pickFact(idx map[string][]model.ParsedFact, contexts map[string]model.Context, names []string) (model.ParsedFact, bool) {
	var fallback *model.ParsedFact
	for _, name := range names {
		for i, f := range idx[name] {
			if strings.TrimSpace(f.RawValue) == "" {
				continue
			}
			if c, ok := contexts[f.ContextRef]; !ok || c.Scenario.Empty() {
				return f, true
			}
			if fallback == nil {
				fallback = &idx[name][i]
			}
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return model.ParsedFact{}, false
}

func factDecimal(f model.ParsedFact) *decimal.Decimal {
	if f.Kind == model.ValueNumeric {
		d := f.Numeric
		return &d
	}
	if d, ok := xbrl.ParseNumber(f.RawValue); ok {
		return &d
	}
	return nil
}

// factPeriod takes the first duration context used by an identity fact,
// then the longest duration context, then the latest instant.
func factPeriod(idx map[string][]model.ParsedFact, contexts map[string]model.Context) (start, end *time.Time) {
	for _, names := range identityConcepts {
		for _, name := range names {
			for _, f := range idx[name] {
				c, ok := contexts[f.ContextRef]
				if ok && c.PeriodKind == model.PeriodDuration && c.EndDate != nil {
					return c.StartDate, c.EndDate
				}
			}
		}
	}

	var best *model.Context
	for id := range contexts {
		c := contexts[id]
		if c.PeriodKind != model.PeriodDuration || c.StartDate == nil || c.EndDate == nil {
			continue
		}
		if best == nil || c.EndDate.Sub(*c.StartDate) > best.EndDate.Sub(*best.StartDate) ||
			(c.EndDate.Sub(*c.StartDate) == best.EndDate.Sub(*best.StartDate) && c.EndDate.After(*best.EndDate)) {
			best = &c
		}
	}
	if best != nil {
		return best.StartDate, best.EndDate
	}

	for id := range contexts {
		c := contexts[id]
		if c.PeriodKind == model.PeriodInstant && c.Instant != nil && (end == nil || c.Instant.After(*end)) {
			end = c.Instant
		}
	}
	return nil, end
}
