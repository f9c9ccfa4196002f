package fundreport

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/xbrl"
)

// Patterns per field in priority order. Each captures the value in group 1.
var (
	fundCodePatterns = []*regexp.Regexp{
		regexp.MustCompile(`基金主代码\s*[:：]?\s*(\d{6})`),
		regexp.MustCompile(`基金代码\s*[:：]?\s*(\d{6})`),
		regexp.MustCompile(`(?:交易|场内)代码\s*[:：]?\s*(\d{6})`),
	}
	fundNamePatterns = []*regexp.Regexp{
		regexp.MustCompile(`基金名称\s*[:：]?\s*([\p{Han}A-Za-z0-9（）()·\-]{2,60})`),
		regexp.MustCompile(`基金简称\s*[:：]?\s*([\p{Han}A-Za-z0-9（）()·\-]{2,40})`),
	}
	managerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`基金管理人(?:名称)?\s*[:：]?\s*([\p{Han}A-Za-z（）()]{2,40}?(?:股份有限公司|有限责任公司|有限公司))`),
		regexp.MustCompile(`管理人\s*[:：]?\s*([\p{Han}（）()]{2,40}?基金管理有限公司)`),
	}
	navPatterns = []*regexp.Regexp{
		regexp.MustCompile(`期末基金份额净值\s*(?:[（(]元[)）])?\s*[:：]?\s*(\d+\.\d+)`),
		regexp.MustCompile(`(?:基金份额净值|单位净值|份额净值)\s*(?:[（(]元[)）])?\s*[:：]?\s*(\d+\.\d+)`),
	}
	totalNavPatterns = []*regexp.Regexp{
		regexp.MustCompile(`期末基金资产净值\s*(?:[（(]元[)）])?\s*[:：]?\s*(\d[\d,]*(?:\.\d+)?)`),
		regexp.MustCompile(`基金资产净值\s*(?:[（(]元[)）])?\s*[:：]?\s*(\d[\d,]*(?:\.\d+)?)`),
	}
	periodPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日\s*(?:起)?\s*(?:至|到|[-~\x{2014}\x{2013}\x{ff5e}]+)\s*(\d{4})\s*年\s*(\d{1,2})\s*月\s*(\d{1,2})\s*日`),
		regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})\s*(?:至|到|~)\s*(\d{4})-(\d{2})-(\d{2})`),
	}
)

// PatternStrategy reads basic fields from the flattened document text.
type PatternStrategy struct{}

func (PatternStrategy) Name() string  { return "patterns" }
func (PatternStrategy) Covers() Field { return BasicFields }

func (PatternStrategy) Extract(_ context.Context, src *Source, missing Field) (*model.ParsedFundReport, bool, error) {
	text := src.PlainText()
	if text == "" {
		return nil, false, nil
	}

	out := &model.ParsedFundReport{}
	if missing&FieldFundCode != 0 {
		out.FundCode = firstMatch(text, fundCodePatterns)
	}
	if missing&FieldFundName != 0 {
		out.FundName = firstMatch(text, fundNamePatterns)
	}
	if missing&FieldManager != 0 {
		out.Manager = firstMatch(text, managerPatterns)
	}
	if missing&FieldNetAssetValue != 0 {
		if d, ok := xbrl.ParseNumber(firstMatch(text, navPatterns)); ok {
			out.NetAssetValue = &d
		}
	}
	if missing&FieldTotalNetAssets != 0 {
		if d, ok := xbrl.ParseNumber(firstMatch(text, totalNavPatterns)); ok {
			out.TotalNetAssets = &d
		}
	}
	if missing&FieldPeriod != 0 {
		out.PeriodStart, out.PeriodEnd = matchPeriod(text)
	}

	return out, Missing(out)&missing != missing, nil
}

func firstMatch(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func matchPeriod(text string) (start, end *time.Time) {
	for _, re := range periodPatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		s, ok1 := ymd(m[1], m[2], m[3])
		e, ok2 := ymd(m[4], m[5], m[6])
		if ok1 && ok2 && !e.Before(s) {
			return &s, &e
		}
	}
	return nil, nil
}

func ymd(y, m, d string) (time.Time, bool) {
	yy, err1 := strconv.Atoi(y)
	mm, err2 := strconv.Atoi(m)
	dd, err3 := strconv.Atoi(d)
	if err1 != nil || err2 != nil || err3 != nil || mm < 1 || mm > 12 || dd < 1 || dd > 31 {
		return time.Time{}, false
	}
	t := time.Date(yy, time.Month(mm), dd, 0, 0, 0, 0, time.UTC)
	if t.Day() != dd {
		return time.Time{}, false
	}
	return t, true
}

func parseISODate(s string) *time.Time {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return nil
	}
	return &t
}
