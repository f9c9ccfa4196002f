package fundreport

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/fundsync/internal/model"
)

type typeKeyword struct {
	re  *regexp.Regexp
	typ model.ReportType
}

// Checked in order: 半年度报告 contains 年度报告, so semi-annual precedes
// annual.
var typeKeywords = []typeKeyword{
	{regexp.MustCompile(`招募说明书|产品资料概要`), model.ReportTypeProfile},
	{regexp.MustCompile(`第?[一1]季度`), model.ReportTypeQ1},
	{regexp.MustCompile(`第?[二2]季度`), model.ReportTypeQ2},
	{regexp.MustCompile(`第?[三3]季度`), model.ReportTypeQ3},
	{regexp.MustCompile(`第?[四4]季度`), model.ReportTypeQ4},
	{regexp.MustCompile(`中期报告|半年度报告|半年报`), model.ReportTypeSemiAnnual},
	{regexp.MustCompile(`年度报告|年报`), model.ReportTypeAnnual},
}

// InferReportType decides the report type from the reference description,
// then the document title text, then the covered period. It returns ""
// when nothing matches.
func InferReportType(description, title string, start, end *time.Time) model.ReportType {
	for _, s := range []string{description, title} {
		if t := typeFromKeywords(s); t != "" {
			return t
		}
	}
	return typeFromPeriod(start, end)
}

func typeFromKeywords(s string) model.ReportType {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	for _, k := range typeKeywords {
		if k.re.MatchString(s) {
			return k.typ
		}
	}
	return ""
}

// typeFromPeriod: about 12 months ending in December is annual, about 6
// ending in June is semi-annual, about 3 is the quarter of the end month.
func typeFromPeriod(start, end *time.Time) model.ReportType {
	if start == nil || end == nil || end.Before(*start) {
		return ""
	}
	months := coveredMonths(*start, *end)
	switch {
	case end.Month() == time.December && months >= 11 && months <= 13:
		return model.ReportTypeAnnual
	case end.Month() == time.June && months >= 5 && months <= 7:
		return model.ReportTypeSemiAnnual
	case months >= 2 && months <= 4:
		switch end.Month() {
		case time.March:
			return model.ReportTypeQ1
		case time.June:
			return model.ReportTypeQ2
		case time.September:
			return model.ReportTypeQ3
		case time.December:
			return model.ReportTypeQ4
		}
	}
	return ""
}

// coveredMonths counts calendar months from start through end inclusive.
func coveredMonths(start, end time.Time) int {
	return (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month()) + 1
}

func reportYear(r *model.ParsedFundReport, ref *model.ReportReference) int {
	if r.PeriodEnd != nil {
		return r.PeriodEnd.Year()
	}
	if ref == nil {
		return 0
	}
	if y, err := strconv.Atoi(strings.TrimSpace(ref.ReportYear)); err == nil {
		return y
	}
	if len(ref.ReportSendDate) >= 4 {
		if y, err := strconv.Atoi(ref.ReportSendDate[:4]); err == nil {
			return y
		}
	}
	return 0
}
