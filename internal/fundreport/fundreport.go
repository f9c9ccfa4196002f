// Package fundreport reconstructs fund-report semantics from a parsed
// document. Extraction is an ordered chain of strategies; each fills only
// the fields still missing after the strategies before it.
package fundreport

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
	"github.com/sells-group/fundsync/internal/xbrl"
)

// Field is a bit set of report fields.
type Field uint16

const (
	FieldFundCode Field = 1 << iota
	FieldFundName
	FieldManager
	FieldNetAssetValue
	FieldTotalNetAssets
	FieldPeriod
	FieldAssetAllocations
	FieldTopHoldings
	FieldIndustryAllocations
)

const (
	// BasicFields are the identity, valuation and period fields.
	BasicFields = FieldFundCode | FieldFundName | FieldManager | FieldNetAssetValue | FieldTotalNetAssets | FieldPeriod
	// TableFields are the portfolio tables.
	TableFields = FieldAssetAllocations | FieldTopHoldings | FieldIndustryAllocations
	AllFields   = BasicFields | TableFields
)

// Missing returns the fields of r that are still empty.
func Missing(r *model.ParsedFundReport) Field {
	var m Field
	if r.FundCode == "" {
		m |= FieldFundCode
	}
	if r.FundName == "" {
		m |= FieldFundName
	}
	if r.Manager == "" {
		m |= FieldManager
	}
	if r.NetAssetValue == nil {
		m |= FieldNetAssetValue
	}
	if r.TotalNetAssets == nil {
		m |= FieldTotalNetAssets
	}
	if r.PeriodEnd == nil {
		m |= FieldPeriod
	}
	if len(r.AssetAllocations) == 0 {
		m |= FieldAssetAllocations
	}
	if len(r.TopHoldings) == 0 {
		m |= FieldTopHoldings
	}
	if len(r.IndustryAllocations) == 0 {
		m |= FieldIndustryAllocations
	}
	return m
}

// merge copies the wanted fields of src into dst and returns the ones set.
func merge(dst, src *model.ParsedFundReport, want Field) Field {
	if src == nil {
		return 0
	}
	var got Field
	if want&FieldFundCode != 0 && src.FundCode != "" {
		dst.FundCode = src.FundCode
		got |= FieldFundCode
	}
	if want&FieldFundName != 0 && src.FundName != "" {
		dst.FundName = src.FundName
		got |= FieldFundName
	}
	if want&FieldManager != 0 && src.Manager != "" {
		dst.Manager = src.Manager
		got |= FieldManager
	}
	if want&FieldNetAssetValue != 0 && src.NetAssetValue != nil {
		dst.NetAssetValue = src.NetAssetValue
		got |= FieldNetAssetValue
	}
	if want&FieldTotalNetAssets != 0 && src.TotalNetAssets != nil {
		dst.TotalNetAssets = src.TotalNetAssets
		got |= FieldTotalNetAssets
	}
	if want&FieldPeriod != 0 && src.PeriodEnd != nil {
		dst.PeriodStart = src.PeriodStart
		dst.PeriodEnd = src.PeriodEnd
		got |= FieldPeriod
	}
	if want&FieldAssetAllocations != 0 && len(src.AssetAllocations) > 0 {
		dst.AssetAllocations = src.AssetAllocations
		got |= FieldAssetAllocations
	}
	if want&FieldTopHoldings != 0 && len(src.TopHoldings) > 0 {
		dst.TopHoldings = src.TopHoldings
		got |= FieldTopHoldings
	}
	if want&FieldIndustryAllocations != 0 && len(src.IndustryAllocations) > 0 {
		dst.IndustryAllocations = src.IndustryAllocations
		got |= FieldIndustryAllocations
	}
	return got
}

// Source is the input shared by every strategy. The HTML view and the
// flattened text are built lazily and at most once.
type Source struct {
	Result    *xbrl.Result
	Reference *model.ReportReference

	once sync.Once
	doc  *goquery.Document
	text string
}

// NewSource wraps a parse result. ref may be nil.
func NewSource(res *xbrl.Result, ref *model.ReportReference) *Source {
	return &Source{Result: res, Reference: ref}
}

var spaceRe = regexp.MustCompile(`[\s\x{00a0}\x{3000}]+`)

func (s *Source) load() {
	s.once.Do(func() {
		if s.Result == nil {
			return
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(s.Result.Text))
		if err != nil {
			zap.L().Warn("document not readable as html",
				zap.String("component", "fundreport"),
				zap.Error(err),
			)
			return
		}
		s.doc = doc
		doc.Find("script, style").Remove()
		s.text = strings.TrimSpace(spaceRe.ReplaceAllString(doc.Text(), " "))
	})
}

// Document returns the HTML view of the source, nil if unavailable.
func (s *Source) Document() *goquery.Document {
	s.load()
	return s.doc
}

// PlainText returns the document text with markup removed and whitespace
// collapsed.
func (s *Source) PlainText() string {
	s.load()
	return s.text
}

// Strategy extracts some report fields. ok=false is an explicit no match;
// errors are logged by the extractor and treated as no match.
type Strategy interface {
	Name() string
	// Covers lists the fields the strategy can produce.
	Covers() Field
	Extract(ctx context.Context, src *Source, missing Field) (report *model.ParsedFundReport, ok bool, err error)
}

// Extractor runs the strategy chain.
type Extractor struct {
	strategies []Strategy
}

// NewExtractor creates an extractor that tries strategies in order.
func NewExtractor(strategies ...Strategy) *Extractor {
	return &Extractor{strategies: strategies}
}

// DefaultStrategies returns facts, patterns and the table scanner. An AI
// strategy, when configured, is appended by the caller.
func DefaultStrategies(scanner *TableScanner) []Strategy {
	return []Strategy{
		FactStrategy{},
		PatternStrategy{},
		NewTableStrategy(scanner),
	}
}

// Extract builds a report from a parse result. An unrecognized document
// yields nil. Report type and year come from the reference description,
// the text or the period.
func (e *Extractor) Extract(ctx context.Context, res *xbrl.Result, ref *model.ReportReference) *model.ParsedFundReport {
	if !res.Recognized() {
		return nil
	}
	log := zap.L().With(zap.String("component", "fundreport"))
	if ref != nil {
		log = log.With(zap.String("upload_id", ref.UploadID))
	}

	src := NewSource(res, ref)
	report := &model.ParsedFundReport{}
	for _, s := range e.strategies {
		missing := Missing(report) & s.Covers()
		if missing == 0 {
			continue
		}
		if ctx.Err() != nil {
			log.Warn("extraction cancelled", zap.Error(ctx.Err()))
			break
		}
		part, ok, err := s.Extract(ctx, src, missing)
		if err != nil {
			log.Warn("strategy failed", zap.String("strategy", s.Name()), zap.Error(err))
			continue
		}
		if !ok {
			log.Debug("strategy found no match", zap.String("strategy", s.Name()))
			continue
		}
		got := merge(report, part, missing)
		log.Debug("strategy matched", zap.String("strategy", s.Name()), zap.Uint16("fields", uint16(got)))
	}

	if report.FundCode == "" && ref != nil {
		report.FundCode = ref.FundCode
	}
	if report.FundName == "" && ref != nil {
		report.FundName = ref.FundShortName
	}
	if report.Manager == "" && ref != nil {
		report.Manager = ref.OrganizationName
	}

	desc := ""
	if ref != nil {
		desc = ref.ReportDescription
	}
	report.ReportType = InferReportType(desc, titleText(src.PlainText()), report.PeriodStart, report.PeriodEnd)
	report.ReportQuarter = report.ReportType.Quarter()
	report.ReportYear = reportYear(report, ref)
	return report
}

// titleText is the leading part of the text where report titles appear.
func titleText(s string) string {
	const limit = 300
	r := []rune(s)
	if len(r) > limit {
		r = r[:limit]
	}
	return string(r)
}
