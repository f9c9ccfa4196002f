package fundreport

import (
	"context"
	_ "embed"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/fundsync/internal/model"
)

//go:embed profiles.yaml
var defaultProfiles []byte

// TableKind names a portfolio table.
type TableKind string

const (
	KindAssetAllocation    TableKind = "asset_allocation"
	KindTopHoldings        TableKind = "top_holdings"
	KindIndustryAllocation TableKind = "industry_allocation"
)

// ColumnSpec binds a record field to header keywords.
type ColumnSpec struct {
	Field    string   `yaml:"field"`
	Keywords []string `yaml:"keywords"`
}

// Profile describes how to recognize and read one kind of table.
type Profile struct {
	Kind       TableKind    `yaml:"kind"`
	Primary    []string     `yaml:"primary"`
	Secondary  []string     `yaml:"secondary"`
	Exclusions []string     `yaml:"exclusions"`
	Columns    []ColumnSpec `yaml:"columns"`
}

// ScannerConfig holds scoring thresholds and the table profiles.
type ScannerConfig struct {
	Threshold        int       `yaml:"threshold"`
	MinRows          int       `yaml:"min_rows"`
	HeaderScanRows   int       `yaml:"header_scan_rows"`
	ContextRunes     int       `yaml:"context_runes"`
	MaxAllocationSum float64   `yaml:"max_allocation_sum"`
	Exclusions       []string  `yaml:"exclusions"`
	Profiles         []Profile `yaml:"profiles"`
}

// LoadScannerConfig parses a YAML profile document.
func LoadScannerConfig(data []byte) (ScannerConfig, error) {
	var cfg ScannerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ScannerConfig{}, eris.Wrap(err, "fundreport: parse table profiles")
	}
	if len(cfg.Profiles) == 0 {
		return ScannerConfig{}, eris.New("fundreport: no table profiles")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 4
	}
	if cfg.MinRows <= 0 {
		cfg.MinRows = 3
	}
	if cfg.HeaderScanRows <= 0 {
		cfg.HeaderScanRows = 5
	}
	if cfg.ContextRunes <= 0 {
		cfg.ContextRunes = 120
	}
	if cfg.MaxAllocationSum <= 0 {
		cfg.MaxAllocationSum = 500
	}
	return cfg, nil
}

// DefaultScannerConfig returns the embedded profiles.
func DefaultScannerConfig() ScannerConfig {
	cfg, err := LoadScannerConfig(defaultProfiles)
	if err != nil {
		panic(err)
	}
	return cfg
}

// Tables is the scanner output.
type Tables struct {
	AssetAllocations    []model.AssetAllocation
	TopHoldings         []model.TopHolding
	IndustryAllocations []model.IndustryAllocation
}

// TableScanner classifies HTML tables by keyword score and reads the
// portfolio tables out of them.
type TableScanner struct {
	cfg ScannerConfig
}

// NewTableScanner creates a scanner.
func NewTableScanner(cfg ScannerConfig) *TableScanner {
	return &TableScanner{cfg: cfg}
}

type candidate struct {
	profile *Profile
	score   int
	rows    [][]string
	order   int
}

// Scan reads every table in doc. For each kind the best scoring table that
// yields valid rows wins.
func (s *TableScanner) Scan(doc *goquery.Document) Tables {
	var out Tables
	if doc == nil {
		return out
	}

	byKind := make(map[TableKind][]candidate)
	doc.Find("table").Each(func(i int, table *goquery.Selection) {
		if c, ok := s.classify(table); ok {
			c.order = i
			byKind[c.profile.Kind] = append(byKind[c.profile.Kind], c)
		}
	})

	for kind, cands := range byKind {
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
		for _, c := range cands {
			if s.read(&out, c) {
				zap.L().Debug("table classified",
					zap.String("component", "fundreport"),
					zap.String("kind", string(kind)),
					zap.Int("score", c.score),
					zap.Int("table", c.order),
				)
				break
			}
		}
	}
	return out
}

// read fills the table kind of c into out and reports whether any row
// survived the filters.
func (s *TableScanner) read(out *Tables, c candidate) bool {
	header, cols, ok := s.findHeader(c.profile, c.rows)
	if !ok {
		return false
	}
	data := c.rows[header+1:]
	switch c.profile.Kind {
	case KindAssetAllocation:
		out.AssetAllocations = s.assetRows(data, cols)
		return len(out.AssetAllocations) > 0
	case KindTopHoldings:
		out.TopHoldings = holdingRows(data, cols)
		return len(out.TopHoldings) > 0
	case KindIndustryAllocation:
		out.IndustryAllocations = industryRows(data, cols)
		return len(out.IndustryAllocations) > 0
	}
	return false
}

func (s *TableScanner) classify(table *goquery.Selection) (candidate, bool) {
	rows := tableRows(table)
	if len(rows) < s.cfg.MinRows {
		return candidate{}, false
	}

	lead := precedingText(table.Get(0), s.cfg.ContextRunes)
	headerText := lead
	for i := 0; i < len(rows) && i < s.cfg.HeaderScanRows; i++ {
		headerText += " " + strings.Join(rows[i], " ")
	}
	if containsAny(headerText, s.cfg.Exclusions) {
		return candidate{}, false
	}

	var all strings.Builder
	all.WriteString(lead)
	for _, r := range rows {
		all.WriteString(" ")
		all.WriteString(strings.Join(r, " "))
	}
	text := all.String()

	best := candidate{score: -1}
	for i := range s.cfg.Profiles {
		p := &s.cfg.Profiles[i]
		if containsAny(headerText, p.Exclusions) {
			continue
		}
		score := 3*countHits(text, p.Primary) + countHits(text, p.Secondary)
		if score > best.score {
			best = candidate{profile: p, score: score, rows: rows}
		}
	}
	if best.profile == nil || best.score < s.cfg.Threshold {
		return candidate{}, false
	}
	return best, true
}

// findHeader returns the index of the best header row among the first rows
// and its field to column mapping. At least two columns must match.
func (s *TableScanner) findHeader(p *Profile, rows [][]string) (int, map[string]int, bool) {
	bestRow, bestCols := -1, map[string]int(nil)
	for i := 0; i < len(rows) && i < s.cfg.HeaderScanRows; i++ {
		cols := matchColumns(p.Columns, rows[i])
		if len(cols) >= 2 && len(cols) > len(bestCols) {
			bestRow, bestCols = i, cols
		}
	}
	return bestRow, bestCols, bestRow >= 0
}

func matchColumns(specs []ColumnSpec, cells []string) map[string]int {
	cols := make(map[string]int)
	used := make(map[int]bool)
	for _, spec := range specs {
		for i, cell := range cells {
			if used[i] || cell == "" {
				continue
			}
			if containsAny(cell, spec.Keywords) {
				cols[spec.Field] = i
				used[i] = true
				break
			}
		}
	}
	return cols
}

func cell(row []string, cols map[string]int, field string) string {
	i, ok := cols[field]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func validPercent(p *decimal.Decimal) bool {
	return p == nil || (!p.IsNegative() && p.LessThanOrEqual(decimal.NewFromInt(100)))
}

func (s *TableScanner) assetRows(rows [][]string, cols map[string]int) []model.AssetAllocation {
	var out []model.AssetAllocation
	sum := decimal.Zero
	for _, r := range rows {
		name := strings.TrimPrefix(ParseText(cell(r, cols, "asset_type")), "其中：")
		if name == "" || isTotalRow(name) {
			continue
		}
		a := model.AssetAllocation{
			AssetType:   name,
			MarketValue: ParseAmount(cell(r, cols, "market_value")),
			Percentage:  ParsePercent(cell(r, cols, "percentage")),
		}
		if a.MarketValue == nil && a.Percentage == nil {
			continue
		}
		if !validPercent(a.Percentage) {
			continue
		}
		if a.Percentage != nil {
			sum = sum.Add(*a.Percentage)
		}
		out = append(out, a)
	}
	if sum.GreaterThan(decimal.NewFromFloat(s.cfg.MaxAllocationSum)) {
		zap.L().Warn("asset allocation table rejected, percentages out of bounds",
			zap.String("component", "fundreport"),
			zap.String("sum", sum.String()),
		)
		return nil
	}
	return out
}

func holdingRows(rows [][]string, cols map[string]int) []model.TopHolding {
	var out []model.TopHolding
	for _, r := range rows {
		if len(out) == model.MaxTopHoldings {
			break
		}
		code := ParseText(cell(r, cols, "security_code"))
		name := ParseText(cell(r, cols, "security_name"))
		if (code == "" && name == "") || isTotalRow(name) || isTotalRow(code) {
			continue
		}
		shares := ParseAmount(cell(r, cols, "shares"))
		if shares == nil || !shares.IsPositive() {
			continue
		}
		out = append(out, model.TopHolding{
			Rank:         len(out) + 1,
			SecurityCode: code,
			SecurityName: name,
			Shares:       shares,
			MarketValue:  ParseAmount(cell(r, cols, "market_value")),
			Percentage:   ParsePercent(cell(r, cols, "percentage")),
		})
	}
	return out
}

func industryRows(rows [][]string, cols map[string]int) []model.IndustryAllocation {
	var out []model.IndustryAllocation
	for _, r := range rows {
		name := ParseText(cell(r, cols, "industry_name"))
		if name == "" || isTotalRow(name) {
			continue
		}
		ind := model.IndustryAllocation{
			IndustryName: name,
			IndustryCode: ParseText(cell(r, cols, "industry_code")),
			MarketValue:  ParseAmount(cell(r, cols, "market_value")),
			Percentage:   ParsePercent(cell(r, cols, "percentage")),
		}
		if !validPercent(ind.Percentage) {
			continue
		}
		out = append(out, ind)
	}
	return out
}

// tableRows returns the cell texts of the table's own rows, skipping rows
// of nested tables.
func tableRows(table *goquery.Selection) [][]string {
	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if !tr.Closest("table").IsSelection(table) {
			return
		}
		var cells []string
		tr.Children().Filter("td, th").Each(func(_ int, c *goquery.Selection) {
			cells = append(cells, cleanCell(c.Text()))
		})
		if len(cells) > 0 {
			rows = append(rows, cells)
		}
	})
	return rows
}

// precedingText collects up to limit runes of text before n, stopping at
// the previous table.
func precedingText(n *html.Node, limit int) string {
	if n == nil {
		return ""
	}
	var parts []string
	total := 0
walk:
	for cur := n; cur != nil && total < limit; cur = cur.Parent {
		for p := cur.PrevSibling; p != nil && total < limit; p = p.PrevSibling {
			if p.Type == html.ElementNode && p.Data == "table" {
				break walk
			}
			t := cleanCell(nodeText(p))
			if t == "" {
				continue
			}
			parts = append(parts, t)
			total += utf8.RuneCountInString(t)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	r := []rune(strings.Join(parts, " "))
	if len(r) > limit {
		r = r[len(r)-limit:]
	}
	return string(r)
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
		b.WriteString(" ")
	}
	return b.String()
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

func countHits(s string, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if k != "" && strings.Contains(s, k) {
			n++
		}
	}
	return n
}

// TableStrategy runs the heuristic table scanner.
type TableStrategy struct {
	scanner *TableScanner
}

// NewTableStrategy wraps scanner; nil uses the embedded profiles.
func NewTableStrategy(scanner *TableScanner) TableStrategy {
	if scanner == nil {
		scanner = NewTableScanner(DefaultScannerConfig())
	}
	return TableStrategy{scanner: scanner}
}

func (TableStrategy) Name() string  { return "table_scanner" }
func (TableStrategy) Covers() Field { return TableFields }

func (t TableStrategy) Extract(_ context.Context, src *Source, missing Field) (*model.ParsedFundReport, bool, error) {
	tables := t.scanner.Scan(src.Document())
	out := &model.ParsedFundReport{
		AssetAllocations:    tables.AssetAllocations,
		TopHoldings:         tables.TopHoldings,
		IndustryAllocations: tables.IndustryAllocations,
	}
	return out, Missing(out)&missing != missing, nil
}
