package xbrl

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/sells-group/fundsync/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func readFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func factNamed(t *testing.T, facts []model.ParsedFact, local string) model.ParsedFact {
	t.Helper()
	for _, f := range facts {
		if f.LocalName == local {
			return f
		}
	}
	t.Fatalf("fact %s not found", local)
	return model.ParsedFact{}
}

func TestClassifyValue(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		unit     bool
		decimals bool
		kind     model.ValueKind
		numeric  string
		boolean  bool
	}{
		{"scientific with unit", "1.23E+5", true, false, model.ValueNumeric, "123000", false},
		{"decimal with unit", "1.3000", true, true, model.ValueNumeric, "1.3", false},
		{"fund code without unit", "000001", false, false, model.ValueText, "", false},
		{"leading zero negative", "-0012", false, false, model.ValueText, "", false},
		{"fractional with zero", "0.5", false, false, model.ValueNumeric, "0.5", false},
		{"thousands separators", "1,234,567.89", false, false, model.ValueNumeric, "1234567.89", false},
		{"parenthesized negative", "(1,000)", false, true, model.ValueNumeric, "-1000", false},
		{"non ascii with unit", "一百", true, false, model.ValueText, "", false},
		{"true", "true", false, false, model.ValueBoolean, "", true},
		{"FALSE", "FALSE", false, false, model.ValueBoolean, "", false},
		{"one", "1", false, false, model.ValueBoolean, "", true},
		{"zero", "0", false, false, model.ValueBoolean, "", false},
		{"one with unit", "1", true, false, model.ValueNumeric, "1", false},
		{"unparseable with unit", "n/a", true, false, model.ValueText, "", false},
		{"broken exponent", "1e", true, false, model.ValueText, "", false},
		{"plain text", "abc", false, false, model.ValueText, "", false},
		{"empty", "", true, true, model.ValueText, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyValue(tt.raw, tt.unit, tt.decimals)
			assert.Equal(t, tt.kind, got.Kind)
			switch tt.kind {
			case model.ValueNumeric:
				assert.True(t, decimal.RequireFromString(tt.numeric).Equal(got.Numeric), "got %s", got.Numeric)
			case model.ValueBoolean:
				assert.Equal(t, tt.boolean, got.Bool)
			case model.ValueText:
				assert.Equal(t, strings.TrimSpace(tt.raw), got.Text)
			}
		})
	}
}

func TestApplyScaleSign(t *testing.T) {
	d := decimal.RequireFromString("1.5")
	assert.True(t, decimal.NewFromInt(15000).Equal(applyScaleSign(d, "4", "")))
	assert.True(t, decimal.RequireFromString("-1.5").Equal(applyScaleSign(d, "", "-")))
	assert.True(t, decimal.RequireFromString("0.015").Equal(applyScaleSign(d, "-2", "")))
}

func TestDecode_XMLDeclarationCharset(t *testing.T) {
	body, err := simplifiedchinese.GBK.NewEncoder().String("<root>华夏成长混合</root>")
	require.NoError(t, err)
	raw := []byte(`<?xml version="1.0" encoding="GB2312"?>` + body)

	text, err := Decode(raw)
	require.NoError(t, err)
	assert.Contains(t, text, "华夏成长混合")
	assert.Contains(t, text, `encoding="UTF-8"`)
}

func TestDecode_MetaCharset(t *testing.T) {
	body, err := simplifiedchinese.GBK.NewEncoder().String(`<html><head><meta http-equiv="Content-Type" content="text/html; charset=gbk"></head><body>基金</body></html>`)
	require.NoError(t, err)

	text, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Contains(t, text, "基金")
}

func TestDecode_GB18030Fallback(t *testing.T) {
	body, err := simplifiedchinese.GB18030.NewEncoder().String("<p>资产配置</p>")
	require.NoError(t, err)

	text, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "<p>资产配置</p>", text)
}

func TestDecode_BOMAndUTF8(t *testing.T) {
	text, err := Decode(append([]byte{0xEF, 0xBB, 0xBF}, []byte("<a>净值</a>")...))
	require.NoError(t, err)
	assert.Equal(t, "<a>净值</a>", text)

	text, err = Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, text)
}

func TestDecode_Undecodable(t *testing.T) {
	_, err := Decode([]byte("PK\x03\x04\x00\x00binary"))
	assert.ErrorIs(t, err, ErrUndecodable)

	_, err = Decode([]byte(`<?xml version="1.0" encoding="x-no-such-charset"?><a/>`))
	assert.ErrorIs(t, err, ErrUndecodable)
}

func TestClassify_TagBased(t *testing.T) {
	doc := Classify(string(readFixture(t, "scenario_a.xml")))
	assert.Equal(t, TagBased, doc.Format)

	doc = Classify("<!-- generated -->\n<xbrl xmlns=\"http://www.xbrl.org/2003/instance\"></xbrl>")
	assert.Equal(t, TagBased, doc.Format)
}

func TestClassify_EmbeddedRootCarriesNamespaces(t *testing.T) {
	html := `<html xmlns:xbrli="http://www.xbrl.org/2003/instance" xmlns:cfid-pt="http://www.csrc.gov.cn/cfid/pt">
<head><title>基金年度报告</title></head>
<body><div><p>报告&nbsp;正文</p>
<xbrli:xbrl><xbrli:context id="c-1"><xbrli:entity><xbrli:identifier scheme="s">000001</xbrli:identifier></xbrli:entity><xbrli:period><xbrli:instant>2024-06-30</xbrli:instant></xbrli:period></xbrli:context>
<cfid-pt:FundCode contextRef="c-1">000001</cfid-pt:FundCode>
<cfid-pt:FundName contextRef="c-1">华夏&nbsp;成长</cfid-pt:FundName></xbrli:xbrl>
</div></body></html>`

	doc := Classify(html)
	require.Equal(t, InlineEmbedded, doc.Format)
	assert.True(t, strings.HasPrefix(doc.Content, "<xbrli:xbrl"))
	assert.Contains(t, doc.Content, `xmlns:cfid-pt="http://www.csrc.gov.cn/cfid/pt"`)
	assert.Contains(t, doc.Content, "&#160;")
	assert.NotContains(t, doc.Content, "<body")

	res, err := NewParser(nil).Parse(context.Background(), []byte(html))
	require.NoError(t, err)
	assert.Equal(t, InlineEmbedded, res.Format)
	code := factNamed(t, res.Facts, "FundCode")
	assert.Equal(t, "http://www.csrc.gov.cn/cfid/pt", code.Namespace)
	assert.Equal(t, model.ValueText, code.Kind)
	assert.Equal(t, "000001", code.Text)
	assert.Equal(t, model.PeriodInstant, res.Contexts["c-1"].PeriodKind)
}

func TestClassify_PrefersRootInsideBody(t *testing.T) {
	html := `<html><head><xbrl><a:X xmlns:a="urn:a" contextRef="h">head</a:X></xbrl></head>
<body><xbrl><a:X xmlns:a="urn:a" contextRef="b">body</a:X></xbrl></body></html>`
	doc := Classify(html)
	require.Equal(t, InlineEmbedded, doc.Format)
	assert.Contains(t, doc.Content, "body")
	assert.NotContains(t, doc.Content, "head")
}

func TestClassify_InlineFacts(t *testing.T) {
	html := `<html xmlns="http://www.w3.org/1999/xhtml" xmlns:ix="http://www.xbrl.org/2013/inlineXBRL"
  xmlns:xbrli="http://www.xbrl.org/2003/instance" xmlns:cfid-pt="http://www.csrc.gov.cn/cfid/pt">
<body>
<div style="display:none"><ix:header><ix:resources>
  <xbrli:context id="d2024"><xbrli:entity><xbrli:identifier scheme="s">000001</xbrli:identifier></xbrli:entity>
  <xbrli:period><xbrli:startDate>2024-01-01</xbrli:startDate><xbrli:endDate>2024-03-31</xbrli:endDate></xbrli:period></xbrli:context>
  <xbrli:unit id="CNY"><xbrli:measure>iso4217:CNY</xbrli:measure></xbrli:unit>
</ix:resources></ix:header></div>
<p>基金代码：<ix:nonNumeric name="cfid-pt:FundCode" contextRef="d2024">000001</ix:nonNumeric></p>
<p>基金资产净值：<ix:nonFraction name="cfid-pt:TotalNetAssets" contextRef="d2024" unitRef="CNY" decimals="-4" scale="4">1,234.5</ix:nonFraction>万元</p>
<p>本期利润：<ix:nonFraction name="cfid-pt:Profit" contextRef="d2024" unitRef="CNY" decimals="2" sign="-"><b>12.50</b></ix:nonFraction></p>
</body></html>`

	doc := Classify(html)
	require.Equal(t, InlineEmbedded, doc.Format)

	res, err := NewParser(nil).Parse(context.Background(), []byte(html))
	require.NoError(t, err)
	require.Len(t, res.Facts, 3)

	code := factNamed(t, res.Facts, "FundCode")
	assert.Equal(t, "cfid-pt:FundCode", code.QualifiedName)
	assert.Equal(t, "http://www.csrc.gov.cn/cfid/pt", code.Namespace)
	assert.Equal(t, model.ValueText, code.Kind)

	tna := factNamed(t, res.Facts, "TotalNetAssets")
	assert.Equal(t, model.ValueNumeric, tna.Kind)
	assert.True(t, decimal.NewFromInt(12345000).Equal(tna.Numeric), "got %s", tna.Numeric)

	profit := factNamed(t, res.Facts, "Profit")
	assert.True(t, decimal.RequireFromString("-12.5").Equal(profit.Numeric))

	ctx := res.Contexts["d2024"]
	require.NotNil(t, ctx.EndDate)
	assert.Equal(t, "2024-03-31", ctx.EndDate.Format("2006-01-02"))
}

func TestClassify_Unrecognized(t *testing.T) {
	res, err := NewParser(nil).Parse(context.Background(), []byte("<html><body><table><tr><td>无结构化数据</td></tr></table></body></html>"))
	require.NoError(t, err)
	assert.False(t, res.Recognized())
	assert.Empty(t, res.Facts)
	assert.Contains(t, res.Text, "无结构化数据")
}

func TestParse_ScenarioA(t *testing.T) {
	res, err := NewParser(nil).Parse(context.Background(), readFixture(t, "scenario_a.xml"))
	require.NoError(t, err)
	assert.Equal(t, TagBased, res.Format)
	assert.Equal(t, "cfid-pt-2020-06-30", res.SchemaVersion)

	// The duplicated NetAssetValue and the footnote are not facts.
	assert.Len(t, res.Facts, 7)

	code := factNamed(t, res.Facts, "FundCode")
	assert.Equal(t, "cfid-pt:FundCode", code.QualifiedName)
	assert.Equal(t, model.ValueText, code.Kind)
	assert.Equal(t, "000001", code.Text)

	nav := factNamed(t, res.Facts, "NetAssetValue")
	assert.Equal(t, model.ValueNumeric, nav.Kind)
	assert.Equal(t, "CNY", nav.UnitRef)
	assert.Equal(t, "4", nav.Decimals)
	assert.True(t, decimal.RequireFromString("1.30").Equal(nav.Numeric))

	tna := factNamed(t, res.Facts, "TotalNetAssets")
	assert.True(t, decimal.NewFromInt(123000).Equal(tna.Numeric))

	open := factNamed(t, res.Facts, "IsOpenEnded")
	assert.Equal(t, model.ValueBoolean, open.Kind)
	assert.True(t, open.Bool)

	missing := factNamed(t, res.Facts, "MissingValue")
	assert.Equal(t, model.ValueText, missing.Kind)
	assert.Empty(t, missing.RawValue)

	require.Len(t, res.Contexts, 2)
	c1 := res.Contexts["c-1"]
	assert.Equal(t, "000001", c1.EntityIdentifier)
	assert.Equal(t, "http://www.csrc.gov.cn/fund", c1.EntityScheme)
	assert.Equal(t, model.PeriodDuration, c1.PeriodKind)
	assert.Equal(t, "2024-01-01", c1.StartDate.Format("2006-01-02"))
	assert.Equal(t, "2024-12-31", c1.PeriodEnd().Format("2006-01-02"))
	assert.True(t, c1.Scenario.Empty())

	c2 := res.Contexts["c-2"]
	assert.Equal(t, model.PeriodInstant, c2.PeriodKind)
	require.Len(t, c2.Scenario.ExplicitMembers, 1)
	assert.Equal(t, model.DimensionMember{Dimension: "cfid-pt:AssetCategoryAxis", Value: "cfid-pt:StockMember"}, c2.Scenario.ExplicitMembers[0])
	require.Len(t, c2.Scenario.TypedMembers, 1)
	assert.Equal(t, "cfid-pt:HoldingRankAxis", c2.Scenario.TypedMembers[0].Dimension)
	assert.Contains(t, c2.Scenario.TypedMembers[0].RawXML, "HoldingRank")
	assert.Contains(t, c2.Scenario.TypedMembers[0].RawXML, ">1<")
}

func TestParse_MalformedIsPartial(t *testing.T) {
	res, err := NewParser(nil).Parse(context.Background(), []byte(`<xbrl><a:Fact xmlns:a="urn:a" contextRef="c">1</a:Fact><broken></xbrl>`))
	require.NoError(t, err)
	assert.Equal(t, TagBased, res.Format)
	assert.Empty(t, res.Facts)
}

func TestParseFile_Missing(t *testing.T) {
	_, err := NewParser(nil).ParseFile(context.Background(), filepath.Join(t.TempDir(), "nope.xbrl"))
	require.Error(t, err)
}

func TestFactsByLocalName(t *testing.T) {
	res, err := NewParser(nil).Parse(context.Background(), readFixture(t, "scenario_a.xml"))
	require.NoError(t, err)
	idx := res.FactsByLocalName()
	assert.Len(t, idx["NetAssetValue"], 1)
	assert.Len(t, idx["FundName"], 1)
}
