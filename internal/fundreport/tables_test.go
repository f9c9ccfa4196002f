package fundreport

import (
	"bytes"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/fundsync/internal/model"
)

func scanHTML(t *testing.T, html string) Tables {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return NewTableScanner(DefaultScannerConfig()).Scan(doc)
}

func TestTableScanner_InlineReport(t *testing.T) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(readFixture(t, "inline_report.html")))
	require.NoError(t, err)
	tables := NewTableScanner(DefaultScannerConfig()).Scan(doc)

	require.Len(t, tables.AssetAllocations, 4)
	assert.Equal(t, "权益投资", tables.AssetAllocations[0].AssetType)
	assert.Equal(t, "股票", tables.AssetAllocations[1].AssetType)
	assert.Equal(t, "固定收益投资", tables.AssetAllocations[2].AssetType)
	assert.True(t, decimal.NewFromInt(350_000_000).Equal(*tables.AssetAllocations[2].MarketValue))
	assert.Equal(t, "银行存款和结算备付金合计", tables.AssetAllocations[3].AssetType)
	for _, a := range tables.AssetAllocations {
		require.NotNil(t, a.Percentage)
		assert.True(t, a.Percentage.LessThanOrEqual(decimal.NewFromInt(100)))
	}

	require.Len(t, tables.IndustryAllocations, 3)
	assert.Equal(t, "C", tables.IndustryAllocations[1].IndustryCode)
	assert.Equal(t, "制造业", tables.IndustryAllocations[1].IndustryName)

	require.Len(t, tables.TopHoldings, model.MaxTopHoldings)
	for i, h := range tables.TopHoldings {
		assert.Equal(t, i+1, h.Rank)
		assert.True(t, h.Shares.IsPositive())
	}
	assert.Equal(t, "600519", tables.TopHoldings[0].SecurityCode)
	// 五粮液 holds zero shares and is dropped, so 宁德时代 moves up.
	assert.Equal(t, "宁德时代", tables.TopHoldings[1].SecurityName)
	assert.Equal(t, "长江电力", tables.TopHoldings[9].SecurityName)
	assert.True(t, decimal.NewFromInt(50_000).Equal(*tables.TopHoldings[0].Shares))
	assert.True(t, decimal.RequireFromString("6.48").Equal(*tables.TopHoldings[0].Percentage))
}

func TestTableScanner_HeaderOnLaterRow(t *testing.T) {
	tables := scanHTML(t, `<p>前十名股票投资明细</p><table>
<tr><td colspan="4">单位：人民币元</td></tr>
<tr><td>股票代码</td><td>股票名称</td><td>数量（股）</td><td>公允价值</td></tr>
<tr><td>600519</td><td>贵州茅台</td><td>1万</td><td>100</td></tr>
<tr><td>合计</td><td>合计</td><td>1万</td><td>100</td></tr>
</table>`)
	require.Len(t, tables.TopHoldings, 1)
	assert.Equal(t, 1, tables.TopHoldings[0].Rank)
	assert.True(t, decimal.NewFromInt(10_000).Equal(*tables.TopHoldings[0].Shares))
}

func TestTableScanner_SkipsShortAndExcludedTables(t *testing.T) {
	tables := scanHTML(t, `
<p>前十名股票投资明细</p>
<table><tr><th>股票代码</th><th>股票名称</th><th>数量</th></tr><tr><td>600519</td><td>贵州茅台</td><td>100</td></tr></table>
<p>基金资产组合情况 审计报告</p>
<table>
<tr><th>项目</th><th>金额</th><th>比例</th></tr>
<tr><td>权益投资</td><td>100</td><td>50</td></tr>
<tr><td>银行存款</td><td>100</td><td>50</td></tr>
</table>`)
	assert.Empty(t, tables.TopHoldings)
	assert.Empty(t, tables.AssetAllocations)
}

func TestTableScanner_AllocationBounds(t *testing.T) {
	tables := scanHTML(t, `<p>报告期末基金资产组合情况</p><table>
<tr><th>项目</th><th>金额（元）</th><th>占基金总资产的比例（%）</th></tr>
<tr><td>权益投资</td><td>100</td><td>150</td></tr>
<tr><td>固定收益投资</td><td>100</td><td>-5</td></tr>
<tr><td>银行存款</td><td>100</td><td>40%</td></tr>
</table>`)
	require.Len(t, tables.AssetAllocations, 1)
	assert.Equal(t, "银行存款", tables.AssetAllocations[0].AssetType)
	assert.True(t, decimal.NewFromInt(40).Equal(*tables.AssetAllocations[0].Percentage))

	var rows strings.Builder
	for range 6 {
		rows.WriteString(`<tr><td>权益投资</td><td>100</td><td>95</td></tr>`)
	}
	tables = scanHTML(t, `<p>报告期末基金资产组合情况</p><table>
<tr><th>项目</th><th>金额</th><th>比例</th></tr>`+rows.String()+`</table>`)
	assert.Empty(t, tables.AssetAllocations, "sum above 500 rejects the table")
}

func TestTableScanner_FallsBackToNextCandidate(t *testing.T) {
	tables := scanHTML(t, `
<p>前十名股票投资明细 股票投资明细</p><table>
<tr><th>股票代码</th><th>股票名称</th><th>数量</th><th>公允价值</th><th>占基金资产净值比例</th></tr>
<tr><td>600519</td><td>贵州茅台</td><td>0</td><td>1</td><td>1</td></tr>
<tr><td>000858</td><td>五粮液</td><td>-</td><td>1</td><td>1</td></tr>
</table>
<p>前十名股票</p><table>
<tr><th>股票代码</th><th>股票名称</th><th>数量</th></tr>
<tr><td>300750</td><td>宁德时代</td><td>5</td></tr>
<tr><td>600036</td><td>招商银行</td><td>7</td></tr>
</table>`)
	require.Len(t, tables.TopHoldings, 2)
	assert.Equal(t, "宁德时代", tables.TopHoldings[0].SecurityName)
}

func TestTableScanner_NestedTableRowsIgnored(t *testing.T) {
	tables := scanHTML(t, `<p>按行业分类的股票投资组合</p><table>
<tr><th>代码</th><th>行业类别</th><th>公允价值</th><th>占基金资产净值比例</th></tr>
<tr><td>C</td><td>制造业<table><tr><td>x</td></tr><tr><td>y</td></tr><tr><td>z</td></tr></table></td><td>10</td><td>1.5</td></tr>
<tr><td>K</td><td>房地产业</td><td>5</td><td>0.5</td></tr>
</table>`)
	require.Len(t, tables.IndustryAllocations, 2)
	assert.Equal(t, "K", tables.IndustryAllocations[1].IndustryCode)
}

func TestTableScanner_NilDocument(t *testing.T) {
	assert.Equal(t, Tables{}, NewTableScanner(DefaultScannerConfig()).Scan(nil))
}

func TestLoadScannerConfig(t *testing.T) {
	cfg := DefaultScannerConfig()
	assert.Equal(t, 4, cfg.Threshold)
	assert.Len(t, cfg.Profiles, 3)
	assert.Equal(t, KindTopHoldings, cfg.Profiles[1].Kind)

	_, err := LoadScannerConfig([]byte("threshold: ["))
	assert.Error(t, err)
	_, err = LoadScannerConfig([]byte("threshold: 2"))
	assert.Error(t, err)

	cfg, err = LoadScannerConfig([]byte("profiles:\n  - kind: top_holdings\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MinRows)
	assert.Equal(t, 5, cfg.HeaderScanRows)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1,234,567.89", "1234567.89"},
		{"3.5亿", "350000000"},
		{"3.5亿元", "350000000"},
		{"12万元", "120000"},
		{"12 万", "120000"},
		{"7千元", "7000"},
		{"100元", "100"},
		{"50,000股", "50000"},
		{"(1,000.00)", "-1000"},
		{"1.2E+3", "1200"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseAmount(tt.in)
			require.NotNil(t, got)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(*got), "got %s", got)
		})
	}
	for _, in := range []string{"", "-", "——", "不适用", "abc"} {
		assert.Nil(t, ParseAmount(in), in)
	}
}

func TestParsePercent(t *testing.T) {
	assert.True(t, decimal.RequireFromString("6.48").Equal(*ParsePercent("6.48%")))
	assert.True(t, decimal.RequireFromString("6.48").Equal(*ParsePercent(" 6.48 ％")))
	assert.True(t, decimal.RequireFromString("150").Equal(*ParsePercent("150")))
	assert.Nil(t, ParsePercent("-"))
	assert.Nil(t, ParsePercent("n/a"))
}

func TestIsTotalRow(t *testing.T) {
	for _, s := range []string{"合计", " 合 计", "总计", "小计", "Total", "subtotal", "5、合计"} {
		assert.True(t, isTotalRow(s), s)
	}
	for _, s := range []string{"银行存款和结算备付金合计", "权益投资", "600519"} {
		assert.False(t, isTotalRow(s), s)
	}
}
