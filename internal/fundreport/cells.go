package fundreport

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/fundsync/internal/xbrl"
)

type unitSuffix struct {
	suffix string
	shift  int32
}

// Longest suffixes first so 万元 is not read as 元.
var unitSuffixes = []unitSuffix{
	{"亿元", 8}, {"万元", 4}, {"千元", 3},
	{"亿", 8}, {"万", 4}, {"千", 3},
	{"元", 0}, {"股", 0}, {"份", 0},
}

var emptyCells = map[string]bool{
	"": true, "-": true, "--": true, "—": true, "——": true, "－": true, "/": true, "不适用": true, "N/A": true,
}

// ParseAmount parses a money or share count cell. Thousands separators are
// dropped and a unit suffix (元, 千, 万, 亿 and their 元 forms) scales the
// value. Blank or dash cells yield nil.
func ParseAmount(s string) *decimal.Decimal {
	s = cleanCell(s)
	if emptyCells[s] {
		return nil
	}
	var shift int32
	for _, u := range unitSuffixes {
		if strings.HasSuffix(s, u.suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			shift = u.shift
			break
		}
	}
	d, ok := xbrl.ParseNumber(s)
	if !ok {
		return nil
	}
	if shift != 0 {
		d = d.Shift(shift)
	}
	return &d
}

// ParsePercent parses a percentage cell on a 0-100 scale with % stripped.
// Range checks are left to the row filters.
func ParsePercent(s string) *decimal.Decimal {
	s = cleanCell(s)
	s = strings.TrimSuffix(strings.TrimSuffix(s, "%"), "％")
	s = strings.TrimSpace(s)
	if emptyCells[s] {
		return nil
	}
	d, ok := xbrl.ParseNumber(s)
	if !ok {
		return nil
	}
	return &d
}

// ParseText normalizes a text cell.
func ParseText(s string) string {
	s = cleanCell(s)
	if emptyCells[s] {
		return ""
	}
	return s
}

func cleanCell(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

var totalNames = []string{"合计", "总计", "小计", "total", "subtotal"}

// isTotalRow reports whether a row label names a total or subtotal. Only a
// leading total word counts: 银行存款和结算备付金合计 is an asset line.
func isTotalRow(name string) bool {
	n := strings.ToLower(strings.TrimLeft(strings.ReplaceAll(name, " ", ""), "0123456789.、"))
	for _, t := range totalNames {
		if strings.HasPrefix(n, t) {
			return true
		}
	}
	return false
}
