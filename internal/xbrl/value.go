package xbrl

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/sells-group/fundsync/internal/model"
)

// TypedValue is the result of classifying a raw fact value.
type TypedValue struct {
	Kind    model.ValueKind
	Numeric decimal.Decimal
	Bool    bool
	Text    string
}

// ClassifyValue assigns a kind and typed value to a raw fact string.
//
// Rules, first match wins: any non-ASCII character makes text; a unit or
// decimals attribute makes numeric when the value parses; true/false/1/0
// make boolean; a multi-digit number with a leading zero (codes such as
// "000001") is text; anything else parsing as a number is numeric; the rest
// is text.
func ClassifyValue(raw string, hasUnit, hasDecimals bool) TypedValue {
	s := strings.TrimSpace(raw)
	text := TypedValue{Kind: model.ValueText, Text: s}

	if s == "" || !isASCII(s) {
		return text
	}

	if hasUnit || hasDecimals {
		if d, ok := ParseNumber(s); ok {
			return TypedValue{Kind: model.ValueNumeric, Numeric: d}
		}
		return text
	}

	switch strings.ToLower(s) {
	case "true", "1":
		return TypedValue{Kind: model.ValueBoolean, Bool: true}
	case "false", "0":
		return TypedValue{Kind: model.ValueBoolean, Bool: false}
	}

	if hasLeadingZero(s) {
		return text
	}
	if d, ok := ParseNumber(s); ok {
		return TypedValue{Kind: model.ValueNumeric, Numeric: d}
	}
	return text
}

// ParseNumber parses a decimal string. Thousands separators are dropped,
// scientific notation is accepted and a parenthesized value is negative.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimPrefix(s, "+")
	if s == "" || !looksNumeric(s) {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if neg {
		d = d.Neg()
	}
	return d, true
}

// looksNumeric accepts [-]digits[.digits][e[+-]digits]; it rejects forms
// decimal would otherwise take, such as a bare ".".
func looksNumeric(s string) bool {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	digits := 0
	for i < len(s) && isDigit(s[i]) {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && isDigit(s[i]) {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for i < len(s) && isDigit(s[i]) {
			i++
			exp++
		}
		if exp == 0 {
			return false
		}
	}
	return i == len(s)
}

func hasLeadingZero(s string) bool {
	s = strings.TrimPrefix(s, "-")
	return len(s) > 1 && s[0] == '0' && isDigit(s[1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// applyScaleSign applies inline scale and sign attributes to a numeric value.
func applyScaleSign(d decimal.Decimal, scale, sign string) decimal.Decimal {
	if n, err := strconv.Atoi(strings.TrimSpace(scale)); err == nil && n != 0 {
		d = d.Shift(int32(n))
	}
	if strings.TrimSpace(sign) == "-" {
		d = d.Neg()
	}
	return d
}
