package xbrl

import (
	"bytes"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/unicode"
)

// ErrUndecodable is returned when document bytes cannot be turned into text.
var ErrUndecodable = eris.New("xbrl: undecodable document bytes")

// sniffLimit bounds how far into the document charset hints are looked for.
const sniffLimit = 2048

var (
	xmlDeclRe     = regexp.MustCompile(`^\s*<\?xml[^>]*\?>`)
	xmlEncodingRe = regexp.MustCompile(`encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)
	metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset\s*=\s*["']?([A-Za-z0-9._:-]+)`)
)

// Decode converts raw document bytes to UTF-8 text. The charset is taken
// from a byte-order mark, the XML declaration or an HTML meta tag, in that
// order. Without a hint, invalid UTF-8 is read as GB18030. Any encoding
// attribute in the XML declaration is rewritten to UTF-8 so the text can be
// handed to an XML parser unchanged.
func Decode(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}

	enc, body := sniffBOM(raw)
	if enc == nil {
		if label := sniffLabel(raw); label != "" {
			e, err := htmlindex.Get(label)
			if err != nil {
				return "", eris.Wrapf(ErrUndecodable, "unknown charset %q", label)
			}
			enc = e
		}
	}

	var text []byte
	switch {
	case enc != nil && enc != unicode.UTF8:
		out, err := enc.NewDecoder().Bytes(body)
		if err != nil {
			return "", eris.Wrap(ErrUndecodable, err.Error())
		}
		text = out
	case utf8.Valid(body):
		text = body
	default:
		out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(body)
		if err != nil {
			return "", eris.Wrap(ErrUndecodable, err.Error())
		}
		text = out
	}

	if looksBinary(text) {
		return "", eris.Wrap(ErrUndecodable, "binary content")
	}
	return normalizeDecl(string(text)), nil
}

func sniffBOM(raw []byte) (encoding.Encoding, []byte) {
	switch {
	case bytes.HasPrefix(raw, []byte{0xEF, 0xBB, 0xBF}):
		return unicode.UTF8, raw[3:]
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), raw[2:]
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), raw[2:]
	default:
		return nil, raw
	}
}

func sniffLabel(raw []byte) string {
	head := raw
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	if decl := xmlDeclRe.Find(head); decl != nil {
		if m := xmlEncodingRe.FindSubmatch(decl); m != nil {
			return strings.ToLower(string(m[1]))
		}
	}
	if m := metaCharsetRe.FindSubmatch(head); m != nil {
		return strings.ToLower(string(m[1]))
	}
	return ""
}

// looksBinary reports NUL bytes or a high share of replacement runes.
func looksBinary(text []byte) bool {
	head := text
	if len(head) > sniffLimit {
		head = head[:sniffLimit]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	runes, bad := 0, 0
	for _, r := range string(head) {
		runes++
		if r == utf8.RuneError {
			bad++
		}
	}
	return runes > 0 && bad*20 > runes
}

func normalizeDecl(text string) string {
	loc := xmlDeclRe.FindStringIndex(text)
	if loc == nil {
		return text
	}
	decl := xmlEncodingRe.ReplaceAllString(text[loc[0]:loc[1]], `encoding="UTF-8"`)
	return text[:loc[0]] + decl + text[loc[1]:]
}
