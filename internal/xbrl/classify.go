package xbrl

import (
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"

	nethtml "golang.org/x/net/html"
)

// Format is the encoding a document was recognized as.
type Format int

const (
	// Unrecognized documents carry no structured payload.
	Unrecognized Format = iota
	// TagBased documents are standalone XBRL instances.
	TagBased
	// InlineEmbedded documents are HTML carrying XBRL inside them.
	InlineEmbedded
)

func (f Format) String() string {
	switch f {
	case TagBased:
		return "tag_based"
	case InlineEmbedded:
		return "inline_embedded"
	default:
		return "unrecognized"
	}
}

// Document is a classified report. Content is standalone XBRL XML for both
// recognized formats; for InlineEmbedded it was cut out of the HTML source.
type Document struct {
	Format  Format
	Content string
}

const rootLocal = "xbrl"

var (
	leadingMiscRe = regexp.MustCompile(`(?s)^(\s|<\?.*?\?>|<!--.*?-->|<!DOCTYPE[^>]*>)*`)
	firstTagRe    = regexp.MustCompile(`^<([A-Za-z_][\w.-]*:)?([A-Za-z_][\w.-]*)`)
	xmlnsAttrRe   = regexp.MustCompile(`\sxmlns(:[A-Za-z_][\w.-]*)?\s*=\s*("[^"]*"|'[^']*')`)
	namedEntityRe = regexp.MustCompile(`&([A-Za-z][A-Za-z0-9]*);`)
	nameAttrRe    = regexp.MustCompile(`\sname\s*=\s*["'][^"']+["']`)
	rawTagNameRe  = regexp.MustCompile(`^<([^\s/>]+)`)
)

// Classify decides the format of decoded document text.
func Classify(text string) Document {
	if isTagBased(text) {
		return Document{Format: TagBased, Content: text}
	}
	if content, ok := extractEmbeddedRoot(text); ok {
		return Document{Format: InlineEmbedded, Content: content}
	}
	if content, ok := extractInlineFacts(text); ok {
		return Document{Format: InlineEmbedded, Content: content}
	}
	return Document{Format: Unrecognized}
}

func isTagBased(text string) bool {
	rest := text[len(leadingMiscRe.FindString(text)):]
	m := firstTagRe.FindStringSubmatch(rest)
	return m != nil && m[2] == rootLocal
}

func localName(tag string) string {
	if i := strings.LastIndexByte(tag, ':'); i >= 0 {
		return tag[i+1:]
	}
	return tag
}

type openTag struct {
	name string
	raw  string
}

// scanTokens walks the HTML token stream, tracking raw byte offsets and the
// stack of open elements.
type scanTokens struct {
	z      *nethtml.Tokenizer
	offset int
	stack  []openTag
}

func newScanner(text string) *scanTokens {
	return &scanTokens{z: nethtml.NewTokenizer(strings.NewReader(text))}
}

// next advances one token and returns its type, lowercased tag name, raw
// bytes and starting offset.
func (s *scanTokens) next() (nethtml.TokenType, string, string, int) {
	tt := s.z.Next()
	raw := string(s.z.Raw())
	start := s.offset
	s.offset += len(raw)
	var name string
	if tt == nethtml.StartTagToken || tt == nethtml.EndTagToken || tt == nethtml.SelfClosingTagToken {
		n, _ := s.z.TagName()
		name = string(n)
	}
	switch tt {
	case nethtml.StartTagToken:
		s.stack = append(s.stack, openTag{name: name, raw: raw})
	case nethtml.EndTagToken:
		for i := len(s.stack) - 1; i >= 0; i-- {
			if s.stack[i].name == name {
				s.stack = s.stack[:i]
				break
			}
		}
	}
	return tt, name, raw, start
}

type rootSpan struct {
	start, end int
	ancestors  []openTag
}

// extractEmbeddedRoot finds the first element whose local name is the XBRL
// root, preferring one inside <body>, and returns it as standalone XML.
func extractEmbeddedRoot(text string) (string, bool) {
	s := newScanner(text)
	var inBodySpan, anySpan *rootSpan
	var cur *rootSpan
	depth := 0

	for {
		tt, name, raw, start := s.next()
		if tt == nethtml.ErrorToken {
			break
		}
		if localName(name) != rootLocal {
			continue
		}
		switch tt {
		case nethtml.StartTagToken:
			if cur == nil {
				ancestors := append([]openTag(nil), s.stack[:len(s.stack)-1]...)
				cur = &rootSpan{start: start, ancestors: ancestors}
				depth = 0
			}
			depth++
		case nethtml.SelfClosingTagToken:
			if cur == nil {
				span := &rootSpan{start: start, end: start + len(raw), ancestors: append([]openTag(nil), s.stack...)}
				inBodySpan, anySpan = pick(inBodySpan, anySpan, span)
			}
		case nethtml.EndTagToken:
			if cur == nil {
				continue
			}
			depth--
			if depth == 0 {
				cur.end = start + len(raw)
				inBodySpan, anySpan = pick(inBodySpan, anySpan, cur)
				cur = nil
			}
		}
		if inBodySpan != nil {
			break
		}
	}
	if cur != nil && anySpan == nil {
		// Unterminated root: take everything to the end.
		cur.end = len(text)
		anySpan = cur
	}

	span := inBodySpan
	if span == nil {
		span = anySpan
	}
	if span == nil {
		return "", false
	}
	return withAncestorNamespaces(text[span.start:span.end], span.ancestors), true
}

func pick(inBody, first *rootSpan, span *rootSpan) (*rootSpan, *rootSpan) {
	for _, a := range span.ancestors {
		if a.name == "body" {
			return span, first
		}
	}
	if first == nil {
		first = span
	}
	return inBody, first
}

// withAncestorNamespaces copies namespace declarations from enclosing
// elements onto the fragment's root when the root does not declare them.
func withAncestorNamespaces(fragment string, ancestors []openTag) string {
	end := strings.IndexByte(fragment, '>')
	if end < 0 {
		return fragment
	}
	rootTag := fragment[:end]
	declared := map[string]bool{}
	for _, m := range xmlnsAttrRe.FindAllStringSubmatch(rootTag, -1) {
		declared[m[1]] = true
	}

	var extra strings.Builder
	for i := len(ancestors) - 1; i >= 0; i-- {
		for _, m := range xmlnsAttrRe.FindAllStringSubmatch(ancestors[i].raw, -1) {
			if declared[m[1]] {
				continue
			}
			declared[m[1]] = true
			extra.WriteString(m[0])
		}
	}

	insertAt := end
	if end > 0 && fragment[end-1] == '/' {
		insertAt = end - 1
	}
	return normalizeEntities(fragment[:insertAt] + extra.String() + fragment[insertAt:])
}

// normalizeEntities turns HTML named entities into numeric references so the
// fragment parses as XML.
func normalizeEntities(s string) string {
	return namedEntityRe.ReplaceAllStringFunc(s, func(ent string) string {
		switch ent {
		case "&lt;", "&gt;", "&amp;", "&quot;", "&apos;":
			return ent
		}
		decoded := html.UnescapeString(ent)
		if decoded == ent {
			return "&amp;" + ent[1:]
		}
		var b strings.Builder
		for _, r := range decoded {
			b.WriteString("&#" + strconv.Itoa(int(r)) + ";")
		}
		return b.String()
	})
}

// extractInlineFacts assembles a synthetic XBRL instance from inline
// ix:nonFraction / ix:nonNumeric facts plus the ix:resources block.
func extractInlineFacts(text string) (string, bool) {
	s := newScanner(text)

	var (
		rootNS    strings.Builder
		seenNS    = map[string]bool{}
		resources strings.Builder
		facts     []string

		resStart = -1
		resDepth int

		factTag   string
		factStart string
		factText  strings.Builder
		factDepth int
	)

	collectNS := func(raw string) {
		for _, m := range xmlnsAttrRe.FindAllStringSubmatch(raw, -1) {
			if !seenNS[m[1]] {
				seenNS[m[1]] = true
				rootNS.WriteString(m[0])
			}
		}
	}

	for {
		tt, name, raw, start := s.next()
		if tt == nethtml.ErrorToken {
			if s.z.Err() != io.EOF {
				return "", false
			}
			break
		}
		if tt == nethtml.StartTagToken || tt == nethtml.SelfClosingTagToken {
			collectNS(raw)
		}

		// ix:resources holds contexts and units.
		if name == "ix:resources" {
			switch tt {
			case nethtml.StartTagToken:
				if resStart < 0 {
					resStart = start + len(raw)
				}
				resDepth++
			case nethtml.EndTagToken:
				resDepth--
				if resDepth == 0 && resStart >= 0 {
					resources.WriteString(text[resStart:start])
					resStart = -1
				}
			}
			continue
		}
		if resStart >= 0 {
			continue
		}

		if factTag != "" {
			switch tt {
			case nethtml.TextToken:
				factText.WriteString(html.UnescapeString(raw))
			case nethtml.StartTagToken:
				if name == factTag {
					factDepth++
				}
			case nethtml.EndTagToken:
				if name == factTag {
					factDepth--
					if factDepth == 0 {
						facts = append(facts, factStart+escapeText(factText.String())+"</"+rawTagName(factStart)+">")
						factTag = ""
					}
				}
			}
			continue
		}

		if name != "ix:nonfraction" && name != "ix:nonnumeric" {
			continue
		}
		if !nameAttrRe.MatchString(raw) {
			continue
		}
		switch tt {
		case nethtml.SelfClosingTagToken:
			facts = append(facts, raw)
		case nethtml.StartTagToken:
			factTag, factStart, factDepth = name, raw, 1
			factText.Reset()
		}
	}

	if len(facts) == 0 {
		return "", false
	}

	var b strings.Builder
	b.WriteString("<xbrl")
	b.WriteString(rootNS.String())
	b.WriteString(">")
	b.WriteString(resources.String())
	for _, f := range facts {
		b.WriteString(f)
	}
	b.WriteString("</xbrl>")
	return normalizeEntities(b.String()), true
}

func rawTagName(startTag string) string {
	m := rawTagNameRe.FindStringSubmatch(startTag)
	if m == nil {
		return ""
	}
	return m[1]
}

func escapeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
