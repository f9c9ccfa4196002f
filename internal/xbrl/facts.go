package xbrl

import (
	"strings"

	"github.com/antchfx/xmlquery"

	"github.com/sells-group/fundsync/internal/model"
)

var coreNamespaces = map[string]bool{
	"":                                          true,
	"http://www.xbrl.org/2003/instance":         true,
	"http://www.xbrl.org/2003/linkbase":         true,
	"http://www.w3.org/1999/xlink":              true,
	"http://xbrl.org/2006/xbrldi":               true,
	"http://xbrl.org/2005/xbrldt":               true,
	"http://www.xbrl.org/2003/iso4217":          true,
	"http://www.w3.org/2001/XMLSchema-instance": true,
	"http://www.w3.org/2001/XMLSchema":          true,
	"http://www.xbrl.org/2013/inlineXBRL":       true,
	"http://www.xbrl.org/2008/inlineXBRL":       true,
	"http://www.w3.org/1999/xhtml":              true,
}

// structural elements are never facts and their subtrees are not searched,
// except the root itself.
var structural = map[string]bool{
	"context":      true,
	"unit":         true,
	"schemaRef":    true,
	"roleRef":      true,
	"arcroleRef":   true,
	"linkbaseRef":  true,
	"footnoteLink": true,
}

var inlineFactElements = map[string]bool{
	"nonFraction": true,
	"nonNumeric":  true,
	"fraction":    true,
}

type factKey struct {
	name, context, unit, raw string
}

// ExtractFacts returns the facts of an instance in document order. An
// element is a fact when it carries contextRef or unitRef, is an inline fact
// with a name, or is a leaf in a non-core namespace. Duplicates on
// (name, context, unit, raw value) are dropped.
func ExtractFacts(root *xmlquery.Node) []model.ParsedFact {
	if root == nil {
		return nil
	}
	seen := make(map[factKey]bool)
	var out []model.ParsedFact

	var walk func(n *xmlquery.Node)
	walk = func(n *xmlquery.Node) {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if structural[c.Data] {
				continue
			}
			if c.Data == rootLocal {
				walk(c)
				continue
			}
			f, ok := factFrom(c)
			if !ok {
				walk(c)
				continue
			}
			k := factKey{f.QualifiedName, f.ContextRef, f.UnitRef, f.RawValue}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, f)
		}
	}
	walk(root)
	return out
}

func factFrom(n *xmlquery.Node) (model.ParsedFact, bool) {
	ctxRef := attrValue(n, "contextRef")
	unitRef := attrValue(n, "unitRef")
	inlineName := ""
	if inlineFactElements[n.Data] && (n.Prefix == "ix" || strings.Contains(n.NamespaceURI, "inlineXBRL")) {
		inlineName = attrValue(n, "name")
	}
	leafNonCore := !coreNamespaces[n.NamespaceURI] && len(elementChildren(n)) == 0

	if ctxRef == "" && unitRef == "" && inlineName == "" && !leafNonCore {
		return model.ParsedFact{}, false
	}
	// Inline wrappers without a name are formatting, not facts.
	if inlineFactElements[n.Data] && n.Prefix == "ix" && inlineName == "" {
		return model.ParsedFact{}, false
	}

	f := model.ParsedFact{
		ContextRef: ctxRef,
		UnitRef:    unitRef,
		Decimals:   attrValue(n, "decimals"),
	}
	if inlineName != "" {
		prefix, local := splitQName(inlineName)
		f.QualifiedName = inlineName
		f.LocalName = local
		f.Namespace = lookupNamespace(n, prefix)
	} else {
		f.QualifiedName = qualified(n.Prefix, n.Data)
		f.LocalName = n.Data
		f.Namespace = n.NamespaceURI
	}

	if nilAttr, _ := attr(n, "nil"); strings.EqualFold(strings.TrimSpace(nilAttr), "true") {
		f.Kind = model.ValueText
		return f, true
	}

	f.RawValue = strings.TrimSpace(n.InnerText())
	tv := ClassifyValue(f.RawValue, unitRef != "", f.Decimals != "")
	if tv.Kind == model.ValueNumeric && inlineName != "" {
		tv.Numeric = applyScaleSign(tv.Numeric, attrValue(n, "scale"), attrValue(n, "sign"))
	}
	f.Kind = tv.Kind
	f.Numeric = tv.Numeric
	f.Bool = tv.Bool
	f.Text = tv.Text
	return f, true
}
