package xbrl

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

// attr returns the value of the attribute with the given local name,
// ignoring its prefix. Namespace declarations never match.
func attr(n *xmlquery.Node, local string) (string, bool) {
	for _, a := range n.Attr {
		if isNamespaceDecl(a) {
			continue
		}
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

func attrValue(n *xmlquery.Node, local string) string {
	v, _ := attr(n, local)
	return strings.TrimSpace(v)
}

func isNamespaceDecl(a xmlquery.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}

func elementChildren(n *xmlquery.Node) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

func firstChild(n *xmlquery.Node, local string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && c.Data == local {
			return c
		}
	}
	return nil
}

// descendants returns every element below n with the given local name.
func descendants(n *xmlquery.Node, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	var walk func(*xmlquery.Node)
	walk = func(p *xmlquery.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if c.Data == local {
				out = append(out, c)
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

// lookupNamespace resolves prefix against declarations on n and its
// ancestors.
func lookupNamespace(n *xmlquery.Node, prefix string) string {
	for p := n; p != nil; p = p.Parent {
		for _, a := range p.Attr {
			if prefix == "" && a.Name.Space == "" && a.Name.Local == "xmlns" {
				return a.Value
			}
			if prefix != "" && a.Name.Space == "xmlns" && a.Name.Local == prefix {
				return a.Value
			}
		}
	}
	return ""
}

func qualified(prefix, local string) string {
	if prefix == "" {
		return local
	}
	return prefix + ":" + local
}

func splitQName(q string) (prefix, local string) {
	if i := strings.IndexByte(q, ':'); i >= 0 {
		return q[:i], q[i+1:]
	}
	return "", q
}

// rootElement returns the document element of a parsed document.
func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	if doc == nil {
		return nil
	}
	if doc.Type == xmlquery.ElementNode {
		return doc
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return c
		}
	}
	return nil
}
