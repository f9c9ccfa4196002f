// Package xbrl turns raw report bytes into a flat fact set and a context
// table. Both standalone instances and XBRL embedded in HTML are handled;
// the format is decided once by Classify.
package xbrl

import (
	"context"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
)

// Result is everything extracted from one document. Text is the decoded
// source, kept for table scanning and text patterns.
type Result struct {
	Format        Format
	Text          string
	SchemaVersion string
	Facts         []model.ParsedFact
	Contexts      map[string]model.Context
}

// Recognized reports whether the document carried structured content.
func (r *Result) Recognized() bool {
	return r != nil && r.Format != Unrecognized
}

// Parser extracts facts and contexts. It is safe for concurrent use.
type Parser struct {
	taxonomy *TaxonomyRegistry
}

// NewParser creates a parser. taxonomy may be nil.
func NewParser(taxonomy *TaxonomyRegistry) *Parser {
	return &Parser{taxonomy: taxonomy}
}

// ParseFile reads and parses the document at path.
func (p *Parser) ParseFile(ctx context.Context, path string) (*Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "xbrl: read %s", path)
	}
	return p.Parse(ctx, raw)
}

// Parse decodes and parses raw document bytes. Only undecodable bytes are an
// error; structural problems yield a partial result and a warning.
func (p *Parser) Parse(ctx context.Context, raw []byte) (*Result, error) {
	text, err := Decode(raw)
	if err != nil {
		return nil, err
	}

	doc := Classify(text)
	res := &Result{Format: doc.Format, Text: text, Contexts: map[string]model.Context{}}
	log := zap.L().With(zap.String("component", "xbrl"), zap.Stringer("format", doc.Format))

	if doc.Format == Unrecognized {
		log.Debug("no structured payload found")
		return res, nil
	}

	tree, err := xmlquery.Parse(strings.NewReader(doc.Content))
	if err != nil {
		log.Warn("instance is not well-formed, returning partial result", zap.Error(err))
		return res, nil
	}
	root := rootElement(tree)

	res.Contexts = ParseContexts(root)
	res.Facts = ExtractFacts(root)
	res.SchemaVersion = SchemaVersion(root)

	for _, f := range res.Facts {
		if f.ContextRef == "" {
			continue
		}
		if _, ok := res.Contexts[f.ContextRef]; !ok {
			log.Warn("fact references unknown context",
				zap.String("fact", f.QualifiedName),
				zap.String("context", f.ContextRef),
			)
		}
	}

	if p.taxonomy != nil {
		p.taxonomy.Annotate(ctx, res.SchemaVersion, res.Facts)
	}

	log.Debug("document parsed",
		zap.Int("facts", len(res.Facts)),
		zap.Int("contexts", len(res.Contexts)),
		zap.String("schema_version", res.SchemaVersion),
	)
	return res, nil
}

// FactsByLocalName indexes facts by local name, keeping document order.
func (r *Result) FactsByLocalName() map[string][]model.ParsedFact {
	out := make(map[string][]model.ParsedFact)
	for _, f := range r.Facts {
		out[f.LocalName] = append(out[f.LocalName], f)
	}
	return out
}
