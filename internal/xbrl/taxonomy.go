package xbrl

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fundsync/internal/model"
)

const standardLabelRole = "http://www.xbrl.org/2003/role/label"

// TaxonomyRegistry resolves human-readable labels for concepts. Each
// taxonomy version lives in its own directory under the registry root and is
// loaded once on first use, then shared read-only.
type TaxonomyRegistry struct {
	dir string

	mu       sync.Mutex
	versions map[string]*taxonomyVersion
}

type taxonomyVersion struct {
	once   sync.Once
	labels map[string]string
	err    error
}

// NewTaxonomyRegistry creates a registry rooted at dir. An empty dir yields a
// registry without labels.
func NewTaxonomyRegistry(dir string) *TaxonomyRegistry {
	return &TaxonomyRegistry{dir: dir, versions: make(map[string]*taxonomyVersion)}
}

// Labels returns concept local name -> label for version. A version with no
// directory has no labels and no error. The load outlives the caller's
// deadline so a cancelled chain cannot leave the version empty.
func (r *TaxonomyRegistry) Labels(ctx context.Context, version string) (map[string]string, error) {
	if r == nil || r.dir == "" || version == "" {
		return nil, nil
	}
	r.mu.Lock()
	v, ok := r.versions[version]
	if !ok {
		v = &taxonomyVersion{}
		r.versions[version] = v
	}
	r.mu.Unlock()

	v.once.Do(func() {
		v.labels, v.err = loadTaxonomy(context.WithoutCancel(ctx), filepath.Join(r.dir, version))
		if v.err == nil {
			zap.L().Info("taxonomy labels loaded",
				zap.String("component", "xbrl"),
				zap.String("version", version),
				zap.Int("labels", len(v.labels)),
			)
		}
	})
	return v.labels, v.err
}

// Annotate sets Label on facts whose concept has one. Label loading
// failures are logged and leave facts unlabeled.
func (r *TaxonomyRegistry) Annotate(ctx context.Context, version string, facts []model.ParsedFact) {
	labels, err := r.Labels(ctx, version)
	if err != nil {
		zap.L().Warn("taxonomy labels unavailable",
			zap.String("component", "xbrl"),
			zap.String("version", version),
			zap.Error(err),
		)
		return
	}
	for i := range facts {
		if l, ok := labels[facts[i].LocalName]; ok {
			facts[i].Label = l
		}
	}
}

// SchemaVersion derives the taxonomy version from the instance's schemaRef:
// the referenced file name without extension.
func SchemaVersion(root *xmlquery.Node) string {
	if root == nil {
		return ""
	}
	for _, n := range descendants(root, "schemaRef") {
		if href := attrValue(n, "href"); href != "" {
			base := path.Base(strings.ReplaceAll(href, "\\", "/"))
			return strings.TrimSuffix(base, path.Ext(base))
		}
	}
	return ""
}

type schemaElement struct {
	ID   string `xml:"id,attr"`
	Name string `xml:"name,attr"`
}

type labelResource struct {
	lang, role, text string
}

type linkbase struct {
	locs   map[string]string // locator label -> concept id
	arcs   map[string][]string
	labels map[string][]labelResource
}

func loadTaxonomy(ctx context.Context, dir string) (map[string]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "xbrl: read taxonomy dir %s", dir)
	}

	var (
		mu        sync.Mutex
		idToName  = make(map[string]string)
		linkbases []linkbase
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		name := strings.ToLower(e.Name())
		switch {
		case strings.HasSuffix(name, ".xsd"):
			g.Go(func() error {
				ids, err := readSchema(gctx, p)
				if err != nil {
					return err
				}
				mu.Lock()
				for id, n := range ids {
					idToName[id] = n
				}
				mu.Unlock()
				return nil
			})
		case strings.HasSuffix(name, ".xml") && strings.Contains(name, "lab"):
			g.Go(func() error {
				lb, err := readLabelLinkbase(p)
				if err != nil {
					return err
				}
				mu.Lock()
				linkbases = append(linkbases, lb)
				mu.Unlock()
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]string)
	for _, lb := range linkbases {
		for locLabel, conceptID := range lb.locs {
			name, ok := idToName[conceptID]
			if !ok {
				continue
			}
			var candidates []labelResource
			for _, to := range lb.arcs[locLabel] {
				candidates = append(candidates, lb.labels[to]...)
			}
			if text := bestLabel(candidates); text != "" {
				out[name] = text
			}
		}
	}
	return out, nil
}

func readSchema(ctx context.Context, p string) (map[string]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrapf(err, "xbrl: open schema %s", p)
	}
	defer f.Close() //nolint:errcheck

	ids := make(map[string]string)
	elems, errCh := streamElements[schemaElement](ctx, f, "element")
	for el := range elems {
		if el.ID != "" && el.Name != "" {
			ids[el.ID] = el.Name
		}
	}
	for err := range errCh {
		if err != nil {
			return nil, eris.Wrapf(err, "xbrl: schema %s", p)
		}
	}
	return ids, nil
}

func readLabelLinkbase(p string) (linkbase, error) {
	f, err := os.Open(p)
	if err != nil {
		return linkbase{}, eris.Wrapf(err, "xbrl: open linkbase %s", p)
	}
	defer f.Close() //nolint:errcheck

	doc, err := xmlquery.Parse(f)
	if err != nil {
		return linkbase{}, eris.Wrapf(err, "xbrl: parse linkbase %s", p)
	}

	lb := linkbase{
		locs:   make(map[string]string),
		arcs:   make(map[string][]string),
		labels: make(map[string][]labelResource),
	}
	for _, n := range descendants(doc, "loc") {
		href := attrValue(n, "href")
		if i := strings.IndexByte(href, '#'); i >= 0 {
			lb.locs[attrValue(n, "label")] = href[i+1:]
		}
	}
	for _, n := range descendants(doc, "labelArc") {
		from := attrValue(n, "from")
		lb.arcs[from] = append(lb.arcs[from], attrValue(n, "to"))
	}
	for _, n := range descendants(doc, "label") {
		key := attrValue(n, "label")
		lb.labels[key] = append(lb.labels[key], labelResource{
			lang: strings.ToLower(attrValue(n, "lang")),
			role: attrValue(n, "role"),
			text: strings.TrimSpace(n.InnerText()),
		})
	}
	return lb, nil
}

// bestLabel prefers the standard role, then Chinese over English.
func bestLabel(cands []labelResource) string {
	best, bestScore := "", -1
	for _, c := range cands {
		if c.text == "" {
			continue
		}
		score := 0
		if c.role == standardLabelRole || c.role == "" {
			score += 4
		}
		switch {
		case strings.HasPrefix(c.lang, "zh"):
			score += 2
		case strings.HasPrefix(c.lang, "en"):
			score++
		}
		if score > bestScore {
			best, bestScore = c.text, score
		}
	}
	return best
}
