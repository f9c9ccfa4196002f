package xbrl

import (
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"

	"github.com/sells-group/fundsync/internal/model"
)

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
}

func parseDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// ParseContexts builds the context table of an instance, keyed by id.
// Contexts without an id are skipped.
func ParseContexts(root *xmlquery.Node) map[string]model.Context {
	out := make(map[string]model.Context)
	if root == nil {
		return out
	}
	for _, n := range descendants(root, "context") {
		id := attrValue(n, "id")
		if id == "" {
			zap.L().Debug("context without id skipped", zap.String("component", "xbrl"))
			continue
		}
		out[id] = parseContext(n, id)
	}
	return out
}

func parseContext(n *xmlquery.Node, id string) model.Context {
	c := model.Context{ID: id}

	if entity := firstChild(n, "entity"); entity != nil {
		if ident := firstChild(entity, "identifier"); ident != nil {
			c.EntityIdentifier = strings.TrimSpace(ident.InnerText())
			c.EntityScheme = attrValue(ident, "scheme")
		}
		if seg := firstChild(entity, "segment"); seg != nil {
			addMembers(&c.Scenario, seg)
		}
	}

	if period := firstChild(n, "period"); period != nil {
		switch {
		case firstChild(period, "instant") != nil:
			c.PeriodKind = model.PeriodInstant
			c.Instant = parseDate(firstChild(period, "instant").InnerText())
		case firstChild(period, "forever") != nil:
			c.PeriodKind = model.PeriodForever
		default:
			c.PeriodKind = model.PeriodDuration
			if s := firstChild(period, "startDate"); s != nil {
				c.StartDate = parseDate(s.InnerText())
			}
			if e := firstChild(period, "endDate"); e != nil {
				c.EndDate = parseDate(e.InnerText())
			}
		}
	}

	if sc := firstChild(n, "scenario"); sc != nil {
		addMembers(&c.Scenario, sc)
	}
	return c
}

func addMembers(s *model.Scenario, parent *xmlquery.Node) {
	for _, m := range elementChildren(parent) {
		switch m.Data {
		case "explicitMember":
			s.ExplicitMembers = append(s.ExplicitMembers, model.DimensionMember{
				Dimension: attrValue(m, "dimension"),
				Value:     strings.TrimSpace(m.InnerText()),
			})
		case "typedMember":
			raw := strings.TrimSpace(m.InnerText())
			if kids := elementChildren(m); len(kids) > 0 {
				raw = kids[0].OutputXML(true)
			}
			s.TypedMembers = append(s.TypedMembers, model.TypedMember{
				Dimension: attrValue(m, "dimension"),
				RawXML:    raw,
			})
		}
	}
}
