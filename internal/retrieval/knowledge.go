package retrieval

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/abi-engine/internal/model"
)

// Snapshot is the on-disk knowledge base.
type Snapshot struct {
	Suppliers   []model.Supplier         `yaml:"suppliers"`
	RiskChanges []model.RiskChange       `yaml:"risk_changes"`
	Commodities []model.Commodity        `yaml:"commodities"`
	Inflation   *model.InflationSnapshot `yaml:"inflation"`
	Sources     []model.Source           `yaml:"sources"`
	// WidgetData is keyed by artifact type; values are passed through as JSON.
	WidgetData map[string]any `yaml:"widget_data"`
}

// LoadSnapshot reads a YAML knowledge base from path.
func LoadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "retrieval: read knowledge base %s", path)
	}
	return ParseSnapshot(data)
}

// ParseSnapshot decodes and normalizes a YAML knowledge base.
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "retrieval: parse knowledge base")
	}
	for i := range s.Suppliers {
		s.Suppliers[i].Normalize()
	}
	for i := range s.RiskChanges {
		s.RiskChanges[i].Normalize()
	}
	for k := range s.WidgetData {
		if !model.ArtifactType(k).Valid() {
			return nil, eris.Errorf("retrieval: widget_data key %q is not an artifact type", k)
		}
	}
	return &s, nil
}

// KnowledgeBase answers queries from a Snapshot. It is read-only after
// construction and safe for concurrent use.
type KnowledgeBase struct {
	snap       *Snapshot
	widgetData map[model.ArtifactType]json.RawMessage
}

// NewKnowledgeBase indexes snap.
func NewKnowledgeBase(snap *Snapshot) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{
		snap:       snap,
		widgetData: make(map[model.ArtifactType]json.RawMessage, len(snap.WidgetData)),
	}
	for k, v := range snap.WidgetData {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, eris.Wrapf(err, "retrieval: encode widget_data %s", k)
		}
		kb.widgetData[model.ArtifactType(k)] = raw
	}
	return kb, nil
}

// Name implements Retriever.
func (kb *KnowledgeBase) Name() string { return "knowledge" }

// SupplierNames lists every supplier name, for entity extraction.
func (kb *KnowledgeBase) SupplierNames() []string {
	out := make([]string, 0, len(kb.snap.Suppliers))
	for _, s := range kb.snap.Suppliers {
		out = append(out, s.Name)
	}
	return out
}

// Retrieve implements Retriever.
func (kb *KnowledgeBase) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "retrieval: knowledge")
	}

	portfolio := model.BuildPortfolio(kb.snap.Suppliers, kb.snap.RiskChanges)
	res := &Result{
		Suppliers:   kb.suppliersFor(q),
		RiskChanges: kb.changesFor(q),
		Portfolio:   &portfolio,
		Commodity:   kb.commodityFor(q),
		Inflation:   kb.snap.Inflation,
		Sources:     kb.sourcesFor(q),
	}
	if len(kb.widgetData) > 0 {
		res.WidgetData = make(map[model.ArtifactType]json.RawMessage, len(kb.widgetData))
		for k, v := range kb.widgetData {
			res.WidgetData[k] = v
		}
	}
	if len(res.Suppliers) > 0 && q.wants(model.SourceSupplierData) {
		res.Sources = append(res.Sources, model.Source{
			ID:    "supplier-data",
			Type:  model.SourceSupplierData,
			Title: "Supplier risk profiles",
		})
	}
	return res, nil
}

// suppliersFor returns suppliers named in the query first, in mention order,
// then the rest filtered by region and category. With no filter match it
// returns every supplier.
func (kb *KnowledgeBase) suppliersFor(q Query) []model.Supplier {
	lower := strings.ToLower(q.Text)
	type mention struct {
		at int
		s  model.Supplier
	}
	var named []mention
	var rest []model.Supplier
	for _, s := range kb.snap.Suppliers {
		at := strings.Index(lower, strings.ToLower(s.Name))
		if at < 0 && q.Entities.Supplier != "" && strings.EqualFold(q.Entities.Supplier, s.Name) {
			at = len(lower)
		}
		if at >= 0 {
			named = append(named, mention{at: at, s: s})
			continue
		}
		if matchesFilters(s, q.Entities) {
			rest = append(rest, s)
		}
	}
	sort.SliceStable(named, func(i, j int) bool { return named[i].at < named[j].at })

	out := make([]model.Supplier, 0, len(named)+len(rest))
	for _, m := range named {
		out = append(out, m.s)
	}
	out = append(out, rest...)
	if len(out) == 0 {
		out = append(out, kb.snap.Suppliers...)
	}
	return out
}

func matchesFilters(s model.Supplier, e model.Entities) bool {
	if e.Region != "" && !containsFold(s.Location.Region, e.Region) && !containsFold(s.Location.Country, e.Region) {
		return false
	}
	if e.Category != "" && !containsFold(s.Category, e.Category) {
		return false
	}
	if e.Commodity != "" && !containsFold(s.Category, e.Commodity) && !containsFold(s.Industry, e.Commodity) {
		return false
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func (kb *KnowledgeBase) changesFor(q Query) []model.RiskChange {
	out := make([]model.RiskChange, 0, len(kb.snap.RiskChanges))
	for _, c := range kb.snap.RiskChanges {
		if q.Entities.Supplier != "" && !strings.EqualFold(c.SupplierName, q.Entities.Supplier) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out
}

func (kb *KnowledgeBase) commodityFor(q Query) *model.Commodity {
	want := q.Entities.Commodity
	for i := range kb.snap.Commodities {
		c := kb.snap.Commodities[i]
		if want != "" && strings.EqualFold(c.Name, want) {
			return &c
		}
		if want == "" && containsFold(q.Text, c.Name) {
			return &c
		}
	}
	return nil
}

// sourcesFor ranks sources by how many query terms hit their topics.
func (kb *KnowledgeBase) sourcesFor(q Query) []model.Source {
	terms := queryTerms(q)
	type scored struct {
		hits int
		s    model.Source
	}
	var matches []scored
	for _, s := range kb.snap.Sources {
		if !q.wants(s.Type) {
			continue
		}
		hits := 0
		for _, topic := range s.Topics {
			if terms[strings.ToLower(topic)] {
				hits++
			}
		}
		if hits > 0 {
			matches = append(matches, scored{hits: hits, s: s})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].hits > matches[j].hits })

	out := make([]model.Source, 0, len(matches))
	for _, m := range matches {
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
		out = append(out, m.s)
	}
	return out
}

func queryTerms(q Query) map[string]bool {
	terms := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(q.Text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		terms[f] = true
	}
	for _, e := range []string{q.Entities.Commodity, q.Entities.Category, q.Entities.Region, q.Entities.Supplier} {
		if e != "" {
			terms[strings.ToLower(e)] = true
		}
	}
	if q.Intent != "" {
		terms[string(q.Intent)] = true
	}
	return terms
}
