// Package retrieval fetches the material a response or research step is
// grounded on: the local knowledge base and, when enabled, the web.
package retrieval

import (
	"context"
	"encoding/json"

	"github.com/sells-group/abi-engine/internal/model"
)

// Query describes what to retrieve.
type Query struct {
	Text     string
	Intent   model.IntentCategory
	Entities model.Entities
	// Types restricts returned sources to these types. Empty means any.
	Types []model.SourceType
	// IncludeWeb enables web retrievers.
	IncludeWeb bool
	// Limit caps the number of sources per retriever. Zero means no cap.
	Limit int
}

func (q Query) wants(t model.SourceType) bool {
	if len(q.Types) == 0 {
		return true
	}
	for _, want := range q.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Result is retrieved material. Structured fields are nil when the retriever
// had nothing for them.
type Result struct {
	Sources     []model.Source
	Suppliers   []model.Supplier
	RiskChanges []model.RiskChange
	Portfolio   *model.Portfolio
	Commodity   *model.Commodity
	Inflation   *model.InflationSnapshot
	// WidgetData holds inflation-family widget data keyed by the artifact it expands to.
	WidgetData map[model.ArtifactType]json.RawMessage
	Summary    string
}

// Retriever is a source of grounding material.
type Retriever interface {
	Name() string
	Retrieve(ctx context.Context, q Query) (*Result, error)
}
