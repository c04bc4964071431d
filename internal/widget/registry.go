// Package widget selects the single inline widget rendered with a response.
package widget

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/model"
)

// RenderContext is where a widget is drawn.
type RenderContext string

const (
	RenderChat      RenderContext = "chat"
	RenderArtifact  RenderContext = "artifact"
	RenderDashboard RenderContext = "dashboard"
)

// Size is a widget layout size.
type Size string

const (
	SizeSmall  Size = "S"
	SizeMedium Size = "M"
	SizeLarge  Size = "L"
)

// DataKey names a piece of response context a widget needs.
type DataKey string

const (
	DataPortfolio   DataKey = "portfolio"
	DataSuppliers   DataKey = "suppliers"
	DataRiskChanges DataKey = "riskChanges"
	DataCommodity   DataKey = "commodity"
	DataInflation   DataKey = "inflation"
	DataSources     DataKey = "sources"
	// DataNone matches any context.
	DataNone DataKey = "none"
)

// Widget is one registry entry.
type Widget struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Component      string                 `json:"component"`
	Category       string                 `json:"category"`
	Intents        []model.IntentCategory `json:"intents"`
	SubIntents     []string               `json:"subIntents,omitempty"`
	Priority       int                    `json:"priority"`
	RequiredData   []DataKey              `json:"requiredData"`
	RenderContexts []RenderContext        `json:"renderContexts"`
	Sizes          []Size                 `json:"sizes"`
	ExpandsTo      model.ArtifactType     `json:"expandsTo,omitempty"`
}

// Registry holds widgets keyed by id. Declaration order is the final
// tie-break for selection. It is read-only once built.
type Registry struct {
	widgets map[string]Widget
	order   []string // insertion order for deterministic iteration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		widgets: make(map[string]Widget),
	}
}

// Register adds a widget. Ids must be unique.
func (r *Registry) Register(w Widget) error {
	if w.ID == "" {
		return eris.New("widget: id is required")
	}
	if _, dup := r.widgets[w.ID]; dup {
		return eris.Errorf("widget: duplicate id %q", w.ID)
	}
	if len(w.RenderContexts) == 0 {
		return eris.Errorf("widget: %q has no render contexts", w.ID)
	}
	if w.ExpandsTo != "" && !w.ExpandsTo.Valid() {
		return eris.Errorf("widget: %q expands to unknown artifact %q", w.ID, w.ExpandsTo)
	}
	r.widgets[w.ID] = w
	r.order = append(r.order, w.ID)
	return nil
}

// Get returns a widget by id.
func (r *Registry) Get(id string) (Widget, error) {
	w, ok := r.widgets[id]
	if !ok {
		return Widget{}, eris.Errorf("widget: unknown widget %q", id)
	}
	return w, nil
}

// All returns all widgets in registration order.
func (r *Registry) All() []Widget {
	result := make([]Widget, 0, len(r.order))
	for _, id := range r.order {
		result = append(result, r.widgets[id])
	}
	return result
}

// Len returns the number of registered widgets.
func (r *Registry) Len() int {
	return len(r.order)
}
