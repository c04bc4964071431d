package widget

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/model"
)

// SubIntentBoost is added to a widget's priority when the request sub-intent
// is one it declares.
const SubIntentBoost = 10

// Data records which context keys are present and non-empty.
type Data map[DataKey]bool

// NewData marks the given keys present.
func NewData(keys ...DataKey) Data {
	d := make(Data, len(keys))
	for _, k := range keys {
		d[k] = true
	}
	return d
}

// Has reports whether every required key is present. DataNone matches anything.
func (d Data) Has(required []DataKey) bool {
	for _, k := range required {
		if k == DataNone {
			continue
		}
		if !d[k] {
			return false
		}
	}
	return true
}

// Request is the input to Select.
type Request struct {
	Intent        model.IntentCategory
	SubIntent     string
	RenderContext RenderContext
	Data          Data
}

// Selection is a chosen widget and the effective priority it won with.
type Selection struct {
	Widget            Widget `json:"widget"`
	EffectivePriority int    `json:"effectivePriority"`
	SubIntentMatched  bool   `json:"subIntentMatched"`
}

type candidate struct {
	Selection
	order int
}

// Select picks the best widget for req, or nil when nothing qualifies.
// Callers must render no widget on nil.
func (r *Registry) Select(req Request) *Selection {
	cands := r.filter(req, func(w Widget) bool {
		return containsIntent(w.Intents, req.Intent)
	})
	if len(cands) == 0 && req.SubIntent != "" {
		// Secondary pass: fallback categories matched on sub-intent alone.
		cands = r.filter(req, func(w Widget) bool {
			return w.Category == FallbackCategory && containsString(w.SubIntents, req.SubIntent)
		})
	}
	if len(cands) == 0 {
		return nil
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].EffectivePriority != cands[j].EffectivePriority {
			return cands[i].EffectivePriority > cands[j].EffectivePriority
		}
		return cands[i].order < cands[j].order
	})
	best := cands[0].Selection
	return &best
}

func (r *Registry) filter(req Request, match func(Widget) bool) []candidate {
	var out []candidate
	for i, id := range r.order {
		w := r.widgets[id]
		if !containsContext(w.RenderContexts, req.RenderContext) {
			continue
		}
		if !match(w) {
			continue
		}
		if !req.Data.Has(w.RequiredData) {
			continue
		}
		sel := Selection{Widget: w, EffectivePriority: w.Priority}
		if req.SubIntent != "" && containsString(w.SubIntents, req.SubIntent) {
			sel.EffectivePriority += SubIntentBoost
			sel.SubIntentMatched = true
		}
		out = append(out, candidate{Selection: sel, order: i})
	}
	return out
}

// ValidateIntentCoverage checks that every core intent has at least one widget.
func ValidateIntentCoverage(r *Registry) error {
	covered := make(map[model.IntentCategory]bool)
	for _, w := range r.All() {
		for _, in := range w.Intents {
			covered[in] = true
		}
	}
	var missing []string
	for _, in := range model.CoreIntents() {
		if !covered[in] {
			missing = append(missing, string(in))
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("widget: intents without a widget: %s", strings.Join(missing, ", "))
	}
	return nil
}

func containsIntent(list []model.IntentCategory, want model.IntentCategory) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func containsContext(list []RenderContext, want RenderContext) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
