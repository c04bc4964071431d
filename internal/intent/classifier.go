// Package intent classifies free-text procurement questions into the closed
// intent enum using a weighted regex rule table.
package intent

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/model"
)

// Input is everything the classifier looks at for one utterance.
type Input struct {
	Text           string
	Hint           *model.BuilderHint
	History        []string // prior user turns, oldest first
	Previous       *model.IntentResult
	KnownSuppliers []string
}

// Classifier is a deterministic rule-based intent classifier. It is safe for
// concurrent use; the rule table is never mutated after New.
type Classifier struct {
	rules []Rule
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithRules replaces the default rule table.
func WithRules(rules []Rule) Option {
	return func(c *Classifier) {
		c.rules = rules
	}
}

// New creates a Classifier with the default rule table.
func New(opts ...Option) *Classifier {
	c := &Classifier{rules: DefaultRules()}
	for _, o := range opts {
		o(c)
	}
	return c
}

var followUpPattern = regexp.MustCompile(`(?i)^\s*(and|what\s+about|how\s+about|also|same\s+for)\b`)

type candidate struct {
	category  model.IntentCategory
	score     float64
	matches   int
	topWeight float64
	subIntent string
	subWeight float64
}

// Classify returns the intent for in. It never panics; the worst case is
// {general, 0}.
func (c *Classifier) Classify(in Input) (result model.IntentResult) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("intent: classifier panic", zap.Any("panic", r))
			result = model.IntentResult{Category: model.IntentGeneral}
		}
	}()

	if in.Hint != nil && in.Hint.Category.Valid() {
		res := model.IntentResult{
			Category:   in.Hint.Category,
			SubIntent:  in.Hint.SubIntent,
			Confidence: 1,
		}
		if in.Hint.Entities != nil {
			res.ExtractedEntities = *in.Hint.Entities
		}
		return res
	}

	text := strings.TrimSpace(in.Text)
	entities := ExtractEntities(text, in.KnownSuppliers)
	if text == "" {
		return model.IntentResult{Category: model.IntentGeneral, ExtractedEntities: entities}
	}

	cands := make(map[model.IntentCategory]*candidate)
	vote := func(cat model.IntentCategory, weight float64, sub string) {
		cd, ok := cands[cat]
		if !ok {
			cd = &candidate{category: cat}
			cands[cat] = cd
		}
		cd.score += weight
		cd.matches++
		if weight > cd.topWeight {
			cd.topWeight = weight
		}
		if sub != "" && weight > cd.subWeight {
			cd.subIntent = sub
			cd.subWeight = weight
		}
	}

	for _, r := range c.rules {
		if r.Gate != nil && !r.Gate.MatchString(text) {
			continue
		}
		if r.Pattern.MatchString(text) {
			vote(r.Category, r.Weight, r.SubIntent)
		}
	}

	// Entity evidence.
	if entities.Supplier != "" {
		vote(model.IntentSupplierDeepDive, 0.3, "risk_profile")
	}
	if entities.Commodity != "" {
		vote(model.IntentMarketContext, 0.3, "commodity")
	}

	if len(cands) == 0 {
		if in.Previous != nil && in.Previous.Category != model.IntentGeneral && followUpPattern.MatchString(text) {
			prev := *in.Previous
			prev.Confidence = math.Min(prev.Confidence, 0.5)
			prev.ExtractedEntities = mergeEntities(entities, prev.ExtractedEntities)
			return prev
		}
		return model.IntentResult{Category: model.IntentGeneral, ExtractedEntities: entities}
	}

	ranked := make([]*candidate, 0, len(cands))
	for _, cd := range cands {
		ranked = append(ranked, cd)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].category.Priority() < ranked[j].category.Priority()
	})

	best := ranked[0]
	return model.IntentResult{
		Category:          best.category,
		SubIntent:         best.subIntent,
		Confidence:        confidence(best),
		ExtractedEntities: entities,
	}
}

func confidence(cd *candidate) float64 {
	conf := 0.5 + 0.15*float64(cd.matches-1) + 0.1*cd.topWeight
	return math.Round(math.Min(0.95, conf)*100) / 100
}

// mergeEntities fills empty fields of primary from fallback.
func mergeEntities(primary, fallback model.Entities) model.Entities {
	if primary.Commodity == "" {
		primary.Commodity = fallback.Commodity
	}
	if primary.Category == "" {
		primary.Category = fallback.Category
	}
	if primary.Supplier == "" {
		primary.Supplier = fallback.Supplier
	}
	if primary.Region == "" {
		primary.Region = fallback.Region
	}
	if primary.Timeframe == "" {
		primary.Timeframe = fallback.Timeframe
	}
	return primary
}
