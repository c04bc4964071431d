package engine

import (
	"strings"

	"github.com/sells-group/abi-engine/internal/model"
)

var enhancementLabels = map[EnhancementType]string{
	EnhanceAddWeb:       "Add web sources",
	EnhanceDeepResearch: "Run deep research",
	EnhanceAnalyst:      "Ask a Beroe analyst",
	EnhanceExpert:       "Book an expert deep dive",
}

// Enhance returns the source-enhancement suggestions for a response. It
// depends only on the source mix and whether the intent is complex.
func Enhance(mix model.SourceMix, category model.IntentCategory) SourceEnhancement {
	var types []EnhancementType
	if mix == model.MixInternalOnly {
		types = append(types, EnhanceAddWeb)
	}
	if mix != model.MixAll {
		types = append(types, EnhanceDeepResearch)
	}
	if category.IsComplex() {
		if !mix.HasWeb() {
			types = append(types, EnhanceAnalyst)
		}
		types = append(types, EnhanceExpert)
	}

	out := SourceEnhancement{Mix: mix, Suggestions: make([]Enhancement, 0, len(types))}
	for _, t := range types {
		out.Suggestions = append(out.Suggestions, Enhancement{Type: t, Label: enhancementLabels[t]})
	}
	return out
}

// specialty maps a commodity or category keyword to an analyst specialty.
type specialty struct {
	keywords []string
	name     string
}

var specialties = []specialty{
	{keywords: []string{"steel", "aluminum", "copper", "nickel", "metal"}, name: "Metals & Mining"},
	{keywords: []string{"lithium", "battery", "semiconductor", "electronic"}, name: "Electronics & Battery Materials"},
	{keywords: []string{"resin", "plastic", "packaging", "corrugated"}, name: "Packaging & Plastics"},
	{keywords: []string{"natural gas", "crude oil", "energy", "fuel"}, name: "Energy"},
	{keywords: []string{"cotton", "textile", "apparel"}, name: "Textiles & Agriculture"},
	{keywords: []string{"logistic", "freight", "shipping"}, name: "Logistics"},
}

// FallbackSpecialty is used when no keyword matches.
const FallbackSpecialty = "Procurement Strategy"

var analysts = map[string]model.Person{
	"Metals & Mining":                 {ID: "an-metals", Name: "Priya Raman", Title: "Principal Analyst", Specialty: "Metals & Mining"},
	"Electronics & Battery Materials": {ID: "an-electronics", Name: "Daniel Okafor", Title: "Senior Analyst", Specialty: "Electronics & Battery Materials"},
	"Packaging & Plastics":            {ID: "an-packaging", Name: "Marta Lindqvist", Title: "Senior Analyst", Specialty: "Packaging & Plastics"},
	"Energy":                          {ID: "an-energy", Name: "Omar Haddad", Title: "Principal Analyst", Specialty: "Energy"},
	"Textiles & Agriculture":          {ID: "an-textiles", Name: "Lucia Ferreira", Title: "Analyst", Specialty: "Textiles & Agriculture"},
	"Logistics":                       {ID: "an-logistics", Name: "Kenji Watanabe", Title: "Senior Analyst", Specialty: "Logistics"},
	FallbackSpecialty:                 {ID: "an-strategy", Name: "Hannah Brooks", Title: "Director, Category Intelligence", Specialty: FallbackSpecialty},
}

// SpecialtyFor returns the analyst specialty for the entities, trying the
// commodity before the category.
func SpecialtyFor(e model.Entities) string {
	for _, term := range []string{e.Commodity, e.Category} {
		if term == "" {
			continue
		}
		lower := strings.ToLower(term)
		for _, sp := range specialties {
			for _, kw := range sp.keywords {
				if strings.Contains(lower, kw) {
					return sp.name
				}
			}
		}
	}
	return FallbackSpecialty
}

// expert is a deep-dive expert and the subjects they cover.
type expert struct {
	person    model.Person
	expertise []string
}

// experts are tried in order; the first whose expertise appears in the
// query wins.
var experts = []expert{
	{
		person:    model.Person{ID: "ex-negotiation", Name: "Robert Kline", Title: "Former CPO, Industrial Manufacturing", Specialty: "Supplier negotiation"},
		expertise: []string{"negotiat", "contract", "price increase"},
	},
	{
		person:    model.Person{ID: "ex-supplychain", Name: "Aisha Mensah", Title: "Supply Chain Resilience Lead", Specialty: "Supply chain risk"},
		expertise: []string{"supply chain", "disruption", "resilien", "risk"},
	},
	{
		person:    model.Person{ID: "ex-commodities", Name: "Tomasz Nowak", Title: "Commodity Markets Strategist", Specialty: "Commodity markets"},
		expertise: []string{"commodit", "market", "pricing", "price", "forecast"},
	},
	{
		person:    model.Person{ID: "ex-scenarios", Name: "Elena Petrova", Title: "Scenario Planning Advisor", Specialty: "Scenario planning"},
		expertise: []string{"scenario", "what if", "compare", "versus", " vs "},
	},
}

var fallbackExpert = model.Person{ID: "ex-general", Name: "Michael Grant", Title: "Senior Procurement Advisor", Specialty: "Procurement transformation"}

// ExpertFor pairs the query with an expert by expertise substring.
func ExpertFor(text string) model.Person {
	lower := strings.ToLower(text)
	for _, ex := range experts {
		for _, e := range ex.expertise {
			if strings.Contains(lower, e) {
				return ex.person
			}
		}
	}
	return fallbackExpert
}

// Ladder builds the value ladder for a response. General answers get none and
// restricted answers only the analyst rung. The expert rung is reserved for
// complex intents.
func Ladder(text string, in model.IntentResult) *model.ValueLadder {
	cat := in.Category
	if cat == model.IntentGeneral {
		return nil
	}

	analyst := analysts[SpecialtyFor(in.ExtractedEntities)]
	v := &model.ValueLadder{
		AnalystConnect: &model.LadderOffer{
			Available: true,
			Match:     &analyst,
			CTA:       "Talk to " + analyst.Name + ", our " + analyst.Specialty + " analyst",
		},
	}
	if cat == model.IntentRestrictedQuery {
		return v
	}
	if cat.IsComplex() {
		ex := ExpertFor(text)
		v.ExpertDeepDive = &model.LadderOffer{
			Available: true,
			Match:     &ex,
			CTA:       "Book a 30-minute deep dive with " + ex.Name,
		}
	}
	if topic := firstNonEmpty(in.ExtractedEntities.Commodity, in.ExtractedEntities.Category); topic != "" {
		v.Community = &model.LadderOffer{
			Available: true,
			CTA:       "See how peers are handling " + topic,
		}
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
