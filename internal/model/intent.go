package model

import "time"

// IntentCategory is the closed set of intent labels. Declaration order of
// AllCategories is the tie-break priority.
type IntentCategory string

const (
	IntentPortfolioOverview      IntentCategory = "portfolio_overview"
	IntentFilteredDiscovery      IntentCategory = "filtered_discovery"
	IntentSupplierDeepDive       IntentCategory = "supplier_deep_dive"
	IntentTrendDetection         IntentCategory = "trend_detection"
	IntentExplanationWhy         IntentCategory = "explanation_why"
	IntentActionTrigger          IntentCategory = "action_trigger"
	IntentComparison             IntentCategory = "comparison"
	IntentSetupConfig            IntentCategory = "setup_config"
	IntentReportingExport        IntentCategory = "reporting_export"
	IntentMarketContext          IntentCategory = "market_context"
	IntentRestrictedQuery        IntentCategory = "restricted_query"
	IntentInflationSummary       IntentCategory = "inflation_summary"
	IntentInflationDrivers       IntentCategory = "inflation_drivers"
	IntentInflationImpact        IntentCategory = "inflation_impact"
	IntentInflationJustification IntentCategory = "inflation_justification"
	IntentInflationScenarios     IntentCategory = "inflation_scenarios"
	IntentInflationCommunication IntentCategory = "inflation_communication"
	IntentInflationBenchmark     IntentCategory = "inflation_benchmark"
	IntentGeneral                IntentCategory = "general"
)

// AllCategories lists every category in priority order.
var AllCategories = []IntentCategory{
	IntentPortfolioOverview,
	IntentFilteredDiscovery,
	IntentSupplierDeepDive,
	IntentTrendDetection,
	IntentExplanationWhy,
	IntentActionTrigger,
	IntentComparison,
	IntentSetupConfig,
	IntentReportingExport,
	IntentMarketContext,
	IntentRestrictedQuery,
	IntentInflationSummary,
	IntentInflationDrivers,
	IntentInflationImpact,
	IntentInflationJustification,
	IntentInflationScenarios,
	IntentInflationCommunication,
	IntentInflationBenchmark,
	IntentGeneral,
}

// Priority returns the position of c in AllCategories; unknown categories sort last.
func (c IntentCategory) Priority() int {
	for i, cat := range AllCategories {
		if cat == c {
			return i
		}
	}
	return len(AllCategories)
}

// Valid reports whether c is a member of the closed enum.
func (c IntentCategory) Valid() bool {
	return c.Priority() < len(AllCategories)
}

// CoreIntents are the categories every widget registry must cover.
func CoreIntents() []IntentCategory {
	out := make([]IntentCategory, 0, len(AllCategories)-1)
	for _, c := range AllCategories {
		if c != IntentGeneral {
			out = append(out, c)
		}
	}
	return out
}

// IsInflation reports whether c belongs to the inflation family.
func (c IntentCategory) IsInflation() bool {
	switch c {
	case IntentInflationSummary, IntentInflationDrivers, IntentInflationImpact,
		IntentInflationJustification, IntentInflationScenarios,
		IntentInflationCommunication, IntentInflationBenchmark:
		return true
	}
	return false
}

// complexIntents get the expert track and the analyst/expert enhancements.
var complexIntents = map[IntentCategory]bool{
	IntentMarketContext:  true,
	IntentComparison:     true,
	IntentExplanationWhy: true,
	"negotiation":        true,
	"scenario_analysis":  true,
}

// IsComplex reports whether c is in the fixed complex-intent set.
func (c IntentCategory) IsComplex() bool {
	return complexIntents[c]
}

// Entities are the values pulled out of an utterance.
type Entities struct {
	Commodity string `json:"commodity,omitempty"`
	Category  string `json:"category,omitempty"`
	Supplier  string `json:"supplier,omitempty"`
	Region    string `json:"region,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
}

// Empty reports whether no entity was extracted.
func (e Entities) Empty() bool {
	return e == Entities{}
}

// IntentResult is the classifier output.
type IntentResult struct {
	Category          IntentCategory `json:"category"`
	SubIntent         string         `json:"subIntent,omitempty"`
	Confidence        float64        `json:"confidence"`
	ExtractedEntities Entities       `json:"extractedEntities"`
}

// BuilderHint forces a category when the caller already knows it.
type BuilderHint struct {
	Category  IntentCategory `json:"category"`
	SubIntent string         `json:"subIntent,omitempty"`
	Entities  *Entities      `json:"entities,omitempty"`
}

// Utterance is a single user input.
type Utterance struct {
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	BuilderHint *BuilderHint `json:"builderHint,omitempty"`
}

// ConversationCategory labels a conversation in the sidebar.
type ConversationCategory string

const (
	ConversationGeneral   ConversationCategory = "general"
	ConversationSuppliers ConversationCategory = "suppliers"
	ConversationRisk      ConversationCategory = "risk"
	ConversationResearch  ConversationCategory = "research"
)

// Valid reports whether c is a known category.
func (c ConversationCategory) Valid() bool {
	switch c {
	case ConversationGeneral, ConversationSuppliers, ConversationRisk, ConversationResearch:
		return true
	}
	return false
}

// ConversationCategoryFor maps an intent to the conversation label applied on
// the first assistant response.
func ConversationCategoryFor(c IntentCategory) ConversationCategory {
	switch c {
	case IntentFilteredDiscovery, IntentSupplierDeepDive, IntentComparison, IntentActionTrigger:
		return ConversationSuppliers
	case IntentPortfolioOverview, IntentTrendDetection, IntentExplanationWhy, IntentRestrictedQuery:
		return ConversationRisk
	case IntentMarketContext:
		return ConversationResearch
	}
	return ConversationGeneral
}
