package intent

import (
	"regexp"

	"github.com/sells-group/abi-engine/internal/model"
)

// Rule is one weighted pattern voting for a category.
type Rule struct {
	Category  model.IntentCategory
	Pattern   *regexp.Regexp
	Weight    float64
	SubIntent string
	// Gate, when set, must also match for the rule to fire.
	Gate *regexp.Regexp
}

func rule(cat model.IntentCategory, weight float64, sub, pattern string) Rule {
	return Rule{Category: cat, Weight: weight, SubIntent: sub, Pattern: regexp.MustCompile(`(?i)` + pattern)}
}

func gated(r Rule, gate *regexp.Regexp) Rule {
	r.Gate = gate
	return r
}

var inflationGate = regexp.MustCompile(`(?i)\b(inflation|inflationary|price (increase|hike)s?|cost (increase|hike)s?)\b`)

// DefaultRules is the built-in rule table. It is read-only after startup.
func DefaultRules() []Rule {
	return []Rule{
		rule(model.IntentPortfolioOverview, 0.6, "", `\b(my|our)\s+(supplier\s+)?portfolio\b`),
		rule(model.IntentPortfolioOverview, 0.5, "risk_distribution", `\brisk\s+(distribution|overview|summary|exposure)\b`),
		rule(model.IntentPortfolioOverview, 0.3, "", `\bportfolio\b`),
		rule(model.IntentPortfolioOverview, 0.4, "spend", `\b(total|overall)\s+spend\b`),
		rule(model.IntentPortfolioOverview, 0.4, "", `\bhow\s+many\s+suppliers\b`),

		rule(model.IntentFilteredDiscovery, 0.4, "", `\b(show|list|find|filter|which)\b.*\bsuppliers\b`),
		rule(model.IntentFilteredDiscovery, 0.5, "by_risk", `\b(high|medium|low)[- ]risk\s+suppliers?\b`),
		rule(model.IntentFilteredDiscovery, 0.4, "by_region", `\bsuppliers?\s+(in|from|located\s+in)\s+(north america|europe|emea|apac|asia|latam|china|india|the us|us)\b`),
		rule(model.IntentFilteredDiscovery, 0.4, "by_category", `\bsuppliers?\s+(for|in)\s+(the\s+)?\w+\s+category\b`),

		rule(model.IntentSupplierDeepDive, 0.5, "risk_profile", `\b(tell me about|deep dive on|details?\s+(on|for|about)|profile\s+(of|for))\b`),
		rule(model.IntentSupplierDeepDive, 0.5, "risk_profile", `\brisk\s+profile\b`),

		rule(model.IntentTrendDetection, 0.4, "score_changes", `\b(changed|changes|trend(ing|s)?|worsen(ed|ing)?|improv(ed|ing)|moved)\b`),
		rule(model.IntentTrendDetection, 0.4, "alerts", `\b(alerts?|notifications?|what'?s\s+new|recent(ly)?)\b`),

		rule(model.IntentExplanationWhy, 0.5, "", `^\s*why\b`),
		rule(model.IntentExplanationWhy, 0.4, "", `\b(explain|what\s+drives|reason\s+for|how\s+come)\b`),

		rule(model.IntentActionTrigger, 0.6, "alternatives", `\b(alternatives?|replace|replacement|switch\s+from|backup\s+suppliers?)\b`),
		rule(model.IntentActionTrigger, 0.5, "follow", `\b(follow|unfollow|watch)\b`),
		rule(model.IntentActionTrigger, 0.6, "alert_setup", `\b(set\s+up|create|configure)\s+(an?\s+)?alerts?\b`),

		rule(model.IntentComparison, 0.7, "suppliers", `\b(compare|comparison|versus|vs\.?|side\s+by\s+side)\b`),

		rule(model.IntentSetupConfig, 0.4, "", `\b(settings?|preferences?|configure|setup|set\s+up)\b`),

		rule(model.IntentReportingExport, 0.5, "", `\b(export|download|pdf|csv|excel|spreadsheet)\b`),
		rule(model.IntentReportingExport, 0.3, "", `\breport\b`),

		rule(model.IntentMarketContext, 0.5, "news", `\b(market|industry)\s+(news|outlook|conditions?|trends?|context|dynamics)\b`),
		rule(model.IntentMarketContext, 0.4, "commodity", `\b(price|prices|pricing)\s+(of|for)\b`),
		rule(model.IntentMarketContext, 0.3, "", `\b(market|supply\s+chain|commodit(y|ies))\b`),

		gated(rule(model.IntentInflationSummary, 0.5, "", `\binflation(ary)?\b`), inflationGate),
		gated(rule(model.IntentInflationSummary, 0.3, "", `\b(price|cost)\s+(increase|hike)s?\b`), inflationGate),
		gated(rule(model.IntentInflationDrivers, 0.7, "", `\b(drivers?|driving|causing|behind)\b`), inflationGate),
		gated(rule(model.IntentInflationImpact, 0.7, "", `\b(impact|affect(s|ed)?|exposure|hit)\b`), inflationGate),
		gated(rule(model.IntentInflationJustification, 0.8, "", `\b(justify|justified|justification|push\s*back|negotiate)\b`), inflationGate),
		gated(rule(model.IntentInflationScenarios, 0.7, "", `\b(scenarios?|what\s+if|simulate|forecast)\b`), inflationGate),
		gated(rule(model.IntentInflationCommunication, 0.7, "", `\b(communicate|executive|stakeholders?|cfo|leadership|presentation)\b`), inflationGate),
		gated(rule(model.IntentInflationBenchmark, 0.7, "", `\b(benchmark|compared\s+to\s+(the\s+)?market|index)\b`), inflationGate),
	}
}
