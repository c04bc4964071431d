package engine

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/retrieval"
	"github.com/sells-group/abi-engine/internal/scorer"
)

// maxListed caps the suppliers named in a prose list.
const maxListed = 5

const generalBody = "I can help with supplier risk, your portfolio, commodity markets, and price inflation. " +
	"Try asking which suppliers carry the most risk or how steel prices are moving."

func title(s string) string {
	return cases.Title(language.English).String(s)
}

// compose writes the prose body for a turn and an optional acknowledgement.
// Suppliers must already be redacted; only displayable factor scores are
// quoted.
func compose(in model.IntentResult, res *retrieval.Result) (body, ack string) {
	var b strings.Builder
	e := in.ExtractedEntities

	switch cat := in.Category; {
	case cat == model.IntentPortfolioOverview && res.Portfolio != nil:
		writePortfolio(&b, *res.Portfolio, in.SubIntent == "spend")

	case cat == model.IntentFilteredDiscovery && len(res.Suppliers) > 0:
		fmt.Fprintf(&b, "Found %d %s%s.\n", len(res.Suppliers), plural(len(res.Suppliers), "supplier", "suppliers"), filterPhrase(e))
		writeSupplierList(&b, bySeverity(res.Suppliers))

	case cat == model.IntentSupplierDeepDive && len(res.Suppliers) > 0:
		writeSupplier(&b, res.Suppliers[0])

	case cat == model.IntentTrendDetection && len(res.RiskChanges) > 0:
		writeChanges(&b, res.RiskChanges)

	case cat == model.IntentExplanationWhy && len(res.Suppliers) > 0:
		s := res.Suppliers[0]
		fmt.Fprintf(&b, "%s is rated %s risk (%.0f). These factors drive the score:\n", s.Name, s.SRS.Level, s.SRS.Score)
		writeFactors(&b, s.SRS.Factors)

	case cat == model.IntentComparison && len(res.Suppliers) > 1:
		a, c := res.Suppliers[0], res.Suppliers[1]
		fmt.Fprintf(&b, "%s scores %.0f (%s) against %.0f (%s) for %s.", a.Name, a.SRS.Score, a.SRS.Level, c.SRS.Score, c.SRS.Level, c.Name)
		if diff := a.SRS.Score - c.SRS.Score; diff > 0 {
			fmt.Fprintf(&b, " %s carries %.0f more points of risk.", a.Name, diff)
		} else if diff < 0 {
			fmt.Fprintf(&b, " %s carries %.0f more points of risk.", c.Name, -diff)
		}

	case cat == model.IntentActionTrigger:
		ack = actionAck(in, res)
		b.WriteString(ack)

	case cat == model.IntentSetupConfig:
		ack = "Got it. Opening your monitoring settings."
		b.WriteString("You can adjust alert thresholds, followed suppliers, and notification channels from settings.")

	case cat == model.IntentReportingExport:
		ack = "Preparing your export."
		b.WriteString("Your report will include the current portfolio snapshot and recent risk changes.")

	case cat == model.IntentMarketContext && res.Commodity != nil:
		writeCommodity(&b, *res.Commodity)

	case cat == model.IntentInflationBenchmark && res.Commodity != nil:
		writeCommodity(&b, *res.Commodity)

	case cat.IsInflation() && res.Inflation != nil:
		writeInflation(&b, *res.Inflation)
	}

	if res.Summary != "" {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(res.Summary)
	}
	if b.Len() == 0 {
		if in.Category == model.IntentGeneral {
			return generalBody, ack
		}
		return "I couldn't find data for that yet. Try naming a supplier, category, or commodity.", ack
	}
	return strings.TrimRight(b.String(), "\n"), ack
}

func writePortfolio(b *strings.Builder, p model.Portfolio, spend bool) {
	d := p.Distribution
	fmt.Fprintf(b, "You follow %d %s with %s in total spend.", p.TotalSuppliers, plural(p.TotalSuppliers, "supplier", "suppliers"), model.FormatSpend(p.TotalSpend))
	if spend {
		return
	}
	fmt.Fprintf(b, " %d high risk, %d medium-high, %d medium, %d low and %d unrated.", d.High, d.MediumHigh, d.Medium, d.Low, d.Unrated)
	if n := len(p.RecentChanges); n > 0 {
		fmt.Fprintf(b, " %d %s changed recently.", n, plural(n, "score", "scores"))
	}
}

func writeSupplierList(b *strings.Builder, suppliers []model.Supplier) {
	for i, s := range suppliers {
		if i == maxListed {
			fmt.Fprintf(b, "- and %d more\n", len(suppliers)-maxListed)
			break
		}
		fmt.Fprintf(b, "- %s (%s, %s): SRS %.0f, %s risk\n", s.Name, s.Category, s.Location.Region, s.SRS.Score, s.SRS.Level)
	}
}

func writeSupplier(b *strings.Builder, s model.Supplier) {
	fmt.Fprintf(b, "%s (%s, %s) has a risk score of %.0f, rated %s.", s.Name, s.Category, s.Location.Country, s.SRS.Score, s.SRS.Level)
	if s.SRS.PreviousScore != nil {
		fmt.Fprintf(b, " The score is %s, previously %.0f.", s.SRS.Trend, *s.SRS.PreviousScore)
	}
	if s.Spend > 0 {
		fmt.Fprintf(b, " Annual spend is %s.", model.FormatSpend(s.Spend))
	}
	if len(s.SRS.Factors) > 0 {
		b.WriteString("\n")
		writeFactors(b, s.SRS.Factors)
	}
}

// writeFactors lists factors by weight. Restricted factors are named without
// a number.
func writeFactors(b *strings.Builder, factors []model.RiskFactor) {
	sorted := append([]model.RiskFactor(nil), factors...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Weight > sorted[j].Weight })
	for _, f := range sorted {
		switch {
		case f.IsRestricted():
			fmt.Fprintf(b, "- %s: restricted, available through an analyst\n", f.Name)
		case f.Score != nil:
			fmt.Fprintf(b, "- %s: %.0f (%s)\n", f.Name, *f.Score, f.Rating)
		default:
			fmt.Fprintf(b, "- %s: %s\n", f.Name, f.Rating)
		}
	}
}

func writeChanges(b *strings.Builder, changes []model.RiskChange) {
	fmt.Fprintf(b, "%d risk %s in your portfolio:\n", len(changes), plural(len(changes), "change", "changes"))
	for i, c := range changes {
		if i == maxListed {
			fmt.Fprintf(b, "- and %d more\n", len(changes)-maxListed)
			break
		}
		fmt.Fprintf(b, "- %s %s from %.0f to %.0f\n", c.SupplierName, c.Direction, c.PreviousScore, c.CurrentScore)
	}
}

func writeCommodity(b *strings.Builder, c model.Commodity) {
	fmt.Fprintf(b, "%s is trading at %.2f %s, %s over 30 days and %s over 90 days.",
		title(c.Name), c.CurrentPrice, c.Unit, model.FormatPercent(c.Change30d), model.FormatPercent(c.Change90d))
}

func writeInflation(b *strings.Builder, s model.InflationSnapshot) {
	fmt.Fprintf(b, "Prices across your categories moved %s over %s", model.FormatPercent(s.OverallChange), s.Period)
	if s.TotalImpact != "" {
		fmt.Fprintf(b, ", a spend impact of %s", s.TotalImpact)
	}
	b.WriteString(".")
	cats := append([]model.CategoryInflation(nil), s.Categories...)
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].Change > cats[j].Change })
	if len(cats) > 0 {
		fmt.Fprintf(b, " %s rose the most at %s.", cats[0].Category, model.FormatPercent(cats[0].Change))
	}
}

func actionAck(in model.IntentResult, res *retrieval.Result) string {
	name := in.ExtractedEntities.Supplier
	if name == "" && len(res.Suppliers) > 0 {
		name = res.Suppliers[0].Name
	}
	switch in.SubIntent {
	case "follow":
		if name != "" {
			return "Done. You're now following " + name + "."
		}
	case "alert_setup":
		if name != "" {
			return "Alert set. You'll hear about any score change for " + name + "."
		}
		return "Alert set for your followed suppliers."
	case "alternatives":
		if name != "" {
			return "Here are alternatives to " + name + "."
		}
	}
	return "Got it."
}

// restrictedBody explains why a restricted factor can't be shown.
func restrictedBody(text string, suppliers []model.Supplier) string {
	lower := strings.ToLower(text)
	subject := "Detailed scores for that factor are"
	for _, name := range model.RestrictedFactorNames(suppliers) {
		fields := strings.Fields(strings.ToLower(name))
		if len(fields) > 0 && strings.Contains(lower, fields[0]) {
			subject = "Detailed " + name + " scores are"
			break
		}
	}
	return subject + " restricted data and can't be shown in chat. " +
		"The overall risk score already reflects them, and an analyst can walk you through what is driving the rating."
}

func filterPhrase(e model.Entities) string {
	var parts []string
	if e.Category != "" {
		parts = append(parts, "in "+e.Category)
	}
	if e.Commodity != "" {
		parts = append(parts, "for "+e.Commodity)
	}
	if e.Region != "" {
		parts = append(parts, "in "+title(e.Region))
	}
	if len(parts) == 0 {
		return ""
	}
	return " " + strings.Join(parts, " ")
}

// bySeverity orders suppliers by descending score, keeping input order on ties.
func bySeverity(suppliers []model.Supplier) []model.Supplier {
	out := append([]model.Supplier(nil), suppliers...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].SRS.Score > out[j].SRS.Score })
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

var followUpTable = map[model.IntentCategory][]string{
	model.IntentPortfolioOverview:      {"Which suppliers have the highest risk?", "Show recent risk changes"},
	model.IntentFilteredDiscovery:      {"Compare the top two suppliers", "Which of these are getting worse?"},
	model.IntentSupplierDeepDive:       {"Why did this score change?", "Find alternative suppliers"},
	model.IntentTrendDetection:         {"Set an alert for future changes", "Which categories are most affected?"},
	model.IntentExplanationWhy:         {"How does this compare to peers?", "Find alternative suppliers"},
	model.IntentActionTrigger:          {"Show my followed suppliers", "Show recent risk changes"},
	model.IntentComparison:             {"Which one should I prioritize?", "Show alternatives to the riskier supplier"},
	model.IntentMarketContext:          {"What is driving prices?", "How does this affect my suppliers?"},
	model.IntentInflationSummary:       {"What is driving inflation in my categories?", "What is the impact on my budget?"},
	model.IntentInflationDrivers:       {"What is the impact on my budget?", "Model a price scenario"},
	model.IntentInflationImpact:        {"Help me justify a budget increase", "Model a price scenario"},
	model.IntentInflationJustification: {"Draft an executive summary", "How do we compare to benchmarks?"},
	model.IntentInflationScenarios:     {"What is driving inflation in my categories?", "Draft an executive summary"},
	model.IntentInflationCommunication: {"Help me justify a budget increase", "How do we compare to benchmarks?"},
	model.IntentInflationBenchmark:     {"What is driving prices?", "Model a price scenario"},
	model.IntentRestrictedQuery:        {"What does the overall score include?", "Connect me with an analyst"},
	model.IntentGeneral:                {"Show my portfolio risk", "Which suppliers changed recently?"},
}

// maxSuggestions caps follow-up suggestions per response.
const maxSuggestions = 4

func followUps(in model.IntentResult, res *retrieval.Result, score scorer.DeepResearchScore) []string {
	out := append([]string(nil), followUpTable[in.Category]...)
	if in.Category == model.IntentSupplierDeepDive && len(res.Suppliers) > 0 {
		out = append(out, "Compare "+res.Suppliers[0].Name+" with a peer")
	}
	if score.ShouldSuggest {
		out = append(out, "Run a deep research "+strings.ToLower(score.InferredStudyType.Label())+" on this")
	}
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}
