package intent

import (
	"regexp"
	"strings"

	"github.com/sells-group/abi-engine/internal/model"
)

// Commodities is the commodity vocabulary recognized in utterances.
var Commodities = []string{
	"natural gas", "crude oil", "semiconductors", "corrugated", "packaging",
	"aluminum", "plastics", "lithium", "copper", "nickel", "cotton", "resin", "steel",
}

// Regions is the region vocabulary recognized in utterances.
var Regions = []string{
	"north america", "europe", "emea", "apac", "asia", "latam", "china", "india",
}

// categoryKeywords maps procurement categories to the words that name them.
var categoryKeywords = []struct {
	category string
	words    []string
}{
	{"metals", []string{"metal", "metals", "steel", "aluminum", "copper", "nickel"}},
	{"packaging", []string{"packaging", "corrugated", "cartons"}},
	{"chemicals", []string{"chemical", "chemicals", "resin", "plastics"}},
	{"electronics", []string{"electronics", "semiconductors", "chips", "components"}},
	{"logistics", []string{"logistics", "freight", "shipping", "transport"}},
	{"energy", []string{"energy", "natural gas", "crude oil", "power"}},
	{"textiles", []string{"textile", "textiles", "cotton"}},
}

var (
	timeframePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(last|past|next)\s+\d+\s+(days?|weeks?|months?|years?)\b`),
		regexp.MustCompile(`(?i)\bq[1-4](\s+\d{4})?\b`),
		regexp.MustCompile(`(?i)\b(ytd|year\s+to\s+date)\b`),
		regexp.MustCompile(`(?i)\b(this|last|next)\s+(year|quarter|month|week)\b`),
		regexp.MustCompile(`(?i)\b\d+-year\b`),
	}
	// Upper-case US anywhere; lower-case only after "the" so the pronoun is skipped.
	usPattern       = regexp.MustCompile(`\bUS\b|(?i:\b(?:usa|united\s+states|the\s+us)\b)`)
	supplierPattern = regexp.MustCompile(`\b(?:[Ss]upplier|[Vv]endor)\s+([A-Z][\w&.-]*(?:\s+[A-Z][\w&.-]*)*)`)
)

// ExtractEntities pulls commodity, category, supplier, region and timeframe
// values out of text. knownSuppliers are matched case-insensitively first.
func ExtractEntities(text string, knownSuppliers []string) model.Entities {
	lower := strings.ToLower(text)
	var e model.Entities

	e.Commodity = firstWord(lower, Commodities)

	for _, ck := range categoryKeywords {
		if firstWord(lower, ck.words) != "" {
			e.Category = ck.category
			break
		}
	}

	e.Region = firstWord(lower, Regions)
	if e.Region == "" && usPattern.MatchString(text) {
		e.Region = "north america"
	}

	for _, p := range timeframePatterns {
		if m := p.FindString(text); m != "" {
			e.Timeframe = strings.ToLower(m)
			break
		}
	}

	for _, name := range knownSuppliers {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			e.Supplier = name
			break
		}
	}
	if e.Supplier == "" {
		if m := supplierPattern.FindStringSubmatch(text); m != nil {
			e.Supplier = m[1]
		}
	}
	return e
}

// firstWord returns the first vocabulary term present in lower as a whole word.
// Vocabularies are ordered longest-first where prefixes overlap.
func firstWord(lower string, vocab []string) string {
	for _, w := range vocab {
		idx := strings.Index(lower, w)
		for idx >= 0 {
			end := idx + len(w)
			if boundary(lower, idx-1) && boundary(lower, end) {
				return w
			}
			next := strings.Index(lower[end:], w)
			if next < 0 {
				break
			}
			idx = end + next
		}
	}
	return ""
}

func boundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	c := s[i]
	return !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9')
}
