package model

import (
	"regexp"
	"strings"
)

// restrictedPatterns flag questions that ask for score internals. Matching is
// advisory; the hard filter is applied when a response is assembled.
var restrictedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwhy\b.*\bscore\b`),
	regexp.MustCompile(`(?i)\bbreakdown\b`),
	regexp.MustCompile(`(?i)\bfinancial\b.*\bscore\b`),
	regexp.MustCompile(`(?i)\bcyber\b.*\bsecurity\b`),
	regexp.MustCompile(`(?i)\bsanction`),
}

// IsRestrictedQuery reports whether text asks about restricted score detail.
func IsRestrictedQuery(text string) bool {
	for _, p := range restrictedPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// MentionsRestrictedFactor reports whether text refers to a restricted-tier
// factor of any given supplier, by factor name or its leading keyword.
func MentionsRestrictedFactor(text string, suppliers []Supplier) bool {
	lower := strings.ToLower(text)
	for _, name := range RestrictedFactorNames(suppliers) {
		n := strings.ToLower(name)
		if strings.Contains(lower, n) {
			return true
		}
		if fields := strings.Fields(n); len(fields) > 0 && len(fields[0]) > 3 && strings.Contains(lower, fields[0]) {
			return true
		}
	}
	return false
}
