// Package scorer implements the deep-research scorer: a weighted signal
// matcher that decides whether an utterance warrants a full research study.
package scorer

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// Signal is one weighted phrase pattern.
type Signal struct {
	Name    string  `yaml:"name" mapstructure:"name"`
	Pattern string  `yaml:"pattern" mapstructure:"pattern"`
	Weight  float64 `yaml:"weight" mapstructure:"weight"`
}

// Config is the scorer's signal table and thresholds.
type Config struct {
	MinTokens int `yaml:"min_tokens" mapstructure:"min_tokens"`

	High     []Signal `yaml:"high" mapstructure:"high"`
	Medium   []Signal `yaml:"medium" mapstructure:"medium"`
	Negative []Signal `yaml:"negative" mapstructure:"negative"`

	// Decay is the diminishing-returns factor applied per extra match in a class.
	Decay float64 `yaml:"decay" mapstructure:"decay"`

	// Context boosts.
	FollowUpTurns     int     `yaml:"follow_up_turns" mapstructure:"follow_up_turns"`
	FollowUpBoost     float64 `yaml:"follow_up_boost" mapstructure:"follow_up_boost"`
	ComplexityPattern string  `yaml:"complexity_pattern" mapstructure:"complexity_pattern"`
	ComplexityBoost   float64 `yaml:"complexity_boost" mapstructure:"complexity_boost"`

	// Tier thresholds. Lower bounds are inclusive.
	SuggestThreshold      float64 `yaml:"suggest_threshold" mapstructure:"suggest_threshold"`
	InterstitialThreshold float64 `yaml:"interstitial_threshold" mapstructure:"interstitial_threshold"`
}

// DefaultConfig returns the built-in signal table.
func DefaultConfig() Config {
	return Config{
		MinTokens: 3,
		High: []Signal{
			{Name: "deep dive", Pattern: `\bdeep[\s-]?dive\b`, Weight: 0.45},
			{Name: "comprehensive analysis", Pattern: `\bcomprehensive\s+(?:[\w-]+\s+){0,4}?(?:analysis|assessment|review|study)\b`, Weight: 0.50},
			{Name: "sourcing study", Pattern: `\bsourcing\s+study\b`, Weight: 0.50},
			{Name: "cost model", Pattern: `\bcost\s+(?:model|breakdown)\b`, Weight: 0.45},
			{Name: "multi-year outlook", Pattern: `\b\d+[\s-]?years?\s+(?:outlook|forecast)\b`, Weight: 0.40},
			{Name: "supplier landscape", Pattern: `\bsupplier\s+landscape\b`, Weight: 0.40},
			{Name: "market analysis", Pattern: `\bmarket\s+analysis\b`, Weight: 0.35},
			{Name: "should-cost", Pattern: `\bshould[\s-]cost\b`, Weight: 0.40},
			{Name: "in-depth", Pattern: `\bin[\s-]depth\b`, Weight: 0.35},
			{Name: "full report", Pattern: `\bfull\s+report\b`, Weight: 0.35},
		},
		Medium: []Signal{
			{Name: "key trends", Pattern: `\bkey\s+trends\b`, Weight: 0.15},
			{Name: "benchmark", Pattern: `\bbenchmark(?:s|ing)?\b`, Weight: 0.15},
			{Name: "competitive landscape", Pattern: `\bcompetitive\s+landscape\b`, Weight: 0.20},
			{Name: "pricing trends", Pattern: `\bpric(?:e|ing)\s+trends\b`, Weight: 0.15},
			{Name: "supplier risk", Pattern: `\bsupplier\s+risks?\b`, Weight: 0.15},
			{Name: "broad overview", Pattern: `\bbroad\s+overview\b`, Weight: 0.15},
			{Name: "key suppliers", Pattern: `\bkey\s+suppliers\b`, Weight: 0.10},
			{Name: "supply chain", Pattern: `\bsupply\s+chains?\b`, Weight: 0.10},
		},
		Negative: []Signal{
			{Name: "what is", Pattern: `\bwhat(?:\s+is|'s)\b`, Weight: 0.30},
			{Name: "show me", Pattern: `\bshow\s+me\b`, Weight: 0.30},
			{Name: "list my", Pattern: `\blist\s+my\b`, Weight: 0.40},
			{Name: "quick", Pattern: `\bquick(?:ly)?\b`, Weight: 0.25},
			{Name: "brief", Pattern: `\bbrief(?:ly)?\b`, Weight: 0.25},
			{Name: "greeting", Pattern: `^\s*(?:hi|hello|hey|thanks|thank\s+you)\b`, Weight: 0.50},
		},
		Decay:                 0.6,
		FollowUpTurns:         3,
		FollowUpBoost:         0.10,
		ComplexityPattern:     `\b(?:compare|analy[sz]e|trends)\b`,
		ComplexityBoost:       0.05,
		SuggestThreshold:      0.45,
		InterstitialThreshold: 0.75,
	}
}

// ValidateConfig checks that a Config is internally consistent.
func ValidateConfig(c Config) error {
	var errs []string

	if c.MinTokens < 1 {
		errs = append(errs, "min_tokens must be >= 1")
	}
	if len(c.High) == 0 {
		errs = append(errs, "at least one high signal is required")
	}

	classes := map[string][]Signal{"high": c.High, "medium": c.Medium, "negative": c.Negative}
	for class, signals := range classes {
		for _, s := range signals {
			if s.Weight <= 0 || s.Weight > 1 {
				errs = append(errs, fmt.Sprintf("%s signal %q weight must be in (0, 1]", class, s.Name))
			}
			if _, err := regexp.Compile(s.Pattern); err != nil {
				errs = append(errs, fmt.Sprintf("%s signal %q pattern: %v", class, s.Name, err))
			}
		}
	}

	if c.Decay <= 0 || c.Decay > 1 {
		errs = append(errs, "decay must be in (0, 1]")
	}
	if c.FollowUpBoost < 0 || c.ComplexityBoost < 0 {
		errs = append(errs, "context boosts must be >= 0")
	}
	if c.ComplexityPattern != "" {
		if _, err := regexp.Compile(c.ComplexityPattern); err != nil {
			errs = append(errs, fmt.Sprintf("complexity_pattern: %v", err))
		}
	}

	// Thresholds.
	if c.SuggestThreshold <= 0 || c.SuggestThreshold >= c.InterstitialThreshold {
		errs = append(errs, "suggest_threshold must be > 0 and < interstitial_threshold")
	}
	if c.InterstitialThreshold > 1 {
		errs = append(errs, "interstitial_threshold must be <= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("scorer: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
