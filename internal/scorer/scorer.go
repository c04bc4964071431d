package scorer

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/model"
)

// SignalClass is the class a matched signal belongs to.
type SignalClass string

const (
	ClassHigh     SignalClass = "high"
	ClassMedium   SignalClass = "medium"
	ClassNegative SignalClass = "negative"
)

// MatchedSignal is a signal that fired for an utterance.
type MatchedSignal struct {
	Name   string      `json:"name"`
	Class  SignalClass `json:"class"`
	Weight float64     `json:"weight"`
}

// DeepResearchScore is the scorer output.
type DeepResearchScore struct {
	Score                     float64         `json:"score"`
	MatchedSignals            []MatchedSignal `json:"matchedSignals"`
	ShouldSuggest             bool            `json:"shouldSuggest"`
	ShouldTriggerInterstitial bool            `json:"shouldTriggerInterstitial"`
	Reason                    string          `json:"reason"`
	InferredStudyType         model.StudyType `json:"inferredStudyType,omitempty"`
	EstimatedCredits          int             `json:"estimatedCredits,omitempty"`
	EstimatedTime             string          `json:"estimatedTime,omitempty"`
}

// ReasonTooShort is the reason returned for utterances below the token minimum.
const ReasonTooShort = "Query too short"

type compiled struct {
	Signal
	class SignalClass
	re    *regexp.Regexp
}

// Scorer scores utterances against a compiled signal table. It is stateless
// after construction and safe for concurrent use.
type Scorer struct {
	cfg        Config
	signals    []compiled
	complexity *regexp.Regexp
}

// New validates cfg and compiles its patterns.
func New(cfg Config) (*Scorer, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	s := &Scorer{cfg: cfg}
	add := func(class SignalClass, signals []Signal) error {
		for _, sig := range signals {
			re, err := regexp.Compile(`(?i)` + sig.Pattern)
			if err != nil {
				return eris.Wrapf(err, "scorer: compile %s signal %q", class, sig.Name)
			}
			s.signals = append(s.signals, compiled{Signal: sig, class: class, re: re})
		}
		return nil
	}
	if err := add(ClassHigh, cfg.High); err != nil {
		return nil, err
	}
	if err := add(ClassMedium, cfg.Medium); err != nil {
		return nil, err
	}
	if err := add(ClassNegative, cfg.Negative); err != nil {
		return nil, err
	}
	if cfg.ComplexityPattern != "" {
		s.complexity = regexp.MustCompile(`(?i)` + cfg.ComplexityPattern)
	}
	return s, nil
}

// Score evaluates text with history holding the prior user turns of the same
// conversation. It is pure: the same inputs always produce the same output.
func (s *Scorer) Score(text string, history []string) DeepResearchScore {
	if len(strings.Fields(text)) < s.cfg.MinTokens {
		return DeepResearchScore{Reason: ReasonTooShort}
	}

	var (
		matched []MatchedSignal
		byClass = map[SignalClass][]float64{}
	)
	for _, sig := range s.signals {
		if sig.re.MatchString(text) {
			matched = append(matched, MatchedSignal{Name: sig.Name, Class: sig.class, Weight: sig.Weight})
			byClass[sig.class] = append(byClass[sig.class], sig.Weight)
		}
	}

	pos := s.accumulate(byClass[ClassHigh]) + s.accumulate(byClass[ClassMedium])
	neg := s.accumulate(byClass[ClassNegative])
	net := clamp(pos - neg)

	// Context is strictly additive and never lifts a zero-scoring utterance.
	if net > 0 {
		if s.cfg.FollowUpTurns > 0 && len(history) >= s.cfg.FollowUpTurns {
			net += s.cfg.FollowUpBoost
		}
		if s.complexity != nil {
			for _, h := range history {
				if s.complexity.MatchString(h) {
					net += s.cfg.ComplexityBoost
					break
				}
			}
		}
		net = clamp(net)
	}
	net = math.Round(net*1e4) / 1e4

	st := InferStudyType(text)
	price := credit.Estimate(st)
	res := DeepResearchScore{
		Score:             net,
		MatchedSignals:    matched,
		InferredStudyType: st,
		EstimatedCredits:  price.Credits,
		EstimatedTime:     price.Time,
	}
	switch {
	case net >= s.cfg.InterstitialThreshold:
		res.ShouldTriggerInterstitial = true
	case net >= s.cfg.SuggestThreshold:
		res.ShouldSuggest = true
	}
	res.Reason = reason(res, byClass)
	return res
}

// accumulate sums weights with diminishing returns: w0 + w1*d + w2*d^2...
func (s *Scorer) accumulate(weights []float64) float64 {
	if len(weights) == 0 {
		return 0
	}
	sorted := append([]float64(nil), weights...)
	sort.Sort(sort.Reverse(sort.Float64Slice(sorted)))

	var total float64
	factor := 1.0
	for _, w := range sorted {
		total += w * factor
		factor *= s.cfg.Decay
	}
	return total
}

func reason(res DeepResearchScore, byClass map[SignalClass][]float64) string {
	if len(res.MatchedSignals) == 0 {
		return "No deep-research signals"
	}
	names := make([]string, 0, len(res.MatchedSignals))
	for _, m := range res.MatchedSignals {
		if m.Class != ClassNegative {
			names = append(names, m.Name)
		}
	}
	switch {
	case res.Score == 0 && len(byClass[ClassNegative]) > 0:
		return "Negative signals outweigh research intent"
	case res.ShouldTriggerInterstitial:
		return "Strong research signals: " + strings.Join(names, ", ")
	case res.ShouldSuggest:
		return "Moderate research signals: " + strings.Join(names, ", ")
	}
	return "Weak research signals"
}

// InferStudyType maps an utterance to a study type by keyword presence.
func InferStudyType(text string) model.StudyType {
	lower := strings.ToLower(text)
	has := func(words ...string) bool {
		for _, w := range words {
			if strings.Contains(lower, w) {
				return true
			}
		}
		return false
	}
	switch {
	case has("sourcing"):
		return model.StudySourcing
	case has("cost") && has("model", "breakdown"):
		return model.StudyCostModel
	case has("supplier") && has("assessment", "evaluation"):
		return model.StudySupplierAssessment
	case has("risk") && has("assessment"):
		return model.StudyRiskAssessment
	}
	return model.StudyMarketAnalysis
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
