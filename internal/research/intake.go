package research

import (
	"strings"

	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/model"
)

// DefaultTimeframe answers the optional timeframe question when left blank.
const DefaultTimeframe = "next 12 months"

// Question is one intake question.
type Question struct {
	ID       string   `json:"id"`
	Question string   `json:"question"`
	Required bool     `json:"required"`
	Options  []string `json:"options,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Intake is the clarifying step before a job is confirmed.
type Intake struct {
	Questions        []Question        `json:"questions"`
	PrefilledAnswers map[string]string `json:"prefilledAnswers,omitempty"`
	CanSkip          bool              `json:"canSkip"`
	SkipReason       string            `json:"skipReason,omitempty"`
	EstimatedCredits int               `json:"estimatedCredits"`
	EstimatedTime    string            `json:"estimatedTime"`
}

func (in Intake) clone() Intake {
	out := in
	out.Questions = append([]Question(nil), in.Questions...)
	if in.PrefilledAnswers != nil {
		out.PrefilledAnswers = make(map[string]string, len(in.PrefilledAnswers))
		for k, v := range in.PrefilledAnswers {
			out.PrefilledAnswers[k] = v
		}
	}
	return out
}

var (
	scopeQuestion = Question{
		ID:       "scope",
		Question: "Which category, commodity, or spend area should the research cover?",
		Required: true,
	}
	timeframeQuestion = Question{
		ID:       "timeframe",
		Question: "What time horizon matters most?",
		Options:  []string{"next 6 months", DefaultTimeframe, "next 3 years", "next 5 years"},
		Default:  DefaultTimeframe,
	}
)

var studyQuestions = map[model.StudyType][]Question{
	model.StudySourcing: {{
		ID:       "regions",
		Question: "Which sourcing regions should be considered?",
		Required: true,
		Options:  []string{"North America", "Europe", "APAC", "LATAM", "Global"},
	}},
	model.StudyCostModel: {{
		ID:       "cost_components",
		Question: "Which cost components should the model break out?",
		Required: true,
		Options:  []string{"raw materials", "labor", "energy", "logistics", "overhead and margin"},
	}},
	model.StudySupplierAssessment: {{
		ID:       "suppliers",
		Question: "Which suppliers should be assessed?",
		Required: true,
	}},
	model.StudyRiskAssessment: {{
		ID:       "risk_dimensions",
		Question: "Any risk dimensions to emphasize?",
		Options:  []string{"financial", "geopolitical", "ESG", "operational", "cyber"},
	}},
	model.StudyMarketAnalysis: {{
		ID:       "focus",
		Question: "Anything specific to focus on, such as pricing, capacity, or new entrants?",
	}},
}

// Questions returns the intake questions for a study type, common ones first.
func Questions(st model.StudyType) []Question {
	out := []Question{scopeQuestion, timeframeQuestion}
	return append(out, studyQuestions[st]...)
}

// BuildIntake prepares intake for a query, prefilling answers from extracted
// entities.
func BuildIntake(st model.StudyType, e model.Entities) Intake {
	price := credit.Estimate(st)
	in := Intake{
		Questions:        Questions(st),
		PrefilledAnswers: map[string]string{},
		EstimatedCredits: price.Credits,
		EstimatedTime:    price.Time,
	}

	scope := e.Commodity
	if scope == "" {
		scope = e.Category
	}
	prefill := map[string]string{
		"scope":     scope,
		"regions":   e.Region,
		"timeframe": e.Timeframe,
		"suppliers": e.Supplier,
	}
	for _, q := range in.Questions {
		if v := prefill[q.ID]; v != "" {
			in.PrefilledAnswers[q.ID] = v
		}
	}
	if len(in.PrefilledAnswers) == 0 {
		in.PrefilledAnswers = nil
	}

	in.CanSkip = len(missingRequired(in.Questions, in.PrefilledAnswers)) == 0
	if in.CanSkip {
		in.SkipReason = "Every required question was answered by the request"
	}
	return in
}

// MergeAnswers overlays answers on the prefilled ones, trims values, and
// fills defaults for blank optional questions.
func MergeAnswers(in Intake, answers map[string]string) map[string]string {
	out := make(map[string]string, len(in.Questions))
	for k, v := range in.PrefilledAnswers {
		out[k] = v
	}
	for k, v := range answers {
		if v = strings.TrimSpace(v); v != "" {
			out[k] = v
		}
	}
	for _, q := range in.Questions {
		if out[q.ID] == "" && q.Default != "" {
			out[q.ID] = q.Default
		}
	}
	return out
}

func missingRequired(qs []Question, answers map[string]string) []string {
	var missing []string
	for _, q := range qs {
		if q.Required && strings.TrimSpace(answers[q.ID]) == "" {
			missing = append(missing, q.ID)
		}
	}
	return missing
}
