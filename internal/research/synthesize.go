package research

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/pkg/anthropic"
)

// Brief is everything the synthesize step knows about a job.
type Brief struct {
	JobID        string
	Query        string
	StudyType    model.StudyType
	Answers      map[string]string
	SubQuestions []string
	Sources      []model.Source
	// Notes are free-text retrieval summaries, such as web answers.
	Notes []string
}

// Synthesis is the prose body of a report.
type Synthesis struct {
	Summary  string
	Sections []model.ReportSection
}

// Synthesizer turns a brief into report prose.
type Synthesizer interface {
	Synthesize(ctx context.Context, b Brief) (*Synthesis, error)
}

// Decompose splits a query into research questions shaped by the study type
// and the intake answers.
func Decompose(query string, st model.StudyType, answers map[string]string) []string {
	scope := answers["scope"]
	if scope == "" {
		scope = strings.TrimSpace(query)
	}
	horizon := answers["timeframe"]
	if horizon == "" {
		horizon = DefaultTimeframe
	}

	var qs []string
	switch st {
	case model.StudySourcing:
		qs = []string{
			fmt.Sprintf("Which qualified suppliers serve %s in %s?", scope, orDefault(answers["regions"], "the target regions")),
			fmt.Sprintf("How do landed costs for %s compare across regions?", scope),
			fmt.Sprintf("What switching risks apply to %s over the %s?", scope, horizon),
		}
	case model.StudyCostModel:
		qs = []string{
			fmt.Sprintf("What is the should-cost structure of %s?", scope),
			fmt.Sprintf("How are %s expected to move over the %s?", orDefault(answers["cost_components"], "the main cost drivers"), horizon),
			fmt.Sprintf("Where is the negotiation headroom in %s pricing?", scope),
		}
	case model.StudySupplierAssessment:
		qs = []string{
			fmt.Sprintf("How do %s perform on delivery, quality, and ESG?", orDefault(answers["suppliers"], "the named suppliers")),
			fmt.Sprintf("Which alternatives exist for %s?", scope),
		}
	case model.StudyRiskAssessment:
		qs = []string{
			fmt.Sprintf("Which risks threaten %s supply over the %s?", scope, horizon),
			fmt.Sprintf("How exposed is the portfolio to %s?", orDefault(answers["risk_dimensions"], "geopolitical and financial risk")),
			"Which mitigations are available and what do they cost?",
		}
	default:
		qs = []string{
			fmt.Sprintf("What are the demand and supply fundamentals of %s?", scope),
			fmt.Sprintf("How are %s prices expected to move over the %s?", scope, horizon),
			fmt.Sprintf("Who are the key suppliers of %s and how concentrated is the market?", scope),
		}
		if focus := answers["focus"]; focus != "" {
			qs = append(qs, fmt.Sprintf("What should a buyer know about %s?", focus))
		}
	}
	return qs
}

func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// TemplateSynthesizer writes a report from the brief without a model. It is
// deterministic and used when no Anthropic key is configured.
type TemplateSynthesizer struct{}

// Synthesize implements Synthesizer.
func (TemplateSynthesizer) Synthesize(ctx context.Context, b Brief) (*Synthesis, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "research: synthesize")
	}
	scope := orDefault(b.Answers["scope"], b.Query)

	out := &Synthesis{
		Summary: fmt.Sprintf("%s of %s over the %s, drawing on %d sources.",
			b.StudyType.Label(), titleCase(scope), orDefault(b.Answers["timeframe"], DefaultTimeframe), len(b.Sources)),
	}

	var questions strings.Builder
	for _, q := range b.SubQuestions {
		questions.WriteString("- " + q + "\n")
	}
	out.Sections = append(out.Sections, model.ReportSection{Title: "Research Questions", Content: strings.TrimSpace(questions.String())})

	var findings strings.Builder
	for i, s := range b.Sources {
		if i == 8 {
			break
		}
		fmt.Fprintf(&findings, "- %s", s.Title)
		if s.Snippet != "" {
			fmt.Fprintf(&findings, ": %s", s.Snippet)
		}
		fmt.Fprintf(&findings, " [%d]\n", i+1)
	}
	for _, n := range b.Notes {
		findings.WriteString("\n" + n + "\n")
	}
	if findings.Len() == 0 {
		findings.WriteString("No material was found for this scope.")
	}
	out.Sections = append(out.Sections, model.ReportSection{Title: "Key Findings", Content: strings.TrimSpace(findings.String())})

	out.Sections = append(out.Sections, model.ReportSection{Title: "Source Coverage", Content: coverage(b.Sources)})
	out.Sections = append(out.Sections, model.ReportSection{Title: "Recommended Next Steps", Content: nextSteps(b.StudyType)})
	return out, nil
}

func coverage(sources []model.Source) string {
	counts := map[model.SourceType]int{}
	for _, s := range sources {
		counts[s.Type]++
	}
	if len(counts) == 0 {
		return "No sources collected."
	}
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	var b strings.Builder
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %d\n", t, counts[model.SourceType(t)])
	}
	fmt.Fprintf(&b, "\nSource mix: %s", model.MixOf(sources))
	return b.String()
}

func nextSteps(st model.StudyType) string {
	switch st {
	case model.StudySourcing:
		return "- Shortlist suppliers for an RFI\n- Validate landed cost assumptions with logistics"
	case model.StudyCostModel:
		return "- Compare the should-cost against current contract prices\n- Use the driver breakdown in the next negotiation"
	case model.StudySupplierAssessment:
		return "- Share the assessment with category owners\n- Schedule reviews for suppliers trending worse"
	case model.StudyRiskAssessment:
		return "- Add mitigation owners to high-exposure suppliers\n- Set alerts for score changes"
	}
	return "- Review the findings with the category team\n- Connect with an analyst to pressure-test the outlook"
}

const synthesisSystemPrompt = `You are a senior procurement research analyst writing a client report.
Write in Markdown. Start with a section titled "## Summary" of at most three sentences,
then one "## " section per research question, then "## Recommendations".
Cite sources inline as [n] using the numbered source list. Never state numeric
scores for restricted supplier risk factors and never invent sources.`

// ClaudeSynthesizer writes report prose with an Anthropic model.
type ClaudeSynthesizer struct {
	client    anthropic.Completer
	model     string
	maxTokens int64
}

// NewClaudeSynthesizer creates a model-backed synthesizer.
func NewClaudeSynthesizer(client anthropic.Completer, model string, maxTokens int) *ClaudeSynthesizer {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	if model == "" {
		model = anthropic.DefaultModel
	}
	return &ClaudeSynthesizer{client: client, model: model, maxTokens: int64(maxTokens)}
}

// Synthesize implements Synthesizer.
func (c *ClaudeSynthesizer) Synthesize(ctx context.Context, b Brief) (*Synthesis, error) {
	out, err := c.client.Complete(ctx, anthropic.Prompt{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    synthesisSystemPrompt,
		CacheTTL:  "1h",
		Turns:     []anthropic.Turn{{Role: anthropic.User, Text: briefPrompt(b)}},
	})
	if err != nil {
		return nil, eris.Wrap(err, "research: synthesize")
	}
	log := zap.L().With(zap.String("job_id", b.JobID))
	log.Info("research: synthesis usage", out.Usage.Fields(c.model)...)
	if out.Truncated() {
		log.Warn("research: synthesis hit the token limit", zap.Int64("max_tokens", c.maxTokens))
	}

	syn := ParseMarkdownReport(out.Text)
	if len(syn.Sections) == 0 && syn.Summary == "" {
		return nil, eris.New("research: synthesis returned no content")
	}
	return syn, nil
}

func briefPrompt(b Brief) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Study type: %s\nRequest: %s\n\n", b.StudyType.Label(), b.Query)

	if len(b.Answers) > 0 {
		keys := make([]string, 0, len(b.Answers))
		for k := range b.Answers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Intake answers:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, b.Answers[k])
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Research questions:\n")
	for i, q := range b.SubQuestions {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, q)
	}

	sb.WriteString("\nSources:\n")
	for i, s := range b.Sources {
		fmt.Fprintf(&sb, "[%d] (%s) %s", i+1, s.Type, s.Title)
		if s.Date != "" {
			fmt.Fprintf(&sb, ", %s", s.Date)
		}
		if s.Snippet != "" {
			fmt.Fprintf(&sb, ": %s", s.Snippet)
		}
		sb.WriteString("\n")
	}
	for _, n := range b.Notes {
		sb.WriteString("\nWeb notes:\n" + n + "\n")
	}
	return sb.String()
}

// ParseMarkdownReport splits Markdown on "## " headings. A heading named
// Summary becomes the summary; text before the first heading is the summary
// when no such heading exists.
func ParseMarkdownReport(md string) *Synthesis {
	out := &Synthesis{}
	var preamble strings.Builder
	var cur *model.ReportSection
	flush := func() {
		if cur == nil {
			return
		}
		cur.Content = strings.TrimSpace(cur.Content)
		if strings.EqualFold(cur.Title, "summary") {
			out.Summary = cur.Content
		} else {
			out.Sections = append(out.Sections, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(md, "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = &model.ReportSection{Title: strings.TrimSpace(strings.TrimPrefix(line, "## "))}
			continue
		}
		if cur == nil {
			preamble.WriteString(line + "\n")
			continue
		}
		cur.Content += line + "\n"
	}
	flush()
	if out.Summary == "" {
		out.Summary = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(preamble.String()), "# "))
	}
	return out
}
