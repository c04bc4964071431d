package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/pkg/perplexity"
)

const webSystemPrompt = "You are a procurement market analyst. Answer concisely with current, " +
	"citeable facts about suppliers, commodities, and pricing. Never speculate about " +
	"internal supplier risk scores."

// Web retrieves web material through Perplexity.
type Web struct {
	client perplexity.Client
}

// NewWeb creates a web retriever.
func NewWeb(client perplexity.Client) *Web {
	return &Web{client: client}
}

// Name implements Retriever.
func (w *Web) Name() string { return "web" }

// Retrieve implements Retriever. It returns an empty result when the query
// does not enable the web or does not want web sources.
func (w *Web) Retrieve(ctx context.Context, q Query) (*Result, error) {
	if !q.IncludeWeb || (!q.wants(model.SourceWeb) && !q.wants(model.SourceNews)) {
		return &Result{}, nil
	}

	pq := perplexity.Query{System: webSystemPrompt, Prompt: webPrompt(q)}
	sourceType := model.SourceWeb
	if !q.wants(model.SourceWeb) {
		sourceType = model.SourceNews
		pq.Recency = perplexity.PastWeek
	}

	ans, err := w.client.Ask(ctx, pq)
	if err != nil {
		return nil, eris.Wrap(err, "retrieval: web")
	}

	res := &Result{Summary: ans.Text}
	for i, c := range ans.Citations {
		if q.Limit > 0 && i == q.Limit {
			break
		}
		res.Sources = append(res.Sources, model.Source{
			ID:    fmt.Sprintf("web-%s-%d", ans.ID, i),
			Type:  sourceType,
			Title: c.Title,
			URL:   c.URL,
			Date:  c.Date,
		})
	}
	return res, nil
}

func webPrompt(q Query) string {
	var b strings.Builder
	b.WriteString(q.Text)
	var ctx []string
	if q.Entities.Commodity != "" {
		ctx = append(ctx, "commodity: "+q.Entities.Commodity)
	}
	if q.Entities.Region != "" {
		ctx = append(ctx, "region: "+q.Entities.Region)
	}
	if q.Entities.Timeframe != "" {
		ctx = append(ctx, "timeframe: "+q.Entities.Timeframe)
	}
	if len(ctx) > 0 {
		b.WriteString("\n\nContext: ")
		b.WriteString(strings.Join(ctx, "; "))
	}
	return b.String()
}
