package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/pkg/perplexity"
)

func loadKB(t *testing.T) *KnowledgeBase {
	t.Helper()
	snap, err := LoadSnapshot("../../knowledge.yaml")
	require.NoError(t, err)
	kb, err := NewKnowledgeBase(snap)
	require.NoError(t, err)
	return kb
}

func supplierNames(ss []model.Supplier) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Name)
	}
	return out
}

func sourceIDs(ss []model.Source) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.ID)
	}
	return out
}

func TestLoadSnapshot_ShippedKnowledgeBase(t *testing.T) {
	snap, err := LoadSnapshot("../../knowledge.yaml")
	require.NoError(t, err)

	require.Len(t, snap.Suppliers, 6)
	acme := snap.Suppliers[0]
	assert.Equal(t, "Acme Steel", acme.Name)
	assert.Equal(t, model.TrendWorsening, acme.SRS.Trend)
	assert.Equal(t, model.LevelFromScore(acme.SRS.Score), acme.SRS.Level)
	assert.Equal(t, model.TrendImproving, snap.Suppliers[1].SRS.Trend)
	assert.Equal(t, "2026-01-15", snap.Sources[0].Date)
	require.NotNil(t, snap.Inflation)
	assert.Equal(t, "Q1 2026", snap.Inflation.Period)
	assert.Contains(t, snap.WidgetData, string(model.ArtifactDriverAnalysis))

	_, err = LoadSnapshot("does-not-exist.yaml")
	assert.Error(t, err)
}

func TestParseSnapshot_Errors(t *testing.T) {
	_, err := ParseSnapshot([]byte("widget_data:\n  not_a_widget: {a: 1}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_a_widget")

	_, err = ParseSnapshot([]byte("suppliers: [\n"))
	assert.Error(t, err)
}

func TestKnowledgeBase_MentionOrder(t *testing.T) {
	kb := loadKB(t)
	res, err := kb.Retrieve(context.Background(), Query{Text: "Compare Borealis Metals with Acme Steel"})
	require.NoError(t, err)

	names := supplierNames(res.Suppliers)
	require.Len(t, names, 6)
	assert.Equal(t, []string{"Borealis Metals", "Acme Steel"}, names[:2])
}

func TestKnowledgeBase_Filters(t *testing.T) {
	kb := loadKB(t)
	ctx := context.Background()

	res, err := kb.Retrieve(ctx, Query{Text: "suppliers in europe", Entities: model.Entities{Region: "Europe"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Borealis Metals"}, supplierNames(res.Suppliers))

	res, err = kb.Retrieve(ctx, Query{Text: "packaging suppliers", Entities: model.Entities{Category: "packaging"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Pacific Polymers", "Northfield Corrugated"}, supplierNames(res.Suppliers))

	// Nothing matches Antarctica, so every supplier comes back.
	res, err = kb.Retrieve(ctx, Query{Text: "suppliers", Entities: model.Entities{Region: "Antarctica"}})
	require.NoError(t, err)
	assert.Len(t, res.Suppliers, 6)
}

func TestKnowledgeBase_RiskChangesAndPortfolio(t *testing.T) {
	kb := loadKB(t)
	ctx := context.Background()

	res, err := kb.Retrieve(ctx, Query{Text: "what changed"})
	require.NoError(t, err)
	require.Len(t, res.RiskChanges, 3)
	assert.Equal(t, "Acme Steel", res.RiskChanges[0].SupplierName)
	assert.Equal(t, "Pacific Polymers", res.RiskChanges[2].SupplierName)
	require.NotNil(t, res.Portfolio)
	assert.Equal(t, 5, res.Portfolio.TotalSuppliers)

	res, err = kb.Retrieve(ctx, Query{Text: "pacific", Entities: model.Entities{Supplier: "pacific polymers"}})
	require.NoError(t, err)
	require.Len(t, res.RiskChanges, 1)
	assert.Equal(t, "sup-pacific", res.RiskChanges[0].SupplierID)
	assert.Equal(t, "Pacific Polymers", res.Suppliers[0].Name)
}

func TestKnowledgeBase_Commodity(t *testing.T) {
	kb := loadKB(t)
	ctx := context.Background()

	res, err := kb.Retrieve(ctx, Query{Text: "battery prices", Entities: model.Entities{Commodity: "Lithium"}})
	require.NoError(t, err)
	require.NotNil(t, res.Commodity)
	assert.Equal(t, "lithium", res.Commodity.Name)

	res, err = kb.Retrieve(ctx, Query{Text: "how are steel prices trending"})
	require.NoError(t, err)
	require.NotNil(t, res.Commodity)
	assert.Equal(t, "steel", res.Commodity.Name)

	res, err = kb.Retrieve(ctx, Query{Text: "hello"})
	require.NoError(t, err)
	assert.Nil(t, res.Commodity)
}

func TestKnowledgeBase_Sources(t *testing.T) {
	kb := loadKB(t)
	ctx := context.Background()

	res, err := kb.Retrieve(ctx, Query{Text: "steel market outlook", Intent: model.IntentMarketContext})
	require.NoError(t, err)
	ids := sourceIDs(res.Sources)
	require.GreaterOrEqual(t, len(ids), 3)
	assert.Equal(t, "beroe-steel-outlook", ids[0])
	assert.Equal(t, "beroe-lithium-landscape", ids[1])
	assert.Equal(t, "supplier-data", ids[len(ids)-1])

	res, err = kb.Retrieve(ctx, Query{
		Text:   "steel market outlook",
		Intent: model.IntentMarketContext,
		Types:  []model.SourceType{model.SourceBeroe},
		Limit:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"beroe-steel-outlook"}, sourceIDs(res.Sources))
}

func TestKnowledgeBase_WidgetDataAndCancel(t *testing.T) {
	kb := loadKB(t)

	res, err := kb.Retrieve(context.Background(), Query{Text: "inflation"})
	require.NoError(t, err)
	raw, ok := res.WidgetData[model.ArtifactScenarioPlanner]
	require.True(t, ok)
	var planner map[string]any
	require.NoError(t, json.Unmarshal(raw, &planner))
	assert.Equal(t, "$17M", planner["baseSpend"])

	// Callers get their own copy of the map.
	delete(res.WidgetData, model.ArtifactScenarioPlanner)
	res, err = kb.Retrieve(context.Background(), Query{Text: "inflation"})
	require.NoError(t, err)
	assert.Contains(t, res.WidgetData, model.ArtifactScenarioPlanner)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = kb.Retrieve(ctx, Query{Text: "inflation"})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Len(t, kb.SupplierNames(), 6)
}

func perplexityServer(t *testing.T, calls *atomic.Int32, check func(req gjson.Result)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if check != nil {
			check(gjson.ParseBytes(raw))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "r1",
			"choices": [{"message": {"role": "assistant", "content": "Steel rose 3% on iron ore."}}],
			"search_results": [
				{"title": "Steel prices climb", "url": "https://news.example.com/steel", "date": "2026-02-27"},
				{"title": "Iron ore outlook", "url": "https://news.example.com/ore"}
			],
			"citations": ["https://news.example.com/steel", "https://mills.example.com/report"]
		}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWeb_Retrieve(t *testing.T) {
	var calls atomic.Int32
	srv := perplexityServer(t, &calls, func(req gjson.Result) {
		require.Equal(t, int64(2), req.Get("messages.#").Int())
		assert.Equal(t, "system", req.Get("messages.0.role").String())
		assert.Contains(t, req.Get("messages.1.content").String(), "commodity: steel")
		assert.False(t, req.Get("search_recency_filter").Exists())
	})
	w := NewWeb(perplexity.NewClient("key", perplexity.WithBaseURL(srv.URL)))
	assert.Equal(t, "web", w.Name())

	res, err := w.Retrieve(context.Background(), Query{
		Text:       "steel price outlook",
		Entities:   model.Entities{Commodity: "steel"},
		IncludeWeb: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "Steel rose 3% on iron ore.", res.Summary)
	assert.Equal(t, []string{"web-r1-0", "web-r1-1", "web-r1-2"}, sourceIDs(res.Sources))
	for _, s := range res.Sources {
		assert.Equal(t, model.SourceWeb, s.Type)
	}
	assert.Equal(t, "2026-02-27", res.Sources[0].Date)
}

func TestWeb_NewsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := perplexityServer(t, &calls, func(req gjson.Result) {
		assert.Equal(t, "week", req.Get("search_recency_filter").String())
	})
	w := NewWeb(perplexity.NewClient("key", perplexity.WithBaseURL(srv.URL)))

	res, err := w.Retrieve(context.Background(), Query{
		Text:       "steel news",
		Types:      []model.SourceType{model.SourceNews},
		IncludeWeb: true,
		Limit:      2,
	})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, model.SourceNews, res.Sources[0].Type)
}

func TestWeb_Disabled(t *testing.T) {
	var calls atomic.Int32
	srv := perplexityServer(t, &calls, nil)
	w := NewWeb(perplexity.NewClient("key", perplexity.WithBaseURL(srv.URL)))

	res, err := w.Retrieve(context.Background(), Query{Text: "steel"})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)

	res, err = w.Retrieve(context.Background(), Query{Text: "steel", IncludeWeb: true, Types: []model.SourceType{model.SourceBeroe}})
	require.NoError(t, err)
	assert.Empty(t, res.Sources)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWeb_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	w := NewWeb(perplexity.NewClient("key", perplexity.WithBaseURL(srv.URL)))

	_, err := w.Retrieve(context.Background(), Query{Text: "steel", IncludeWeb: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retrieval: web")
}

type fakeRetriever struct {
	name  string
	res   *Result
	err   error
	calls atomic.Int32
}

func (f *fakeRetriever) Name() string { return f.name }

func (f *fakeRetriever) Retrieve(ctx context.Context, _ Query) (*Result, error) {
	f.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.res, f.err
}

func TestComposite_Merge(t *testing.T) {
	steel := &model.Commodity{Name: "steel"}
	copper := &model.Commodity{Name: "copper"}
	a := &fakeRetriever{name: "a", res: &Result{
		Sources:    []model.Source{{ID: "s1"}, {ID: "s2"}},
		Suppliers:  []model.Supplier{{Name: "Acme"}},
		Commodity:  steel,
		WidgetData: map[model.ArtifactType]json.RawMessage{model.ArtifactDriverAnalysis: json.RawMessage(`{"from":"a"}`)},
		Summary:    "from a",
	}}
	b := &fakeRetriever{name: "b", res: &Result{
		Sources:   []model.Source{{ID: "s2"}, {ID: "s3"}},
		Commodity: copper,
		WidgetData: map[model.ArtifactType]json.RawMessage{
			model.ArtifactDriverAnalysis:  json.RawMessage(`{"from":"b"}`),
			model.ArtifactScenarioPlanner: json.RawMessage(`{}`),
		},
		Summary: "from b",
	}}

	c := NewComposite(nil, a, b)
	assert.Equal(t, "composite(a,b)", c.Name())

	res, err := c.Retrieve(context.Background(), Query{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2", "s3"}, sourceIDs(res.Sources))
	assert.Equal(t, "steel", res.Commodity.Name)
	assert.Len(t, res.Suppliers, 1)
	assert.JSONEq(t, `{"from":"a"}`, string(res.WidgetData[model.ArtifactDriverAnalysis]))
	assert.Contains(t, res.WidgetData, model.ArtifactScenarioPlanner)
	assert.Equal(t, "from a\n\nfrom b", res.Summary)
}

func TestComposite_PartialFailure(t *testing.T) {
	a := &fakeRetriever{name: "a", err: errors.New("boom")}
	b := &fakeRetriever{name: "b", res: &Result{Sources: []model.Source{{ID: "s1"}}}}

	res, err := NewComposite(nil, a, b).Retrieve(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, sourceIDs(res.Sources))
}

func TestComposite_AllFailed(t *testing.T) {
	permanent := &fakeRetriever{name: "a", err: errors.New("bad request")}
	transient := &fakeRetriever{name: "b", err: resilience.Upstream("b", 503, errors.New("503"))}

	_, err := NewComposite(nil, permanent, transient).Retrieve(context.Background(), Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.True(t, resilience.IsTransient(err))

	_, err = NewComposite(nil, permanent).Retrieve(context.Background(), Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAllFailed)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "bad request")
}

func TestComposite_BreakerOpens(t *testing.T) {
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
	})
	flaky := &fakeRetriever{name: "flaky", err: errors.New("down")}
	ok := &fakeRetriever{name: "ok", res: &Result{}}
	c := NewComposite(breakers, flaky, ok)

	for range 3 {
		_, err := c.Retrieve(context.Background(), Query{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), flaky.calls.Load())
	assert.Equal(t, int32(3), ok.calls.Load())
	assert.Equal(t, "open", breakers.States()["flaky"])
}

func TestComposite_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewComposite(nil, &fakeRetriever{name: "a", res: &Result{}}).Retrieve(ctx, Query{})
	assert.ErrorIs(t, err, context.Canceled)
}
