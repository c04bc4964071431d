package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sells-group/abi-engine/internal/config"
	"github.com/sells-group/abi-engine/internal/conversation"
	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/notify"
	"github.com/sells-group/abi-engine/internal/research"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/retrieval"
	"github.com/sells-group/abi-engine/internal/store"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(v float64) *float64 { return &v }

func acme() model.Supplier {
	return model.Supplier{
		ID: "sup-1", Name: "Acme Steel", Category: "Metals", Industry: "Steel",
		Location: model.Location{City: "Pittsburgh", Country: "USA", Region: "North America"},
		Spend:    5_200_000, IsFollowed: true,
		SRS: model.RiskScore{
			Score: 85, PreviousScore: ptr(72), Level: model.RiskLevelHigh, Trend: model.TrendWorsening,
			Factors: []model.RiskFactor{
				{ID: "f1", Name: "ESG Rating", Tier: model.TierFreelyDisplayable, Weight: 0.2, Score: ptr(61), Rating: "B"},
				{ID: "f2", Name: "Financial Health", Tier: model.TierRestricted, Weight: 0.5, Score: ptr(91), Rating: "C"},
			},
		},
	}
}

func portfolio() *model.Portfolio {
	return &model.Portfolio{
		TotalSuppliers: 14,
		TotalSpend:     42_000_000,
		Distribution:   model.Distribution{High: 2, MediumHigh: 1, Medium: 2, Low: 1, Unrated: 8},
		RecentChanges: []model.RiskChange{
			{SupplierID: "sup-1", SupplierName: "Acme Steel", PreviousScore: 72, CurrentScore: 85, Direction: model.ChangeWorsened, Date: fixedNow.AddDate(0, 0, -3)},
			{SupplierID: "sup-9", SupplierName: "Nordic Pulp", PreviousScore: 55, CurrentScore: 40, Direction: model.ChangeImproved, Date: fixedNow.AddDate(0, 0, -5)},
		},
	}
}

// stubRetriever serves a fixed result.
type stubRetriever struct {
	res   *retrieval.Result
	err   error
	calls atomic.Int32
}

func (s *stubRetriever) Name() string { return "stub" }

func (s *stubRetriever) Retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	if s.res == nil {
		return &retrieval.Result{}, nil
	}
	out := *s.res
	return &out, nil
}

func fullResult() *retrieval.Result {
	p := portfolio()
	return &retrieval.Result{
		Sources:     []model.Source{{ID: "kb-1", Type: model.SourceBeroe, Title: "Steel market outlook"}},
		Suppliers:   []model.Supplier{acme()},
		RiskChanges: p.RecentChanges,
		Portfolio:   p,
	}
}

type recordingPub struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPub) Publish(e notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPub) topics() []notify.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notify.Topic, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Topic)
	}
	return out
}

func newEngine(t *testing.T, r retrieval.Retriever, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithClock(func() time.Time { return fixedNow }),
		WithRetrievalRetry(resilience.RetryConfig{MaxAttempts: 2, InitialBackoff: time.Millisecond}),
	}
	e, err := New(config.EngineConfig{MinQueryTokens: 3, ClassificationCacheSize: 16}, r, append(base, opts...)...)
	require.NoError(t, err)
	return e
}

func hint(cat model.IntentCategory) *model.BuilderHint {
	return &model.BuilderHint{Category: cat}
}

func TestNew_RequiresRetriever(t *testing.T) {
	_, err := New(config.EngineConfig{}, nil)
	require.Error(t, err)
}

func TestSendMessage_Greeting(t *testing.T) {
	e := newEngine(t, &stubRetriever{})

	resp := e.SendMessage(context.Background(), Request{Text: "Hello"})

	require.Nil(t, resp.Error)
	assert.Equal(t, model.IntentGeneral, resp.Intent.Category)
	assert.Less(t, resp.Intent.Confidence, 0.5)
	require.NotNil(t, resp.DeepResearch)
	assert.Zero(t, resp.DeepResearch.Score)
	assert.False(t, resp.DeepResearch.ShouldSuggest)
	assert.False(t, resp.DeepResearch.ShouldTriggerInterstitial)
	assert.Nil(t, resp.Widget)
	assert.Nil(t, resp.Artifact)
	assert.Nil(t, resp.Canonical.ValueLadder)
	assert.Equal(t, generalBody, resp.Content)
	assert.Equal(t, resp.Content, resp.Canonical.Body)
	assert.Equal(t, model.MixInternalOnly, resp.Canonical.SourceEnhancement.Mix)
	assert.Equal(t, fixedNow, resp.CreatedAt)
	assert.NotEmpty(t, resp.ID)
}

func TestSendMessage_EmptyText(t *testing.T) {
	r := &stubRetriever{}
	e := newEngine(t, r)

	resp := e.SendMessage(context.Background(), Request{Text: "   "})

	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrBadInput, resp.Error.Kind)
	assert.False(t, resp.Error.CanRetry)
	assert.Zero(t, r.calls.Load())
}

func TestSendMessage_PortfolioOverview(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})

	resp := e.SendMessage(context.Background(), Request{
		Text:        "How does my portfolio look?",
		BuilderHint: hint(model.IntentPortfolioOverview),
	})

	require.Nil(t, resp.Error)
	require.NotNil(t, resp.Widget)
	assert.Equal(t, "risk_distribution", resp.Widget.Widget.ID)
	assert.GreaterOrEqual(t, resp.Widget.EffectivePriority, 95)

	require.NotNil(t, resp.Artifact)
	assert.Equal(t, model.ArtifactPortfolioDashboard, resp.Artifact.Type)

	assert.Contains(t, resp.Content, "You follow 14 suppliers with $42.0M in total spend.")
	assert.Contains(t, resp.Content, "2 high risk, 1 medium-high, 2 medium, 1 low and 8 unrated.")

	assert.Equal(t, []Enhancement{
		{Type: EnhanceAddWeb, Label: "Add web sources"},
		{Type: EnhanceDeepResearch, Label: "Run deep research"},
	}, resp.Canonical.SourceEnhancement.Suggestions)

	ladder := resp.Canonical.ValueLadder
	require.NotNil(t, ladder)
	require.NotNil(t, ladder.AnalystConnect)
	assert.Equal(t, FallbackSpecialty, ladder.AnalystConnect.Match.Specialty)
	assert.Nil(t, ladder.ExpertDeepDive)
	assert.Equal(t, []string{"Which suppliers have the highest risk?", "Show recent risk changes"}, resp.Suggestions)
}

func TestSendMessage_RestrictedQuery(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})

	resp := e.SendMessage(context.Background(), Request{
		Text: "Why is the financial health score for Acme Steel so low?",
	})

	require.Nil(t, resp.Error)
	assert.Equal(t, model.IntentRestrictedQuery, resp.Intent.Category)
	require.NotNil(t, resp.Widget)
	assert.Equal(t, "handoff_card", resp.Widget.Widget.ID)
	assert.Nil(t, resp.Artifact)
	assert.Contains(t, resp.Content, "Financial Health scores are restricted")
	assert.NotContains(t, resp.Content, "91")
	assert.Nil(t, resp.Research)

	ladder := resp.Canonical.ValueLadder
	require.NotNil(t, ladder)
	assert.NotNil(t, ladder.AnalystConnect)
	assert.Nil(t, ladder.ExpertDeepDive)
	assert.Nil(t, ladder.Community)

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"score":91`)
}

func TestSendMessage_DeepDiveNeverQuotesRestrictedScore(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})

	resp := e.SendMessage(context.Background(), Request{
		Text:        "Tell me about Acme Steel",
		BuilderHint: hint(model.IntentSupplierDeepDive),
	})

	assert.Contains(t, resp.Content, "Acme Steel (Metals, USA) has a risk score of 85, rated high.")
	assert.Contains(t, resp.Content, "- Financial Health: restricted, available through an analyst")
	assert.Contains(t, resp.Content, "- ESG Rating: 61 (B)")
	assert.NotContains(t, resp.Content, "91")

	require.NotNil(t, resp.Artifact)
	raw, err := json.Marshal(resp.Artifact)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "91")
}

func TestSendMessage_Busy(t *testing.T) {
	r := &stubRetriever{}
	e := newEngine(t, r)
	e.busy["c1"] = true

	resp := e.SendMessage(context.Background(), Request{ConversationID: "c1", Text: "Show my portfolio"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrBusy, resp.Error.Kind)
	assert.True(t, resp.Error.CanRetry)
	assert.Equal(t, BusyMessage, resp.Error.Message)
	assert.Zero(t, r.calls.Load())

	// Other conversations are unaffected.
	resp = e.SendMessage(context.Background(), Request{ConversationID: "c2", Text: "Show my portfolio"})
	assert.Nil(t, resp.Error)

	delete(e.busy, "c1")
	resp = e.SendMessage(context.Background(), Request{ConversationID: "c1", Text: "Show my portfolio"})
	assert.Nil(t, resp.Error)
	assert.Empty(t, e.busy)
}

func TestSendMessage_RetrievalFailure(t *testing.T) {
	r := &stubRetriever{err: eris.New("knowledge base offline")}
	e := newEngine(t, r)

	resp := e.SendMessage(context.Background(), Request{
		Text:        "How does my portfolio look?",
		BuilderHint: hint(model.IntentPortfolioOverview),
	})

	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrRetrievalFatal, resp.Error.Kind)
	assert.True(t, resp.Error.CanRetry)
	assert.NotEmpty(t, resp.Content)
	assert.Nil(t, resp.Widget)
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestSendMessage_TransientRetrievalIsRetried(t *testing.T) {
	r := &stubRetriever{err: resilience.Upstream("internal", 503, eris.New("503"))}
	e := newEngine(t, r)

	resp := e.SendMessage(context.Background(), Request{Text: "Show me steel prices"})

	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrRetrievalTransient, resp.Error.Kind)
	assert.EqualValues(t, 2, r.calls.Load())
}

func TestSendMessage_Milestones(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})

	var stages []Stage
	e.SendMessage(context.Background(), Request{
		Text:        "How does my portfolio look?",
		BuilderHint: hint(model.IntentPortfolioOverview),
		OnMilestone: func(m Milestone) { stages = append(stages, m.Stage) },
	})
	assert.Equal(t, []Stage{StageClassifying, StageRetrieving, StageComposing, StageDone}, stages)
}

func TestSendMessage_ClassificationCache(t *testing.T) {
	e := newEngine(t, &stubRetriever{})

	first := e.SendMessage(context.Background(), Request{Text: "Which suppliers are high risk in Europe?"})
	second := e.SendMessage(context.Background(), Request{Text: "Which suppliers are high risk in Europe?"})
	assert.Equal(t, 1, e.cache.Len())
	assert.Equal(t, first.Intent, second.Intent)

	e.SendMessage(context.Background(), Request{Text: "Which suppliers are high risk in Europe?", BuilderHint: hint(model.IntentComparison)})
	assert.Equal(t, 1, e.cache.Len(), "hinted turns bypass the cache")
}

func TestSendMessage_CaseVariantsClassifyIndependently(t *testing.T) {
	upper := "Which suppliers in the US are risky"
	lower := "which suppliers in the us are risky"
	for _, order := range [][]string{{upper, lower}, {lower, upper}} {
		fresh := newEngine(t, &stubRetriever{})
		want := map[string]model.IntentResult{}
		for _, text := range order {
			want[text] = fresh.SendMessage(context.Background(), Request{Text: text}).Intent
		}

		for _, text := range order {
			alone := newEngine(t, &stubRetriever{}).SendMessage(context.Background(), Request{Text: text}).Intent
			assert.Equal(t, alone, want[text], "order %v, text %q", order, text)
		}
		assert.Equal(t, 2, fresh.cache.Len())
	}
}

func TestSendMessage_Deterministic(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})
	req := Request{Text: "Tell me about Acme Steel", BuilderHint: hint(model.IntentSupplierDeepDive)}

	a := e.SendMessage(context.Background(), req)
	b := e.SendMessage(context.Background(), req)

	if diff := cmp.Diff(a.Canonical, b.Canonical); diff != "" {
		t.Errorf("canonical differs (-first +second):\n%s", diff)
	}
	ja, err := json.Marshal(a.Artifact)
	require.NoError(t, err)
	jb, err := json.Marshal(b.Artifact)
	require.NoError(t, err)
	if diff := cmp.Diff(string(ja), string(jb)); diff != "" {
		t.Errorf("artifact differs (-first +second):\n%s", diff)
	}
}

func TestSendMessage_OpensResearchIntake(t *testing.T) {
	r := &stubRetriever{}
	ledger := credit.NewLedger(1000)
	approvals := credit.NewApprovals(credit.Thresholds{AutoApprove: 500, TeamLead: 2000}, notify.Discard{})
	mgr := research.NewManager(ledger, approvals, r)
	e := newEngine(t, r, WithResearch(mgr))

	low := 100
	resp := e.SendMessage(context.Background(), Request{
		UserID:           "u1",
		Text:             "Give me a comprehensive market analysis of lithium battery supply chain including pricing trends, key suppliers, and 5-year outlook",
		CreditsAvailable: &low,
	})

	require.Nil(t, resp.Error)
	require.NotNil(t, resp.DeepResearch)
	assert.True(t, resp.DeepResearch.ShouldTriggerInterstitial)
	require.NotNil(t, resp.Research)
	assert.Equal(t, research.PhaseIntake, resp.Research.Phase)
	assert.Equal(t, model.StudyMarketAnalysis, resp.Research.StudyType)
	assert.Equal(t, 500, resp.Research.Intake.EstimatedCredits)
	assert.Contains(t, resp.Acknowledgement, "market analysis")
	assert.Contains(t, resp.Acknowledgement, "about 500 credits")
	assert.Contains(t, resp.Acknowledgement, "You have 100 credits available")

	job, ok := mgr.Get(resp.Research.ID)
	require.True(t, ok)
	assert.Equal(t, research.PhaseIntake, job.Phase)
}

func TestSendMessage_DeepResearchModeForcesIntake(t *testing.T) {
	r := &stubRetriever{}
	mgr := research.NewManager(credit.NewLedger(1000), credit.NewApprovals(credit.Thresholds{AutoApprove: 500, TeamLead: 2000}, notify.Discard{}), r)
	e := newEngine(t, r, WithResearch(mgr))

	resp := e.SendMessage(context.Background(), Request{Text: "Build a cost model for steel production", DeepResearchMode: true})
	require.NotNil(t, resp.Research)
	assert.Equal(t, model.StudyCostModel, resp.Research.StudyType)
	assert.Equal(t, 450, resp.Research.Intake.EstimatedCredits)
}

func TestSendMessage_RiskChangeAlertOnce(t *testing.T) {
	pub := &recordingPub{}
	e := newEngine(t, &stubRetriever{res: fullResult()}, WithPublisher(pub))
	req := Request{Text: "What changed this week?", BuilderHint: hint(model.IntentTrendDetection)}

	resp := e.SendMessage(context.Background(), req)
	assert.Contains(t, resp.Content, "- Acme Steel worsened from 72 to 85")
	assert.Equal(t, []notify.Topic{notify.TopicRiskChange}, pub.topics())
	assert.Equal(t, "Acme Steel risk worsened from 72 to 85", pub.events[0].Message)
	assert.Equal(t, "sup-1", pub.events[0].Details["supplier_id"])

	e.SendMessage(context.Background(), req)
	assert.Len(t, pub.topics(), 1)
}

func TestSendMessage_PersistsTurn(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(ctx))

	svc := conversation.NewService(st)
	conv, err := svc.Create(ctx, "v1", "Portfolio check", "")
	require.NoError(t, err)

	e := newEngine(t, &stubRetriever{res: fullResult()}, WithConversations(svc))
	resp := e.SendMessage(ctx, Request{
		ConversationID: conv.ID,
		Text:           "How does my portfolio look?",
		BuilderHint:    hint(model.IntentPortfolioOverview),
	})
	require.Nil(t, resp.Error)

	got, err := svc.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "How does my portfolio look?", got.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, resp.ID, got.Messages[1].ID)
	assert.Equal(t, resp.Content, got.Messages[1].Content)
	assert.Equal(t, "portfolio_overview", gjson.GetBytes(got.Messages[1].Metadata, "intent.category").String())
	assert.Equal(t, model.ConversationRisk, got.Category)
}

func TestSendMessage_UsesPreviousIntentFromHistory(t *testing.T) {
	e := newEngine(t, &stubRetriever{})
	meta, err := json.Marshal(Response{Intent: model.IntentResult{
		Category:          model.IntentMarketContext,
		Confidence:        0.8,
		ExtractedEntities: model.Entities{Commodity: "steel"},
	}})
	require.NoError(t, err)

	history := []model.Message{
		{Role: model.RoleUser, Content: "How are steel prices moving?"},
		{Role: model.RoleAssistant, Content: "Steel is up.", Metadata: meta},
	}
	users, previous := splitHistory(history)
	assert.Equal(t, []string{"How are steel prices moving?"}, users)
	require.NotNil(t, previous)
	assert.Equal(t, model.IntentMarketContext, previous.Category)
	assert.Equal(t, "steel", previous.ExtractedEntities.Commodity)

	resp := e.SendMessage(context.Background(), Request{Text: "and what about copper?", History: history})
	assert.Nil(t, resp.Error)
}

func TestIntentFromMetadata_Malformed(t *testing.T) {
	assert.Nil(t, intentFromMetadata(nil))
	assert.Nil(t, intentFromMetadata(json.RawMessage(`{"intent":`)))
	assert.Nil(t, intentFromMetadata(json.RawMessage(`{"note":"x"}`)))
}

func TestExpandArtifact(t *testing.T) {
	e := newEngine(t, &stubRetriever{res: fullResult()})
	ctx := context.Background()

	got := e.ExpandArtifact(ctx, ExpandRequest{Type: model.ArtifactSupplierDetail, Text: "Acme Steel"})
	require.Nil(t, got.Error)
	require.NotNil(t, got.Artifact)
	assert.Equal(t, model.ArtifactSupplierDetail, got.Artifact.Type)

	got = e.ExpandArtifact(ctx, ExpandRequest{Type: "gantt_chart"})
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrBadInput, got.Error.Kind)

	got = e.ExpandArtifact(ctx, ExpandRequest{Type: model.ArtifactCommodityDashboard})
	require.NotNil(t, got.Error)
	assert.Equal(t, "Not enough data to build this view", got.Error.Message)

	got = e.ExpandArtifact(ctx, ExpandRequest{Type: model.ArtifactDeepResearchReport, JobID: "missing"})
	require.NotNil(t, got.Error)
	assert.Equal(t, model.ErrBadInput, got.Error.Kind)
}
