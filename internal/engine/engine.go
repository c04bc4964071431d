// Package engine assembles the structured response for a conversational turn:
// it classifies the utterance, retrieves grounding material, picks the inline
// widget and artifact, and attaches source enhancements and the value ladder.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/abi-engine/internal/artifact"
	"github.com/sells-group/abi-engine/internal/config"
	"github.com/sells-group/abi-engine/internal/conversation"
	"github.com/sells-group/abi-engine/internal/intent"
	"github.com/sells-group/abi-engine/internal/model"
	"github.com/sells-group/abi-engine/internal/notify"
	"github.com/sells-group/abi-engine/internal/research"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/retrieval"
	"github.com/sells-group/abi-engine/internal/scorer"
	"github.com/sells-group/abi-engine/internal/widget"
)

// DefaultCacheSize is the classification cache size used when the config
// leaves it unset.
const DefaultCacheSize = 512

// alertMemory is how many surfaced risk changes are remembered so each one
// is alerted once.
const alertMemory = 1024

// Retrieval limits per source, by mode.
const (
	fastLimit      = 5
	reasoningLimit = 10
)

// BusyMessage is the error message of a turn rejected because the previous
// turn in the same conversation has not finished.
const BusyMessage = "Still working on your previous message"

// classification is a cached classifier and scorer result.
type classification struct {
	intent model.IntentResult
	score  scorer.DeepResearchScore
}

// Engine is the response assembler. It is safe for concurrent use; turns in
// the same conversation are linearized.
type Engine struct {
	classifier *intent.Classifier
	scorer     *scorer.Scorer
	registry   *widget.Registry
	builder    *artifact.Builder
	retriever  retrieval.Retriever

	research      *research.Manager
	conversations *conversation.Service
	pub           notify.Publisher

	knownSuppliers []string
	retry          resilience.RetryConfig
	now            func() time.Time

	cache   *lru.Cache[string, classification]
	alerted *lru.Cache[string, struct{}]

	mu   sync.Mutex
	busy map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithResearch enables deep-research intake on interstitial-tier turns.
func WithResearch(m *research.Manager) Option {
	return func(e *Engine) { e.research = m }
}

// WithConversations persists each turn through svc.
func WithConversations(svc *conversation.Service) Option {
	return func(e *Engine) { e.conversations = svc }
}

// WithPublisher sets the notification publisher for risk-change alerts.
func WithPublisher(p notify.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithKnownSuppliers sets the supplier names the entity extractor matches.
func WithKnownSuppliers(names []string) Option {
	return func(e *Engine) { e.knownSuppliers = names }
}

// WithRegistry replaces the default widget registry.
func WithRegistry(r *widget.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithRetrievalRetry sets the retry policy for retrieval calls.
func WithRetrievalRetry(cfg resilience.RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// WithClock sets the clock used for timestamps and artifact builds.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over retriever.
func New(cfg config.EngineConfig, retriever retrieval.Retriever, opts ...Option) (*Engine, error) {
	if retriever == nil {
		return nil, eris.New("engine: retriever is required")
	}

	scoring := scorer.DefaultConfig()
	if cfg.MinQueryTokens > 0 {
		scoring.MinTokens = cfg.MinQueryTokens
	}
	sc, err := scorer.New(scoring)
	if err != nil {
		return nil, eris.Wrap(err, "engine: scorer")
	}

	size := cfg.ClassificationCacheSize
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, classification](size)
	if err != nil {
		return nil, eris.Wrap(err, "engine: classification cache")
	}
	alerted, err := lru.New[string, struct{}](alertMemory)
	if err != nil {
		return nil, eris.Wrap(err, "engine: alert cache")
	}

	e := &Engine{
		classifier: intent.New(),
		scorer:     sc,
		registry:   widget.DefaultRegistry(),
		retriever:  retriever,
		pub:        notify.Discard{},
		retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 100 * time.Millisecond,
			MaxBackoff:     time.Second,
			Jitter:         0.1,
		},
		now:     time.Now,
		cache:   cache,
		alerted: alerted,
		busy:    make(map[string]bool),
	}
	for _, o := range opts {
		o(e)
	}
	e.builder = artifact.NewBuilder(artifact.WithClock(e.now))
	return e, nil
}

// acquire marks a conversation busy. Turns without a conversation id are
// never linearized.
func (e *Engine) acquire(id string) bool {
	if id == "" {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.busy[id] {
		return false
	}
	e.busy[id] = true
	return true
}

func (e *Engine) release(id string) {
	if id == "" {
		return
	}
	e.mu.Lock()
	delete(e.busy, id)
	e.mu.Unlock()
}

// SendMessage answers one user turn. It never returns a Go error: failures
// are reported in Response.Error and a best-effort answer is still built.
func (e *Engine) SendMessage(ctx context.Context, req Request) *Response {
	start := time.Now()
	resp := &Response{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Sources:        []model.Source{},
		Suggestions:    []string{},
		CreatedAt:      e.now().UTC(),
	}
	log := zap.L().With(
		zap.String("conversation_id", req.ConversationID),
		zap.String("response_id", resp.ID),
	)
	milestone := func(s Stage, label string) {
		if req.OnMilestone != nil {
			req.OnMilestone(Milestone{Stage: s, Label: label})
		}
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		resp.Intent = model.IntentResult{Category: model.IntentGeneral}
		resp.Error = &model.ResponseError{Message: "Message is empty", Kind: model.ErrBadInput}
		return resp
	}
	if !e.acquire(req.ConversationID) {
		resp.Intent = model.IntentResult{Category: model.IntentGeneral}
		resp.Error = &model.ResponseError{Message: BusyMessage, CanRetry: true, Kind: model.ErrBusy}
		log.Info("engine: turn rejected, conversation busy")
		return resp
	}
	defer e.release(req.ConversationID)

	milestone(StageClassifying, "Understanding your question")
	cls := e.classify(text, req)
	resp.Intent = cls.intent
	score := cls.score
	resp.DeepResearch = &score

	milestone(StageRetrieving, "Searching supplier and market data")
	res, err := e.retrieve(ctx, retrieval.Query{
		Text:       text,
		Intent:     cls.intent.Category,
		Entities:   cls.intent.ExtractedEntities,
		IncludeWeb: req.WebSearchEnabled,
		Limit:      limitFor(req.Mode),
	})
	if err != nil {
		resp.Error = retrievalError(ctx, err)
		log.Warn("engine: retrieval failed", zap.String("kind", string(resp.Error.Kind)), zap.Error(err))
		res = &retrieval.Result{}
	}
	resp.Sources = model.DedupeSources(res.Sources)

	restricted := model.IsRestrictedQuery(text) && model.MentionsRestrictedFactor(text, res.Suppliers)
	res.Suppliers = model.RedactSuppliers(res.Suppliers)
	if restricted {
		resp.Intent.Category = model.IntentRestrictedQuery
		resp.Intent.SubIntent = ""
	}

	milestone(StageComposing, "Writing the answer")
	var body string
	if restricted {
		body = restrictedBody(text, res.Suppliers)
	} else {
		body, resp.Acknowledgement = compose(resp.Intent, res)
	}

	resp.Widget, resp.Artifact = e.selectWidget(resp.Intent, req.RenderContext, res, log)
	resp.Content = body
	resp.Canonical = Canonical{
		Body:              body,
		SourceEnhancement: Enhance(model.MixOf(resp.Sources), resp.Intent.Category),
		ValueLadder:       Ladder(text, resp.Intent),
	}
	resp.Suggestions = followUps(resp.Intent, res, score)

	if !restricted && (req.DeepResearchMode || score.ShouldTriggerInterstitial) {
		milestone(StageResearch, "Preparing a deep research study")
		e.openResearch(ctx, req, text, resp, log)
	}

	e.alertRiskChanges(req.ConversationID, resp.Intent, res)
	e.persist(ctx, req, text, resp)

	milestone(StageDone, "Done")
	log.Info("engine: turn complete",
		zap.String("intent", string(resp.Intent.Category)),
		zap.Float64("score", score.Score),
		zap.Bool("widget", resp.Widget != nil),
		zap.Int("sources", len(resp.Sources)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return resp
}

// classify runs the intent classifier and the deep-research scorer side by
// side. Results without a builder hint are cached by exact text and history.
func (e *Engine) classify(text string, req Request) classification {
	history, previous := splitHistory(req.History)

	key := ""
	if req.BuilderHint == nil {
		key = cacheKey(text, history, previous)
		if c, ok := e.cache.Get(key); ok {
			return c
		}
	}

	var (
		out classification
		g   errgroup.Group
	)
	g.Go(func() error {
		out.intent = e.classifier.Classify(intent.Input{
			Text:           text,
			Hint:           req.BuilderHint,
			History:        history,
			Previous:       previous,
			KnownSuppliers: e.knownSuppliers,
		})
		return nil
	})
	g.Go(func() error {
		out.score = e.scorer.Score(text, history)
		return nil
	})
	_ = g.Wait()

	if key != "" {
		e.cache.Add(key, out)
	}
	return out
}

// splitHistory returns the prior user turns and the intent recorded on the
// latest assistant message's metadata, if any.
func splitHistory(msgs []model.Message) ([]string, *model.IntentResult) {
	var (
		users    []string
		previous *model.IntentResult
	)
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			users = append(users, m.Content)
		case model.RoleAssistant:
			if p := intentFromMetadata(m.Metadata); p != nil {
				previous = p
			}
		}
	}
	return users, previous
}

// intentFromMetadata reads the intent stored with an assistant message.
// Metadata is opaque, so a missing or malformed intent yields nil.
func intentFromMetadata(meta json.RawMessage) *model.IntentResult {
	if len(meta) == 0 || !gjson.ValidBytes(meta) {
		return nil
	}
	in := gjson.GetBytes(meta, "intent")
	cat := in.Get("category").String()
	if cat == "" {
		return nil
	}
	ents := in.Get("extractedEntities")
	return &model.IntentResult{
		Category:   model.IntentCategory(cat),
		SubIntent:  in.Get("subIntent").String(),
		Confidence: in.Get("confidence").Float(),
		ExtractedEntities: model.Entities{
			Commodity: ents.Get("commodity").String(),
			Category:  ents.Get("category").String(),
			Supplier:  ents.Get("supplier").String(),
			Region:    ents.Get("region").String(),
			Timeframe: ents.Get("timeframe").String(),
		},
	}
}

func cacheKey(text string, history []string, previous *model.IntentResult) string {
	var b strings.Builder
	b.WriteString(text)
	b.WriteByte(0)
	b.WriteString(strings.Join(history, "\x1f"))
	if previous != nil {
		b.WriteByte(0)
		b.WriteString(string(previous.Category))
		b.WriteByte('/')
		b.WriteString(previous.ExtractedEntities.Commodity)
		b.WriteByte('/')
		b.WriteString(previous.ExtractedEntities.Supplier)
	}
	return b.String()
}

func limitFor(m Mode) int {
	if m == ModeReasoning {
		return reasoningLimit
	}
	return fastLimit
}

func (e *Engine) retrieve(ctx context.Context, q retrieval.Query) (*retrieval.Result, error) {
	cfg := e.retry
	cfg.OnRetry = resilience.RetryLogger(e.retriever.Name(), "retrieve")
	res, err := resilience.DoVal(ctx, cfg, func(ctx context.Context) (*retrieval.Result, error) {
		return e.retriever.Retrieve(ctx, q)
	})
	if err != nil {
		return nil, eris.Wrap(err, "engine: retrieve")
	}
	if res == nil {
		return &retrieval.Result{}, nil
	}
	// Callers redact suppliers in place.
	cp := *res
	return &cp, nil
}

func retrievalError(ctx context.Context, err error) *model.ResponseError {
	if ctx.Err() != nil {
		return &model.ResponseError{Message: "Request cancelled", CanRetry: true, Kind: model.ErrCancelled}
	}
	switch resilience.Classify(err) {
	case resilience.ClassTransient, resilience.ClassTimeout:
		return &model.ResponseError{Message: "Some sources are temporarily unavailable. The answer may be incomplete.", CanRetry: true, Kind: model.ErrRetrievalTransient}
	default:
		return &model.ResponseError{Message: "Couldn't retrieve supporting data. The answer may be incomplete.", CanRetry: true, Kind: model.ErrRetrievalFatal}
	}
}

// dataKeys reports which context keys the retrieved material fills.
func dataKeys(res *retrieval.Result) widget.Data {
	d := widget.NewData()
	if res.Portfolio != nil && res.Portfolio.TotalSuppliers > 0 {
		d[widget.DataPortfolio] = true
	}
	if len(res.Suppliers) > 0 {
		d[widget.DataSuppliers] = true
	}
	if len(res.RiskChanges) > 0 {
		d[widget.DataRiskChanges] = true
	}
	if res.Commodity != nil {
		d[widget.DataCommodity] = true
	}
	if res.Inflation != nil || len(res.WidgetData) > 0 {
		d[widget.DataInflation] = true
	}
	if len(res.Sources) > 0 {
		d[widget.DataSources] = true
	}
	return d
}

func artifactContext(res *retrieval.Result, t model.ArtifactType) artifact.Context {
	return artifact.Context{
		Suppliers:   res.Suppliers,
		Portfolio:   res.Portfolio,
		RiskChanges: res.RiskChanges,
		Commodity:   res.Commodity,
		Inflation:   res.Inflation,
		WidgetData:  res.WidgetData[t],
	}
}

// selectWidget picks the inline widget and builds the artifact it expands to.
// A payload that would leak restricted data is replaced by the handoff widget.
func (e *Engine) selectWidget(in model.IntentResult, rc widget.RenderContext, res *retrieval.Result, log *zap.Logger) (*widget.Selection, *artifact.Artifact) {
	if rc == "" {
		rc = widget.RenderChat
	}
	sel := e.registry.Select(widget.Request{
		Intent:        in.Category,
		SubIntent:     in.SubIntent,
		RenderContext: rc,
		Data:          dataKeys(res),
	})
	if sel == nil || sel.Widget.ExpandsTo == "" {
		return sel, nil
	}

	art, err := e.builder.Expand(sel.Widget.ExpandsTo, artifactContext(res, sel.Widget.ExpandsTo))
	switch {
	case errors.Is(err, artifact.ErrRestrictedLeak):
		log.Error("engine: substituting handoff widget", zap.String("widget", sel.Widget.ID), zap.Error(err))
		return e.registry.Select(widget.Request{
			Intent:        model.IntentRestrictedQuery,
			RenderContext: rc,
			Data:          widget.NewData(),
		}), nil
	case err != nil:
		log.Warn("engine: artifact build failed", zap.String("widget", sel.Widget.ID), zap.Error(err))
	}
	return sel, art
}

// openResearch starts a deep-research job in intake and attaches it.
func (e *Engine) openResearch(ctx context.Context, req Request, text string, resp *Response, log *zap.Logger) {
	if e.research == nil {
		return
	}
	st := resp.DeepResearch.InferredStudyType
	if !st.Valid() {
		st = scorer.InferStudyType(text)
	}
	job, err := e.research.Start(ctx, research.StartInput{
		UserID:    req.UserID,
		Query:     text,
		StudyType: st,
		Entities:  resp.Intent.ExtractedEntities,
	})
	if err != nil {
		log.Warn("engine: research intake failed", zap.Error(err))
		return
	}
	resp.Research = &job

	ack := fmt.Sprintf("This looks like a %s. Answer a few questions and I'll start the research (about %d credits, %s).",
		strings.ToLower(st.Label()), job.Intake.EstimatedCredits, job.Intake.EstimatedTime)
	if req.CreditsAvailable != nil && *req.CreditsAvailable < job.Intake.EstimatedCredits {
		ack += fmt.Sprintf(" You have %d credits available, so you'll need to top up before confirming.", *req.CreditsAvailable)
	}
	resp.Acknowledgement = ack
}

// alertRiskChanges publishes alert.risk_change for worsened changes on
// followed suppliers that this turn surfaced. Each change is alerted once.
func (e *Engine) alertRiskChanges(conversationID string, in model.IntentResult, res *retrieval.Result) {
	var surfaced []model.RiskChange
	switch in.Category {
	case model.IntentTrendDetection:
		surfaced = res.RiskChanges
	case model.IntentPortfolioOverview:
		if res.Portfolio != nil {
			surfaced = res.Portfolio.RecentChanges
		}
	case model.IntentSupplierDeepDive:
		if len(res.Suppliers) > 0 {
			for _, c := range res.RiskChanges {
				if c.SupplierID == res.Suppliers[0].ID {
					surfaced = append(surfaced, c)
				}
			}
		}
	}
	if len(surfaced) == 0 {
		return
	}

	followed := make(map[string]bool)
	for _, s := range res.Suppliers {
		if s.IsFollowed {
			followed[s.ID] = true
		}
	}
	if res.Portfolio != nil {
		for _, c := range res.Portfolio.RecentChanges {
			followed[c.SupplierID] = true
		}
	}

	for _, c := range surfaced {
		if c.Direction != model.ChangeWorsened || !followed[c.SupplierID] {
			continue
		}
		key := c.SupplierID + "|" + c.Date.UTC().Format(time.RFC3339)
		if seen, _ := e.alerted.ContainsOrAdd(key, struct{}{}); seen {
			continue
		}
		e.pub.Publish(notify.Event{
			Topic:    notify.TopicRiskChange,
			Severity: "warning",
			Message:  fmt.Sprintf("%s risk worsened from %.0f to %.0f", c.SupplierName, c.PreviousScore, c.CurrentScore),
			Details: map[string]any{
				"supplier_id":     c.SupplierID,
				"supplier_name":   c.SupplierName,
				"previous_score":  c.PreviousScore,
				"current_score":   c.CurrentScore,
				"conversation_id": conversationID,
			},
			Timestamp: e.now().UTC(),
		})
	}
}

// persist records the turn. Store failures are logged by the conversation
// service and never reach the caller.
func (e *Engine) persist(ctx context.Context, req Request, text string, resp *Response) {
	if e.conversations == nil || req.ConversationID == "" {
		return
	}
	meta, err := json.Marshal(resp)
	if err != nil {
		zap.L().Error("engine: marshal response metadata", zap.String("response_id", resp.ID), zap.Error(err))
		meta = nil
	}
	_ = e.conversations.RecordTurn(context.WithoutCancel(ctx), conversation.Turn{
		ConversationID: req.ConversationID,
		User: model.Message{
			Role:      model.RoleUser,
			Content:   text,
			CreatedAt: resp.CreatedAt,
		},
		Assistant: model.Message{
			ID:        resp.ID,
			Role:      model.RoleAssistant,
			Content:   resp.Content,
			Metadata:  meta,
			CreatedAt: resp.CreatedAt,
		},
		Category: model.ConversationCategoryFor(resp.Intent.Category),
	})
}
