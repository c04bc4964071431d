package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/conversation"
	"github.com/sells-group/abi-engine/internal/credit"
	"github.com/sells-group/abi-engine/internal/engine"
	"github.com/sells-group/abi-engine/internal/notify"
	"github.com/sells-group/abi-engine/internal/research"
	"github.com/sells-group/abi-engine/internal/resilience"
	"github.com/sells-group/abi-engine/internal/retrieval"
	"github.com/sells-group/abi-engine/internal/store"
	anthropicpkg "github.com/sells-group/abi-engine/pkg/anthropic"
	"github.com/sells-group/abi-engine/pkg/perplexity"
)

// appEnv holds everything the serve, classify, and research commands share.
type appEnv struct {
	Store         store.Store // nil unless requested
	Conversations *conversation.Service
	Knowledge     *retrieval.KnowledgeBase
	Retriever     retrieval.Retriever
	Breakers      *resilience.Breakers
	Bus           *notify.Bus
	Ledger        *credit.Ledger
	Approvals     *credit.Approvals
	Research      *research.Manager
	Engine        *engine.Engine

	waitSinks []func()
}

// Close stops the bus, drains sinks, and closes the store.
func (a *appEnv) Close() {
	if a.Bus != nil {
		a.Bus.Close()
	}
	for _, wait := range a.waitSinks {
		wait()
	}
	if a.Store != nil {
		_ = a.Store.Close()
	}
}

// initApp validates cfg for mode and builds the retrieval chain, the credit
// subsystem, the research manager, and the engine. The store is opened and
// migrated only when withStore is set. Callers should defer env.Close().
func initApp(ctx context.Context, mode string, withStore bool) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("mode", mode))

	snap, err := retrieval.LoadSnapshot(cfg.Knowledge.Path)
	if err != nil {
		return nil, eris.Wrap(err, "load knowledge snapshot")
	}
	kb, err := retrieval.NewKnowledgeBase(snap)
	if err != nil {
		return nil, eris.Wrap(err, "build knowledge base")
	}

	retrievers := []retrieval.Retriever{kb}
	if cfg.Perplexity.Key != "" {
		client := perplexity.NewClient(cfg.Perplexity.Key,
			perplexity.WithBaseURL(cfg.Perplexity.BaseURL),
			perplexity.WithModel(cfg.Perplexity.Model),
			perplexity.WithRateLimit(cfg.Perplexity.RequestsPerSecond),
		)
		retrievers = append(retrievers, retrieval.NewWeb(client))
		log.Info("web retrieval enabled", zap.String("model", cfg.Perplexity.Model))
	} else {
		log.Debug("ABI_PERPLEXITY_KEY not set, web retrieval disabled")
	}
	breakers := resilience.NewBreakers(resilience.DefaultCircuitBreakerConfig())
	retriever := retrieval.NewComposite(breakers, retrievers...)

	env := &appEnv{
		Knowledge: kb,
		Retriever: retriever,
		Breakers:  breakers,
		Bus:       notify.NewBus(cfg.Notify.BufferSize),
	}
	if cfg.Notify.WebhookURL != "" {
		wait := env.Bus.Attach(ctx, notify.NewWebhookSink(cfg.Notify.WebhookURL), notify.Topics...)
		env.waitSinks = append(env.waitSinks, wait)
		log.Info("notification webhook attached")
	}

	env.Ledger = credit.NewLedger(cfg.Credits.DefaultBalance)
	env.Approvals = credit.NewApprovals(credit.Thresholds{
		AutoApprove: cfg.Credits.AutoApproveThreshold,
		TeamLead:    cfg.Credits.TeamLeadThreshold,
	}, env.Bus)

	researchOpts := []research.Option{
		research.WithPublisher(env.Bus),
		research.WithResearchConfig(cfg.Research),
	}
	if cfg.Anthropic.Key != "" {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, anthropicpkg.WithMaxRetries(0))
		researchOpts = append(researchOpts, research.WithSynthesizer(
			research.NewClaudeSynthesizer(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens),
		))
		log.Info("model-backed synthesis enabled", zap.String("model", cfg.Anthropic.Model))
	}
	env.Research = research.NewManager(env.Ledger, env.Approvals, retriever, researchOpts...)

	engineOpts := []engine.Option{
		engine.WithResearch(env.Research),
		engine.WithPublisher(env.Bus),
		engine.WithKnownSuppliers(kb.SupplierNames()),
	}
	if withStore {
		st, err := store.Open(ctx, cfg.Store)
		if err != nil {
			env.Close()
			return nil, eris.Wrap(err, "open store")
		}
		env.Store = st
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
		env.Conversations = conversation.NewService(st)
		engineOpts = append(engineOpts, engine.WithConversations(env.Conversations))
	}

	env.Engine, err = engine.New(cfg.Engine, retriever, engineOpts...)
	if err != nil {
		env.Close()
		return nil, eris.Wrap(err, "build engine")
	}

	log.Info("engine ready",
		zap.Int("suppliers", len(kb.SupplierNames())),
		zap.Int("retrievers", len(retrievers)),
		zap.Bool("store", withStore),
	)
	return env, nil
}
