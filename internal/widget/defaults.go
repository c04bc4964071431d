package widget

import "github.com/sells-group/abi-engine/internal/model"

// FallbackCategory is the widget category eligible for the sub-intent-only
// secondary pass.
const FallbackCategory = "summary"

var (
	chatDash = []RenderContext{RenderChat, RenderDashboard}
	chatOnly = []RenderContext{RenderChat}
	allCtx   = []RenderContext{RenderChat, RenderArtifact, RenderDashboard}
)

func intents(cats ...model.IntentCategory) []model.IntentCategory { return cats }

func data(keys ...DataKey) []DataKey { return keys }

// DefaultWidgets is the built-in widget table in declaration order.
func DefaultWidgets() []Widget {
	return []Widget{
		{
			ID: "risk_distribution", Type: "chart", Component: "RiskDistributionWidget", Category: "risk",
			Intents: intents(model.IntentPortfolioOverview), SubIntents: []string{"risk_distribution"},
			Priority: 100, RequiredData: data(DataPortfolio), RenderContexts: chatDash,
			Sizes: []Size{SizeMedium, SizeLarge}, ExpandsTo: model.ArtifactPortfolioDashboard,
		},
		{
			ID: "spend_exposure", Type: "chart", Component: "SpendExposureWidget", Category: "risk",
			Intents: intents(model.IntentPortfolioOverview), SubIntents: []string{"spend"},
			Priority: 92, RequiredData: data(DataPortfolio), RenderContexts: chatDash,
			Sizes: []Size{SizeMedium}, ExpandsTo: model.ArtifactPortfolioDashboard,
		},
		{
			ID: "supplier_table", Type: "table", Component: "SupplierTableWidget", Category: "supplier",
			Intents: intents(model.IntentFilteredDiscovery), SubIntents: []string{"by_risk", "by_category", "by_region"},
			Priority: 90, RequiredData: data(DataSuppliers), RenderContexts: allCtx,
			Sizes: []Size{SizeMedium, SizeLarge}, ExpandsTo: model.ArtifactSupplierTable,
		},
		{
			ID: "supplier_risk_card", Type: "card", Component: "SupplierRiskCard", Category: "supplier",
			Intents: intents(model.IntentSupplierDeepDive), SubIntents: []string{"risk_profile"},
			Priority: 95, RequiredData: data(DataSuppliers), RenderContexts: allCtx,
			Sizes: []Size{SizeMedium}, ExpandsTo: model.ArtifactSupplierDetail,
		},
		{
			ID: "events_feed", Type: "list", Component: "EventsFeedWidget", Category: "risk",
			Intents: intents(model.IntentTrendDetection), SubIntents: []string{"alerts"},
			Priority: 90, RequiredData: data(DataRiskChanges), RenderContexts: chatDash,
			Sizes: []Size{SizeMedium}, ExpandsTo: model.ArtifactPortfolioDashboard,
		},
		{
			ID: "score_trend", Type: "chart", Component: "ScoreTrendWidget", Category: "risk",
			Intents: intents(model.IntentTrendDetection), SubIntents: []string{"score_changes"},
			Priority: 85, RequiredData: data(DataSuppliers), RenderContexts: chatDash,
			Sizes: []Size{SizeSmall, SizeMedium}, ExpandsTo: model.ArtifactSupplierDetail,
		},
		{
			ID: "factor_explainer", Type: "card", Component: "FactorExplainerWidget", Category: "risk",
			Intents: intents(model.IntentExplanationWhy),
			Priority: 80, RequiredData: data(DataSuppliers), RenderContexts: chatOnly,
			Sizes: []Size{SizeMedium}, ExpandsTo: model.ArtifactSupplierDetail,
		},
		{
			ID: "alternatives_preview", Type: "list", Component: "AlternativesPreviewWidget", Category: "action",
			Intents: intents(model.IntentActionTrigger), SubIntents: []string{"alternatives"},
			Priority: 90, RequiredData: data(DataSuppliers), RenderContexts: chatOnly,
			Sizes: []Size{SizeMedium}, ExpandsTo: model.ArtifactSupplierAlternatives,
		},
		{
			ID: "action_confirmation", Type: "card", Component: "ActionConfirmationWidget", Category: "action",
			Intents: intents(model.IntentActionTrigger), SubIntents: []string{"follow", "alert_setup"},
			Priority: 70, RequiredData: data(DataNone), RenderContexts: chatOnly,
			Sizes: []Size{SizeSmall},
		},
		{
			ID: "comparison_table", Type: "table", Component: "ComparisonTableWidget", Category: "supplier",
			Intents: intents(model.IntentComparison), SubIntents: []string{"suppliers"},
			Priority: 95, RequiredData: data(DataSuppliers), RenderContexts: allCtx,
			Sizes: []Size{SizeLarge}, ExpandsTo: model.ArtifactSupplierComparison,
		},
		{
			ID: "setup_card", Type: "card", Component: "SetupCardWidget", Category: "system",
			Intents: intents(model.IntentSetupConfig),
			Priority: 60, RequiredData: data(DataNone), RenderContexts: chatOnly,
			Sizes: []Size{SizeSmall},
		},
		{
			ID: "export_card", Type: "card", Component: "ExportCardWidget", Category: "system",
			Intents: intents(model.IntentReportingExport),
			Priority: 60, RequiredData: data(DataNone), RenderContexts: chatOnly,
			Sizes: []Size{SizeSmall},
		},
		{
			ID: "commodity_gauge", Type: "gauge", Component: "CommodityGaugeWidget", Category: "market",
			Intents: intents(model.IntentMarketContext), SubIntents: []string{"commodity"},
			Priority: 85, RequiredData: data(DataCommodity), RenderContexts: chatDash,
			Sizes: []Size{SizeSmall, SizeMedium}, ExpandsTo: model.ArtifactCommodityDashboard,
		},
		{
			ID: "market_brief", Type: "list", Component: "MarketBriefWidget", Category: "market",
			Intents: intents(model.IntentMarketContext), SubIntents: []string{"news"},
			Priority: 80, RequiredData: data(DataSources), RenderContexts: chatOnly,
			Sizes: []Size{SizeMedium},
		},
		{
			ID: "handoff_card", Type: "card", Component: "HandoffCardWidget", Category: "system",
			Intents: intents(model.IntentRestrictedQuery),
			Priority: 100, RequiredData: data(DataNone), RenderContexts: allCtx,
			Sizes: []Size{SizeSmall},
		},
		inflationWidget("inflation_summary_card", "InflationSummaryCard", model.IntentInflationSummary, model.ArtifactInflationDashboard),
		inflationWidget("driver_breakdown", "DriverBreakdownWidget", model.IntentInflationDrivers, model.ArtifactDriverAnalysis),
		inflationWidget("impact_card", "ImpactCardWidget", model.IntentInflationImpact, model.ArtifactImpactAnalysis),
		inflationWidget("justification_card", "JustificationCardWidget", model.IntentInflationJustification, model.ArtifactJustificationReport),
		inflationWidget("scenario_card", "ScenarioCardWidget", model.IntentInflationScenarios, model.ArtifactScenarioPlanner),
		inflationWidget("executive_brief", "ExecutiveBriefWidget", model.IntentInflationCommunication, model.ArtifactExecutivePresentation),
		inflationWidget("benchmark_card", "BenchmarkCardWidget", model.IntentInflationBenchmark, model.ArtifactCommodityDashboard),
		{
			ID: "metric_snapshot", Type: "metric", Component: "MetricSnapshotWidget", Category: FallbackCategory,
			SubIntents: []string{"spend", "count"},
			Priority: 50, RequiredData: data(DataPortfolio), RenderContexts: chatDash,
			Sizes: []Size{SizeSmall},
		},
	}
}

func inflationWidget(id, component string, intent model.IntentCategory, expands model.ArtifactType) Widget {
	required := DataInflation
	if expands == model.ArtifactCommodityDashboard {
		required = DataCommodity
	}
	return Widget{
		ID: id, Type: "card", Component: component, Category: "inflation",
		Intents: intents(intent), Priority: 95, RequiredData: data(required),
		RenderContexts: chatDash, Sizes: []Size{SizeMedium}, ExpandsTo: expands,
	}
}

// DefaultRegistry builds a registry from DefaultWidgets.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, w := range DefaultWidgets() {
		if err := r.Register(w); err != nil {
			panic(err)
		}
	}
	return r
}
