package model

// ArtifactType discriminates artifact payloads.
type ArtifactType string

const (
	ArtifactSupplierTable         ArtifactType = "supplier_table"
	ArtifactSupplierDetail        ArtifactType = "supplier_detail"
	ArtifactSupplierComparison    ArtifactType = "supplier_comparison"
	ArtifactPortfolioDashboard    ArtifactType = "portfolio_dashboard"
	ArtifactSupplierAlternatives  ArtifactType = "supplier_alternatives"
	ArtifactInflationDashboard    ArtifactType = "inflation_dashboard"
	ArtifactDriverAnalysis        ArtifactType = "driver_analysis"
	ArtifactImpactAnalysis        ArtifactType = "impact_analysis"
	ArtifactJustificationReport   ArtifactType = "justification_report"
	ArtifactScenarioPlanner       ArtifactType = "scenario_planner"
	ArtifactExecutivePresentation ArtifactType = "executive_presentation"
	ArtifactCommodityDashboard    ArtifactType = "commodity_dashboard"
	ArtifactDeepResearchReport    ArtifactType = "deep_research_report"
)

// ArtifactTypes lists every artifact type the builder understands.
var ArtifactTypes = []ArtifactType{
	ArtifactSupplierTable, ArtifactSupplierDetail, ArtifactSupplierComparison,
	ArtifactPortfolioDashboard, ArtifactSupplierAlternatives,
	ArtifactInflationDashboard, ArtifactDriverAnalysis, ArtifactImpactAnalysis,
	ArtifactJustificationReport, ArtifactScenarioPlanner,
	ArtifactExecutivePresentation, ArtifactCommodityDashboard,
	ArtifactDeepResearchReport,
}

// Valid reports whether a is a known artifact type.
func (a ArtifactType) Valid() bool {
	for _, t := range ArtifactTypes {
		if t == a {
			return true
		}
	}
	return false
}
