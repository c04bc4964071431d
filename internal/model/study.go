package model

// StudyType is the coarse deep-research category that governs credit and
// time estimates and the report shape.
type StudyType string

const (
	StudySourcing           StudyType = "sourcing_study"
	StudyCostModel          StudyType = "cost_model"
	StudyMarketAnalysis     StudyType = "market_analysis"
	StudySupplierAssessment StudyType = "supplier_assessment"
	StudyRiskAssessment     StudyType = "risk_assessment"
	StudyCustom             StudyType = "custom"
)

// StudyTypes lists every study type.
var StudyTypes = []StudyType{
	StudySourcing, StudyCostModel, StudyMarketAnalysis,
	StudySupplierAssessment, StudyRiskAssessment, StudyCustom,
}

// Valid reports whether s is a known study type.
func (s StudyType) Valid() bool {
	for _, st := range StudyTypes {
		if st == s {
			return true
		}
	}
	return false
}

// Label is the human-readable name used in report titles.
func (s StudyType) Label() string {
	switch s {
	case StudySourcing:
		return "Sourcing Study"
	case StudyCostModel:
		return "Cost Model"
	case StudyMarketAnalysis:
		return "Market Analysis"
	case StudySupplierAssessment:
		return "Supplier Assessment"
	case StudyRiskAssessment:
		return "Risk Assessment"
	}
	return "Custom Research"
}
