package credit

import "github.com/sells-group/abi-engine/internal/model"

// Price is the credit and wall-clock estimate for a study type.
type Price struct {
	Credits int    `json:"credits"`
	Time    string `json:"time"`
}

// StudyPrices is the fixed study type price table.
var StudyPrices = map[model.StudyType]Price{
	model.StudySourcing:           {Credits: 600, Time: "15-20 min"},
	model.StudyCostModel:          {Credits: 450, Time: "10-15 min"},
	model.StudyMarketAnalysis:     {Credits: 500, Time: "10-15 min"},
	model.StudySupplierAssessment: {Credits: 400, Time: "8-12 min"},
	model.StudyRiskAssessment:     {Credits: 400, Time: "8-12 min"},
	model.StudyCustom:             {Credits: 500, Time: "10-15 min"},
}

// ExpertCallCredits is the flat price of a booked expert deep dive.
const ExpertCallCredits = 250

// Estimate returns the price for a study type, falling back to custom.
func Estimate(st model.StudyType) Price {
	if p, ok := StudyPrices[st]; ok {
		return p
	}
	return StudyPrices[model.StudyCustom]
}

// CreditsUsed is the default usage meter: a 20% discount band scaled by how
// many sources were collected, saturating at 20 sources.
func CreditsUsed(reserved, sources int) int {
	coverage := float64(sources) / 20
	if coverage > 1 {
		coverage = 1
	}
	if coverage < 0 {
		coverage = 0
	}
	return int(float64(reserved)*(0.8+0.2*coverage) + 0.5)
}
