package model

import "time"

// DataTier is the displayability class of a risk factor.
type DataTier string

const (
	TierFreelyDisplayable        DataTier = "freely-displayable"
	TierConditionallyDisplayable DataTier = "conditionally-displayable"
	TierRestricted               DataTier = "restricted"
)

// RiskFactor is one weighted input to a supplier risk score. Score is nil for
// restricted-tier factors once the factor has been redacted.
type RiskFactor struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name" yaml:"name"`
	Tier   DataTier `json:"tier" yaml:"tier"`
	Weight float64  `json:"weight" yaml:"weight"`
	Score  *float64 `json:"score,omitempty" yaml:"score"`
	Rating string   `json:"rating" yaml:"rating"`
}

// IsRestricted reports whether the factor belongs to the restricted tier.
func (f RiskFactor) IsRestricted() bool {
	return f.Tier == TierRestricted
}

// Redacted returns a copy of f that is safe to display.
func (f RiskFactor) Redacted() RiskFactor {
	if f.IsRestricted() {
		f.Score = nil
	}
	return f
}

// RedactFactors returns display-safe copies of factors.
func RedactFactors(factors []RiskFactor) []RiskFactor {
	if factors == nil {
		return nil
	}
	out := make([]RiskFactor, len(factors))
	for i, f := range factors {
		out[i] = f.Redacted()
	}
	return out
}

// Redacted returns a copy of the supplier with every restricted factor score removed.
func (s Supplier) Redacted() Supplier {
	s.SRS.Factors = RedactFactors(s.SRS.Factors)
	if s.SRS.ScoreHistory != nil {
		s.SRS.ScoreHistory = append([]ScorePoint(nil), s.SRS.ScoreHistory...)
	}
	return s
}

// RedactSuppliers applies Supplier.Redacted to every element.
func RedactSuppliers(suppliers []Supplier) []Supplier {
	if suppliers == nil {
		return nil
	}
	out := make([]Supplier, len(suppliers))
	for i, s := range suppliers {
		out[i] = s.Redacted()
	}
	return out
}

// RestrictedFactorNames returns the names of restricted factors across suppliers.
func RestrictedFactorNames(suppliers []Supplier) []string {
	seen := make(map[string]bool)
	var names []string
	for _, s := range suppliers {
		for _, f := range s.SRS.Factors {
			if f.IsRestricted() && !seen[f.Name] {
				seen[f.Name] = true
				names = append(names, f.Name)
			}
		}
	}
	return names
}

// ChangeDirection is the direction recorded for a risk change event.
type ChangeDirection string

const (
	ChangeWorsened ChangeDirection = "worsened"
	ChangeImproved ChangeDirection = "improved"
)

// RiskChange records a supplier score movement.
type RiskChange struct {
	SupplierID    string          `json:"supplierId" yaml:"supplier_id"`
	SupplierName  string          `json:"supplierName" yaml:"supplier_name"`
	PreviousScore float64         `json:"previousScore" yaml:"previous_score"`
	CurrentScore  float64         `json:"currentScore" yaml:"current_score"`
	PreviousLevel RiskLevel       `json:"previousLevel" yaml:"previous_level"`
	CurrentLevel  RiskLevel       `json:"currentLevel" yaml:"current_level"`
	Direction     ChangeDirection `json:"direction" yaml:"direction"`
	Date          time.Time       `json:"date" yaml:"date"`
}

// Normalize fills derived levels and direction from the scores.
func (c *RiskChange) Normalize() {
	c.PreviousLevel = LevelFromScore(c.PreviousScore)
	c.CurrentLevel = LevelFromScore(c.CurrentScore)
	if c.Direction == "" {
		if c.CurrentScore > c.PreviousScore {
			c.Direction = ChangeWorsened
		} else {
			c.Direction = ChangeImproved
		}
	}
}
