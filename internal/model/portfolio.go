package model

// Distribution counts suppliers per risk level.
type Distribution struct {
	High       int `json:"high" yaml:"high"`
	MediumHigh int `json:"mediumHigh" yaml:"medium_high"`
	Medium     int `json:"medium" yaml:"medium"`
	Low        int `json:"low" yaml:"low"`
	Unrated    int `json:"unrated" yaml:"unrated"`
}

// Total returns the number of suppliers counted.
func (d Distribution) Total() int {
	return d.High + d.MediumHigh + d.Medium + d.Low + d.Unrated
}

// Add counts one supplier at the given level.
func (d *Distribution) Add(level RiskLevel) {
	switch level {
	case RiskLevelHigh:
		d.High++
	case RiskLevelMediumHigh:
		d.MediumHigh++
	case RiskLevelMedium:
		d.Medium++
	case RiskLevelLow:
		d.Low++
	default:
		d.Unrated++
	}
}

// Portfolio summarizes the followed supplier set.
type Portfolio struct {
	TotalSuppliers int          `json:"totalSuppliers" yaml:"total_suppliers"`
	TotalSpend     float64      `json:"totalSpend" yaml:"total_spend"`
	Distribution   Distribution `json:"distribution" yaml:"distribution"`
	RecentChanges  []RiskChange `json:"recentChanges" yaml:"recent_changes"`
}

// Consistent reports whether the distribution accounts for every supplier.
func (p Portfolio) Consistent() bool {
	return p.Distribution.Total() == p.TotalSuppliers
}

// BuildPortfolio derives a portfolio from the followed subset of suppliers.
func BuildPortfolio(suppliers []Supplier, changes []RiskChange) Portfolio {
	var p Portfolio
	followed := make(map[string]bool)
	for _, s := range suppliers {
		if !s.IsFollowed {
			continue
		}
		followed[s.ID] = true
		p.TotalSuppliers++
		p.TotalSpend += s.Spend
		p.Distribution.Add(LevelFromScore(s.SRS.Score))
	}
	for _, c := range changes {
		if followed[c.SupplierID] {
			p.RecentChanges = append(p.RecentChanges, c)
		}
	}
	return p
}

// Commodity is a tracked commodity price snapshot.
type Commodity struct {
	Name         string       `json:"name" yaml:"name"`
	Unit         string       `json:"unit" yaml:"unit"`
	CurrentPrice float64      `json:"currentPrice" yaml:"current_price"`
	Change30d    float64      `json:"change30d" yaml:"change_30d"`
	Change90d    float64      `json:"change90d" yaml:"change_90d"`
	History      []PricePoint `json:"history,omitempty" yaml:"history"`
}

// PricePoint is a dated price observation.
type PricePoint struct {
	Date  string  `json:"date" yaml:"date"`
	Price float64 `json:"price" yaml:"price"`
}

// InflationSnapshot is the price-inflation summary for a buyer's categories.
type InflationSnapshot struct {
	Period        string              `json:"period" yaml:"period"`
	OverallChange float64             `json:"overallChange" yaml:"overall_change"`
	TotalImpact   string              `json:"totalImpact" yaml:"total_impact"`
	Categories    []CategoryInflation `json:"categories" yaml:"categories"`
}

// CategoryInflation is per-category inflation detail.
type CategoryInflation struct {
	Category string  `json:"category" yaml:"category"`
	Change   float64 `json:"change" yaml:"change"`
	Spend    string  `json:"spend" yaml:"spend"`
}
