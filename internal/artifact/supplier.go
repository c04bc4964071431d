package artifact

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sells-group/abi-engine/internal/model"
)

// FactorCategory groups risk factors for display.
type FactorCategory string

const (
	FactorFinancial   FactorCategory = "financial"
	FactorCompliance  FactorCategory = "compliance"
	FactorOperational FactorCategory = "operational"
	FactorExternal    FactorCategory = "external"
)

var factorKeywords = []struct {
	category FactorCategory
	words    []string
}{
	{FactorFinancial, []string{"financ", "credit", "liquidity", "payment", "bankrupt"}},
	{FactorCompliance, []string{"compliance", "sanction", "regulat", "legal", "esg", "ethic"}},
	{FactorOperational, []string{"operation", "delivery", "quality", "capacity", "cyber", "production"}},
}

// CategorizeFactor derives a display category from a factor name.
func CategorizeFactor(name string) FactorCategory {
	lower := strings.ToLower(name)
	for _, fk := range factorKeywords {
		for _, w := range fk.words {
			if strings.Contains(lower, w) {
				return fk.category
			}
		}
	}
	return FactorExternal
}

// SupplierRow is one supplier_table row.
type SupplierRow struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Location       string          `json:"location"`
	Region         string          `json:"region"`
	Spend          float64         `json:"spend"`
	SpendFormatted string          `json:"spendFormatted"`
	Score          float64         `json:"score"`
	Level          model.RiskLevel `json:"level"`
	Trend          model.RiskTrend `json:"trend"`
	IsFollowed     bool            `json:"isFollowed"`
}

// SupplierTable is the supplier_table payload.
type SupplierTable struct {
	Rows           []SupplierRow `json:"rows"`
	Categories     []string      `json:"categories"`
	Locations      []string      `json:"locations"`
	TotalSpend     float64       `json:"totalSpend"`
	SpendFormatted string        `json:"spendFormatted"`
}

// ArtifactType implements Payload.
func (SupplierTable) ArtifactType() model.ArtifactType { return model.ArtifactSupplierTable }

func locationLabel(l model.Location) string {
	switch {
	case l.City != "" && l.Country != "":
		return l.City + ", " + l.Country
	case l.Country != "":
		return l.Country
	}
	return l.City
}

func buildSupplierTable(c Context) (Payload, string) {
	if len(c.Suppliers) == 0 {
		return nil, ""
	}
	t := SupplierTable{Rows: make([]SupplierRow, 0, len(c.Suppliers))}
	seenCat := map[string]bool{}
	seenLoc := map[string]bool{}
	for _, s := range c.Suppliers {
		level := model.LevelFromScore(s.SRS.Score)
		loc := locationLabel(s.Location)
		t.Rows = append(t.Rows, SupplierRow{
			ID:             s.ID,
			Name:           s.Name,
			Category:       s.Category,
			Location:       loc,
			Region:         s.Location.Region,
			Spend:          s.Spend,
			SpendFormatted: model.FormatSpend(s.Spend),
			Score:          s.SRS.Score,
			Level:          level,
			Trend:          s.SRS.Trend,
			IsFollowed:     s.IsFollowed,
		})
		t.TotalSpend += s.Spend
		if s.Category != "" && !seenCat[s.Category] {
			seenCat[s.Category] = true
			t.Categories = append(t.Categories, s.Category)
		}
		if loc != "" && !seenLoc[loc] {
			seenLoc[loc] = true
			t.Locations = append(t.Locations, loc)
		}
	}
	t.SpendFormatted = model.FormatSpend(t.TotalSpend)
	return t, fmt.Sprintf("Suppliers (%d)", len(t.Rows))
}

// FactorView is a display-safe risk factor.
type FactorView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Tier         model.DataTier `json:"tier"`
	Weight       float64        `json:"weight"`
	Score        *float64       `json:"score,omitempty"`
	Rating       string         `json:"rating"`
	IsRestricted bool           `json:"isRestricted"`
	Category     FactorCategory `json:"category"`
}

func factorViews(factors []model.RiskFactor) []FactorView {
	out := make([]FactorView, 0, len(factors))
	for _, f := range model.RedactFactors(factors) {
		out = append(out, FactorView{
			ID:           f.ID,
			Name:         f.Name,
			Tier:         f.Tier,
			Weight:       f.Weight,
			Score:        f.Score,
			Rating:       f.Rating,
			IsRestricted: f.IsRestricted(),
			Category:     CategorizeFactor(f.Name),
		})
	}
	return out
}

// Event is a synthesized supplier timeline entry.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Date        time.Time `json:"date"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
}

// SupplierSummary is the header block of a supplier_detail payload.
type SupplierSummary struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Category       string            `json:"category"`
	Industry       string            `json:"industry"`
	Location       model.Location    `json:"location"`
	Spend          float64           `json:"spend"`
	SpendFormatted string            `json:"spendFormatted"`
	Criticality    model.Criticality `json:"criticality"`
	Score          float64           `json:"score"`
	PreviousScore  *float64          `json:"previousScore,omitempty"`
	Level          model.RiskLevel   `json:"level"`
	Trend          model.RiskTrend   `json:"trend"`
	LastUpdated    time.Time         `json:"lastUpdated"`
}

// SupplierDetail is the supplier_detail payload.
type SupplierDetail struct {
	Supplier     SupplierSummary    `json:"supplier"`
	Factors      []FactorView       `json:"factors"`
	Events       []Event            `json:"events"`
	ScoreHistory []model.ScorePoint `json:"scoreHistory"`
}

// ArtifactType implements Payload.
func (SupplierDetail) ArtifactType() model.ArtifactType { return model.ArtifactSupplierDetail }

func (d SupplierDetail) restrictedLeak() bool {
	for _, f := range d.Factors {
		if f.Tier == model.TierRestricted && f.Score != nil {
			return true
		}
	}
	return false
}

func summaryOf(s model.Supplier) SupplierSummary {
	return SupplierSummary{
		ID:             s.ID,
		Name:           s.Name,
		Category:       s.Category,
		Industry:       s.Industry,
		Location:       s.Location,
		Spend:          s.Spend,
		SpendFormatted: model.FormatSpend(s.Spend),
		Criticality:    s.Criticality,
		Score:          s.SRS.Score,
		PreviousScore:  s.SRS.PreviousScore,
		Level:          model.LevelFromScore(s.SRS.Score),
		Trend:          s.SRS.Trend,
		LastUpdated:    s.SRS.LastUpdated,
	}
}

func buildSupplierDetail(c Context, now time.Time) (Payload, string) {
	if len(c.Suppliers) == 0 {
		return nil, ""
	}
	s := c.Suppliers[0]

	d := SupplierDetail{
		Supplier: summaryOf(s),
		Factors:  factorViews(s.SRS.Factors),
	}

	for i, ch := range c.RiskChanges {
		if ch.SupplierID != s.ID {
			continue
		}
		ch.Normalize()
		severity := "info"
		if ch.Direction == model.ChangeWorsened {
			severity = "warning"
			if ch.CurrentLevel == model.RiskLevelHigh {
				severity = "critical"
			}
		}
		d.Events = append(d.Events, Event{
			ID:   fmt.Sprintf("%s-change-%d", s.ID, i),
			Type: "score_change",
			Date: ch.Date,
			Title: fmt.Sprintf("Risk score %s from %.0f to %.0f",
				ch.Direction, ch.PreviousScore, ch.CurrentScore),
			Description: fmt.Sprintf("Level moved from %s to %s", ch.PreviousLevel, ch.CurrentLevel),
			Severity:    severity,
		})
	}
	if len(d.Events) == 0 {
		date := s.SRS.LastUpdated
		if date.IsZero() {
			date = now
		}
		d.Events = []Event{{
			ID:          s.ID + "-updated",
			Type:        "updated",
			Date:        date,
			Title:       "Risk profile updated",
			Description: fmt.Sprintf("Current score %.0f (%s)", s.SRS.Score, d.Supplier.Level),
			Severity:    "info",
		}}
	}

	switch {
	case len(s.SRS.ScoreHistory) > 0:
		d.ScoreHistory = append([]model.ScorePoint(nil), s.SRS.ScoreHistory...)
	case s.SRS.PreviousScore != nil:
		d.ScoreHistory = []model.ScorePoint{
			{Date: now.AddDate(0, -1, 0), Score: *s.SRS.PreviousScore},
			{Date: now, Score: s.SRS.Score},
		}
	default:
		d.ScoreHistory = []model.ScorePoint{{Date: now, Score: s.SRS.Score}}
	}

	return d, s.Name + " Risk Profile"
}

// MetricValue is a comparison metric. Restricted metrics marshal to the
// string "restricted" and never carry a number.
type MetricValue struct {
	Value      *float64
	Restricted bool
}

// MarshalJSON implements json.Marshaler.
func (m MetricValue) MarshalJSON() ([]byte, error) {
	switch {
	case m.Restricted:
		return []byte(`"restricted"`), nil
	case m.Value == nil:
		return []byte("null"), nil
	}
	return []byte(strconv.FormatFloat(*m.Value, 'f', -1, 64)), nil
}

// comparisonMetrics are the factor keywords compared side by side.
var comparisonMetrics = []string{"esg", "quality", "delivery", "financial", "cyber", "compliance", "sustainability", "capacity"}

// ComparedSupplier is one column of a supplier_comparison payload.
type ComparedSupplier struct {
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Category string                 `json:"category"`
	Location string                 `json:"location"`
	Spend    float64                `json:"spend"`
	Score    float64                `json:"score"`
	Level    model.RiskLevel        `json:"level"`
	Trend    model.RiskTrend        `json:"trend"`
	Metrics  map[string]MetricValue `json:"metrics"`
	Pros     []string               `json:"pros"`
	Cons     []string               `json:"cons"`
}

// SupplierComparison is the supplier_comparison payload.
type SupplierComparison struct {
	Suppliers  []ComparedSupplier `json:"suppliers"`
	MetricKeys []string           `json:"metricKeys"`
	LowestRisk string             `json:"lowestRisk"`
}

// ArtifactType implements Payload.
func (SupplierComparison) ArtifactType() model.ArtifactType {
	return model.ArtifactSupplierComparison
}

func (c SupplierComparison) restrictedLeak() bool {
	for _, s := range c.Suppliers {
		for _, m := range s.Metrics {
			if m.Restricted && m.Value != nil {
				return true
			}
		}
	}
	return false
}

func metricsFor(factors []model.RiskFactor) map[string]MetricValue {
	out := make(map[string]MetricValue)
	for _, key := range comparisonMetrics {
		for _, f := range factors {
			if !strings.Contains(strings.ToLower(f.Name), key) {
				continue
			}
			if f.IsRestricted() {
				out[key] = MetricValue{Restricted: true}
			} else {
				out[key] = MetricValue{Value: f.Score}
			}
			break
		}
	}
	return out
}

func prosCons(s model.Supplier) (pros, cons []string) {
	pros, cons = []string{}, []string{}
	switch s.SRS.Trend {
	case model.TrendImproving:
		pros = append(pros, "Risk trend improving")
	case model.TrendWorsening:
		cons = append(cons, "Risk trend worsening")
	case model.TrendStable:
		pros = append(pros, "Stable risk profile")
	}
	switch model.LevelFromScore(s.SRS.Score) {
	case model.RiskLevelLow:
		pros = append(pros, "Low overall risk")
	case model.RiskLevelMedium:
		pros = append(pros, "Moderate overall risk")
	case model.RiskLevelMediumHigh:
		cons = append(cons, "Elevated overall risk")
	case model.RiskLevelHigh:
		cons = append(cons, "High overall risk")
	case model.RiskLevelUnrated:
		cons = append(cons, "No risk rating available")
	}
	return pros, cons
}

func buildSupplierComparison(c Context) (Payload, string) {
	if len(c.Suppliers) < 2 {
		return nil, ""
	}
	cmp := SupplierComparison{}
	keys := map[string]bool{}
	lowest := math.Inf(1)
	names := make([]string, 0, len(c.Suppliers))
	for _, s := range c.Suppliers {
		pros, cons := prosCons(s)
		metrics := metricsFor(s.SRS.Factors)
		for k := range metrics {
			keys[k] = true
		}
		cmp.Suppliers = append(cmp.Suppliers, ComparedSupplier{
			ID:       s.ID,
			Name:     s.Name,
			Category: s.Category,
			Location: locationLabel(s.Location),
			Spend:    s.Spend,
			Score:    s.SRS.Score,
			Level:    model.LevelFromScore(s.SRS.Score),
			Trend:    s.SRS.Trend,
			Metrics:  metrics,
			Pros:     pros,
			Cons:     cons,
		})
		if s.SRS.Score > 0 && s.SRS.Score < lowest {
			lowest = s.SRS.Score
			cmp.LowestRisk = s.ID
		}
		names = append(names, s.Name)
	}
	cmp.MetricKeys = []string{}
	for _, k := range comparisonMetrics {
		if keys[k] {
			cmp.MetricKeys = append(cmp.MetricKeys, k)
		}
	}
	return cmp, strings.Join(names, " vs ")
}

// AltSupplier identifies a supplier in an alternatives payload.
type AltSupplier struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Category string          `json:"category"`
	Location model.Location  `json:"location"`
	Score    float64         `json:"score"`
	Level    model.RiskLevel `json:"level"`
}

// Alternative is a candidate replacement supplier.
type Alternative struct {
	AltSupplier
	MatchScore int      `json:"matchScore"`
	Reasons    []string `json:"reasons"`
}

// SupplierAlternatives is the supplier_alternatives payload.
type SupplierAlternatives struct {
	Current      AltSupplier   `json:"current"`
	Alternatives []Alternative `json:"alternatives"`
}

// ArtifactType implements Payload.
func (SupplierAlternatives) ArtifactType() model.ArtifactType {
	return model.ArtifactSupplierAlternatives
}

// Match score weights.
const (
	matchBase         = 70
	matchSameCategory = 15
	matchSameRegion   = 5
	matchSameCountry  = 5
	matchLowerRisk    = 5
	matchScoreCeiling = 98
)

func altOf(s model.Supplier) AltSupplier {
	return AltSupplier{
		ID:       s.ID,
		Name:     s.Name,
		Category: s.Category,
		Location: s.Location,
		Score:    s.SRS.Score,
		Level:    model.LevelFromScore(s.SRS.Score),
	}
}

// MatchScore rates alt as a replacement for current.
func MatchScore(current, alt model.Supplier) (int, []string) {
	score := matchBase
	var reasons []string
	if current.Category != "" && strings.EqualFold(current.Category, alt.Category) {
		score += matchSameCategory
		reasons = append(reasons, "Same category")
	}
	if current.Location.Region != "" && strings.EqualFold(current.Location.Region, alt.Location.Region) {
		score += matchSameRegion
		reasons = append(reasons, "Same region")
	}
	if current.Location.Country != "" && strings.EqualFold(current.Location.Country, alt.Location.Country) {
		score += matchSameCountry
		reasons = append(reasons, "Same country")
	}
	// Unrated suppliers carry score 0 and are not lower risk.
	if alt.SRS.Score > 0 && alt.SRS.Score < current.SRS.Score {
		score += matchLowerRisk
		reasons = append(reasons, "Lower risk")
	}
	if score > matchScoreCeiling {
		score = matchScoreCeiling
	}
	return score, reasons
}

func buildSupplierAlternatives(c Context) (Payload, string) {
	if len(c.Suppliers) < 2 {
		return nil, ""
	}
	current := c.Suppliers[0]
	out := SupplierAlternatives{Current: altOf(current)}
	for _, alt := range c.Suppliers[1:] {
		score, reasons := MatchScore(current, alt)
		if reasons == nil {
			reasons = []string{}
		}
		out.Alternatives = append(out.Alternatives, Alternative{
			AltSupplier: altOf(alt),
			MatchScore:  score,
			Reasons:     reasons,
		})
	}
	sort.SliceStable(out.Alternatives, func(i, j int) bool {
		return out.Alternatives[i].MatchScore > out.Alternatives[j].MatchScore
	})
	return out, "Alternatives to " + current.Name
}
