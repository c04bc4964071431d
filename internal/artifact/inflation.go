package artifact

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/sells-group/abi-engine/internal/model"
)

// Inflation-family widget data shapes. Currency amounts arrive formatted
// ("$10.2B", "$450K") and are parsed to exact numbers.

type driverData struct {
	Commodity string `json:"commodity"`
	Period    string `json:"period"`
	Drivers   []struct {
		Name         string  `json:"name"`
		Contribution float64 `json:"contribution"`
		Direction    string  `json:"direction"`
		Description  string  `json:"description"`
	} `json:"drivers"`
}

type impactData struct {
	Period      string `json:"period"`
	TotalImpact string `json:"totalImpact"`
	Categories  []struct {
		Category string  `json:"category"`
		Impact   string  `json:"impact"`
		Change   float64 `json:"change"`
	} `json:"categories"`
	Suppliers []struct {
		Name   string `json:"name"`
		Impact string `json:"impact"`
	} `json:"suppliers"`
}

type justificationData struct {
	Supplier          string  `json:"supplier"`
	Commodity         string  `json:"commodity"`
	CurrentPrice      string  `json:"currentPrice"`
	RequestedIncrease float64 `json:"requestedIncrease"`
	MarketIncrease    float64 `json:"marketIncrease"`
	AnnualSpend       string  `json:"annualSpend"`
}

type scenarioData struct {
	BaseSpend string `json:"baseSpend"`
	Scenarios []struct {
		Name        string  `json:"name"`
		Change      float64 `json:"change"`
		Probability float64 `json:"probability"`
	} `json:"scenarios"`
}

type executiveData struct {
	Title         string   `json:"title"`
	Period        string   `json:"period"`
	TotalImpact   string   `json:"totalImpact"`
	OverallChange float64  `json:"overallChange"`
	Highlights    []string `json:"highlights"`
	Actions       []string `json:"actions"`
}

func decode(raw json.RawMessage, into any) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, into); err != nil {
		zap.L().Debug("artifact: widget data shape mismatch", zap.Error(err))
		return false
	}
	return true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// CategoryImpact is one category row of an inflation dashboard.
type CategoryImpact struct {
	Category string  `json:"category"`
	Change   float64 `json:"change"`
	Spend    float64 `json:"spend"`
	Impact   float64 `json:"impact"`
}

// InflationDashboard is the inflation_dashboard payload.
type InflationDashboard struct {
	Period               string           `json:"period"`
	OverallChange        float64          `json:"overallChange"`
	TotalImpact          float64          `json:"totalImpact"`
	TotalImpactFormatted string           `json:"totalImpactFormatted"`
	Categories           []CategoryImpact `json:"categories"`
	TopCategory          string           `json:"topCategory"`
}

// ArtifactType implements Payload.
func (InflationDashboard) ArtifactType() model.ArtifactType {
	return model.ArtifactInflationDashboard
}

func buildInflationDashboard(c Context) (Payload, string) {
	snap := c.Inflation
	if snap == nil {
		var decoded model.InflationSnapshot
		if !decode(c.WidgetData, &decoded) || decoded.TotalImpact == "" {
			return nil, ""
		}
		snap = &decoded
	}
	total, err := model.ParseCurrency(snap.TotalImpact)
	if err != nil {
		return nil, ""
	}

	d := InflationDashboard{
		Period:               snap.Period,
		OverallChange:        snap.OverallChange,
		TotalImpact:          total,
		TotalImpactFormatted: model.FormatSpend(total),
		Categories:           make([]CategoryImpact, 0, len(snap.Categories)),
	}
	var top float64
	for _, cat := range snap.Categories {
		spend, err := model.ParseCurrency(cat.Spend)
		if err != nil {
			return nil, ""
		}
		impact := round2(spend * cat.Change / 100)
		d.Categories = append(d.Categories, CategoryImpact{
			Category: cat.Category,
			Change:   cat.Change,
			Spend:    spend,
			Impact:   impact,
		})
		if impact > top || d.TopCategory == "" {
			top = impact
			d.TopCategory = cat.Category
		}
	}
	return d, "Inflation Overview"
}

// Driver is one inflation driver.
type Driver struct {
	Name         string  `json:"name"`
	Contribution float64 `json:"contribution"`
	Share        float64 `json:"share"`
	Direction    string  `json:"direction"`
	Description  string  `json:"description"`
}

// DriverAnalysis is the driver_analysis payload.
type DriverAnalysis struct {
	Commodity     string   `json:"commodity"`
	Period        string   `json:"period"`
	Drivers       []Driver `json:"drivers"`
	PrimaryDriver string   `json:"primaryDriver"`
}

// ArtifactType implements Payload.
func (DriverAnalysis) ArtifactType() model.ArtifactType { return model.ArtifactDriverAnalysis }

func buildDriverAnalysis(c Context) (Payload, string) {
	var in driverData
	if !decode(c.WidgetData, &in) || len(in.Drivers) == 0 {
		return nil, ""
	}
	var total float64
	for _, d := range in.Drivers {
		total += math.Abs(d.Contribution)
	}
	out := DriverAnalysis{Commodity: in.Commodity, Period: in.Period}
	for _, d := range in.Drivers {
		share := 0.0
		if total > 0 {
			share = round2(math.Abs(d.Contribution) / total * 100)
		}
		out.Drivers = append(out.Drivers, Driver{
			Name:         d.Name,
			Contribution: d.Contribution,
			Share:        share,
			Direction:    d.Direction,
			Description:  d.Description,
		})
	}
	sort.SliceStable(out.Drivers, func(i, j int) bool {
		return math.Abs(out.Drivers[i].Contribution) > math.Abs(out.Drivers[j].Contribution)
	})
	out.PrimaryDriver = out.Drivers[0].Name

	title := "Inflation Drivers"
	if in.Commodity != "" {
		title = titleCase(in.Commodity) + " Inflation Drivers"
	}
	return out, title
}

// ImpactRow is one category or supplier impact line.
type ImpactRow struct {
	Name   string  `json:"name"`
	Impact float64 `json:"impact"`
	Share  float64 `json:"share"`
	Change float64 `json:"change,omitempty"`
}

// ImpactAnalysis is the impact_analysis payload.
type ImpactAnalysis struct {
	Period               string      `json:"period"`
	TotalImpact          float64     `json:"totalImpact"`
	TotalImpactFormatted string      `json:"totalImpactFormatted"`
	Categories           []ImpactRow `json:"categories"`
	TopSuppliers         []ImpactRow `json:"topSuppliers"`
}

// ArtifactType implements Payload.
func (ImpactAnalysis) ArtifactType() model.ArtifactType { return model.ArtifactImpactAnalysis }

func buildImpactAnalysis(c Context) (Payload, string) {
	var in impactData
	if !decode(c.WidgetData, &in) || in.TotalImpact == "" {
		return nil, ""
	}
	total, err := model.ParseCurrency(in.TotalImpact)
	if err != nil {
		return nil, ""
	}
	share := func(v float64) float64 {
		if total == 0 {
			return 0
		}
		return round2(v / total * 100)
	}

	out := ImpactAnalysis{
		Period:               in.Period,
		TotalImpact:          total,
		TotalImpactFormatted: model.FormatSpend(total),
		Categories:           []ImpactRow{},
		TopSuppliers:         []ImpactRow{},
	}
	for _, cat := range in.Categories {
		v, err := model.ParseCurrency(cat.Impact)
		if err != nil {
			return nil, ""
		}
		out.Categories = append(out.Categories, ImpactRow{Name: cat.Category, Impact: v, Share: share(v), Change: cat.Change})
	}
	for _, s := range in.Suppliers {
		v, err := model.ParseCurrency(s.Impact)
		if err != nil {
			return nil, ""
		}
		out.TopSuppliers = append(out.TopSuppliers, ImpactRow{Name: s.Name, Impact: v, Share: share(v)})
	}
	byImpact := func(rows []ImpactRow) {
		sort.SliceStable(rows, func(i, j int) bool { return rows[i].Impact > rows[j].Impact })
	}
	byImpact(out.Categories)
	byImpact(out.TopSuppliers)
	return out, "Inflation Impact"
}

// Justification verdicts.
const (
	VerdictJustified          = "justified"
	VerdictPartiallyJustified = "partially_justified"
	VerdictUnjustified        = "unjustified"
)

// JustificationReport is the justification_report payload.
type JustificationReport struct {
	Supplier          string  `json:"supplier"`
	Commodity         string  `json:"commodity"`
	CurrentPrice      float64 `json:"currentPrice"`
	RequestedIncrease float64 `json:"requestedIncrease"`
	MarketIncrease    float64 `json:"marketIncrease"`
	Gap               float64 `json:"gap"`
	ProposedPrice     float64 `json:"proposedPrice"`
	FairPrice         float64 `json:"fairPrice"`
	AnnualSpend       float64 `json:"annualSpend"`
	NegotiationTarget float64 `json:"negotiationTarget"`
	Verdict           string  `json:"verdict"`
}

// ArtifactType implements Payload.
func (JustificationReport) ArtifactType() model.ArtifactType {
	return model.ArtifactJustificationReport
}

func buildJustificationReport(c Context) (Payload, string) {
	var in justificationData
	if !decode(c.WidgetData, &in) || in.CurrentPrice == "" {
		return nil, ""
	}
	price, err := model.ParseCurrency(in.CurrentPrice)
	if err != nil {
		return nil, ""
	}
	var spend float64
	if in.AnnualSpend != "" {
		if spend, err = model.ParseCurrency(in.AnnualSpend); err != nil {
			return nil, ""
		}
	}

	gap := round2(in.RequestedIncrease - in.MarketIncrease)
	out := JustificationReport{
		Supplier:          in.Supplier,
		Commodity:         in.Commodity,
		CurrentPrice:      price,
		RequestedIncrease: in.RequestedIncrease,
		MarketIncrease:    in.MarketIncrease,
		Gap:               gap,
		ProposedPrice:     round2(price * (1 + in.RequestedIncrease/100)),
		FairPrice:         round2(price * (1 + in.MarketIncrease/100)),
	}
	out.AnnualSpend = spend
	if gap > 0 {
		out.NegotiationTarget = round2(spend * gap / 100)
	}
	switch {
	case in.RequestedIncrease <= in.MarketIncrease:
		out.Verdict = VerdictJustified
	case in.RequestedIncrease <= in.MarketIncrease*1.5:
		out.Verdict = VerdictPartiallyJustified
	default:
		out.Verdict = VerdictUnjustified
	}

	title := "Price Increase Justification"
	if in.Supplier != "" {
		title += ": " + in.Supplier
	}
	return out, title
}

// Scenario is one projected spend scenario.
type Scenario struct {
	Name           string  `json:"name"`
	Change         float64 `json:"change"`
	Probability    float64 `json:"probability"`
	ProjectedSpend float64 `json:"projectedSpend"`
	Delta          float64 `json:"delta"`
}

// ScenarioPlanner is the scenario_planner payload.
type ScenarioPlanner struct {
	BaseSpend     float64    `json:"baseSpend"`
	Scenarios     []Scenario `json:"scenarios"`
	ExpectedSpend float64    `json:"expectedSpend"`
}

// ArtifactType implements Payload.
func (ScenarioPlanner) ArtifactType() model.ArtifactType { return model.ArtifactScenarioPlanner }

func buildScenarioPlanner(c Context) (Payload, string) {
	var in scenarioData
	if !decode(c.WidgetData, &in) || in.BaseSpend == "" || len(in.Scenarios) == 0 {
		return nil, ""
	}
	base, err := model.ParseCurrency(in.BaseSpend)
	if err != nil {
		return nil, ""
	}

	out := ScenarioPlanner{BaseSpend: base}
	var weighted, probSum float64
	for _, s := range in.Scenarios {
		projected := round2(base * (1 + s.Change/100))
		out.Scenarios = append(out.Scenarios, Scenario{
			Name:           s.Name,
			Change:         s.Change,
			Probability:    s.Probability,
			ProjectedSpend: projected,
			Delta:          round2(projected - base),
		})
		weighted += projected * s.Probability
		probSum += s.Probability
	}
	out.ExpectedSpend = base
	if probSum > 0 {
		out.ExpectedSpend = round2(weighted / probSum)
	}
	return out, "Inflation Scenarios"
}

// Slide is one executive presentation slide.
type Slide struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
}

// ExecutivePresentation is the executive_presentation payload.
type ExecutivePresentation struct {
	Title         string  `json:"title"`
	Period        string  `json:"period"`
	TotalImpact   float64 `json:"totalImpact"`
	OverallChange float64 `json:"overallChange"`
	Slides        []Slide `json:"slides"`
}

// ArtifactType implements Payload.
func (ExecutivePresentation) ArtifactType() model.ArtifactType {
	return model.ArtifactExecutivePresentation
}

func buildExecutivePresentation(c Context) (Payload, string) {
	var in executiveData
	if !decode(c.WidgetData, &in) || in.TotalImpact == "" {
		return nil, ""
	}
	total, err := model.ParseCurrency(in.TotalImpact)
	if err != nil {
		return nil, ""
	}
	title := in.Title
	if title == "" {
		title = "Inflation Briefing"
	}

	out := ExecutivePresentation{
		Title:         title,
		Period:        in.Period,
		TotalImpact:   total,
		OverallChange: in.OverallChange,
		Slides: []Slide{{
			Title: "Summary",
			Bullets: []string{
				"Total cost impact: " + model.FormatSpend(total),
				"Overall price change: " + model.FormatPercent(in.OverallChange),
			},
		}},
	}
	if len(in.Highlights) > 0 {
		out.Slides = append(out.Slides, Slide{Title: "Key Highlights", Bullets: in.Highlights})
	}
	if len(in.Actions) > 0 {
		out.Slides = append(out.Slides, Slide{Title: "Recommended Actions", Bullets: in.Actions})
	}
	return out, title
}

// CommodityDashboard is the commodity_dashboard payload.
type CommodityDashboard struct {
	Name         string             `json:"name"`
	Unit         string             `json:"unit"`
	CurrentPrice float64            `json:"currentPrice"`
	Change30d    float64            `json:"change30d"`
	Change90d    float64            `json:"change90d"`
	History      []model.PricePoint `json:"history"`
	High         float64            `json:"high"`
	Low          float64            `json:"low"`
	Average      float64            `json:"average"`
	Trend        string             `json:"trend"`
}

// ArtifactType implements Payload.
func (CommodityDashboard) ArtifactType() model.ArtifactType {
	return model.ArtifactCommodityDashboard
}

// commodityFromWidgetData handles the two legacy commodity widget shapes:
// nested ({"commodity": {...}}) and flat ({"name", "price": "$2,450", "change"}).
func commodityFromWidgetData(raw json.RawMessage) (*model.Commodity, bool) {
	if len(raw) == 0 || !gjson.ValidBytes(raw) {
		return nil, false
	}
	if nested := gjson.GetBytes(raw, "commodity"); nested.IsObject() {
		var c model.Commodity
		if err := json.Unmarshal([]byte(nested.Raw), &c); err != nil || c.Name == "" {
			return nil, false
		}
		return &c, true
	}

	name := gjson.GetBytes(raw, "name").String()
	priceField := gjson.GetBytes(raw, "price")
	if name == "" || !priceField.Exists() {
		return nil, false
	}
	var price float64
	if priceField.Type == gjson.Number {
		price = priceField.Float()
	} else {
		p, err := model.ParseCurrency(priceField.String())
		if err != nil {
			return nil, false
		}
		price = p
	}
	c := &model.Commodity{
		Name:         name,
		Unit:         gjson.GetBytes(raw, "unit").String(),
		CurrentPrice: price,
		Change30d:    gjson.GetBytes(raw, "change").Float(),
		Change90d:    gjson.GetBytes(raw, "change90d").Float(),
	}
	for _, pt := range gjson.GetBytes(raw, "history").Array() {
		c.History = append(c.History, model.PricePoint{
			Date:  pt.Get("date").String(),
			Price: pt.Get("price").Float(),
		})
	}
	return c, true
}

func buildCommodityDashboard(c Context) (Payload, string) {
	com := c.Commodity
	if com == nil {
		var ok bool
		if com, ok = commodityFromWidgetData(c.WidgetData); !ok {
			return nil, ""
		}
	}

	d := CommodityDashboard{
		Name:         com.Name,
		Unit:         com.Unit,
		CurrentPrice: com.CurrentPrice,
		Change30d:    com.Change30d,
		Change90d:    com.Change90d,
		History:      append([]model.PricePoint{}, com.History...),
		High:         com.CurrentPrice,
		Low:          com.CurrentPrice,
	}
	sum := com.CurrentPrice
	for _, pt := range com.History {
		d.High = math.Max(d.High, pt.Price)
		d.Low = math.Min(d.Low, pt.Price)
		sum += pt.Price
	}
	d.Average = round2(sum / float64(len(com.History)+1))
	switch {
	case com.Change30d > 1:
		d.Trend = "rising"
	case com.Change30d < -1:
		d.Trend = "falling"
	default:
		d.Trend = "flat"
	}
	return d, titleCase(com.Name) + " Market Dashboard"
}
