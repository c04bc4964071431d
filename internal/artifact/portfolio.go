package artifact

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/sells-group/abi-engine/internal/model"
)

// TrendCounts tallies recent score movements.
type TrendCounts struct {
	Worsened int `json:"worsened"`
	Improved int `json:"improved"`
}

// Mover is a supplier whose score moved.
type Mover struct {
	SupplierID   string                `json:"supplierId"`
	SupplierName string                `json:"supplierName"`
	From         float64               `json:"from"`
	To           float64               `json:"to"`
	Change       float64               `json:"change"`
	Direction    model.ChangeDirection `json:"direction"`
}

// Alert is a portfolio alert raised by a worsened score.
type Alert struct {
	SupplierID   string          `json:"supplierId"`
	SupplierName string          `json:"supplierName"`
	Message      string          `json:"message"`
	Severity     string          `json:"severity"`
	Level        model.RiskLevel `json:"level"`
	Date         time.Time       `json:"date"`
}

// PortfolioDashboard is the portfolio_dashboard payload.
type PortfolioDashboard struct {
	TotalSuppliers int                `json:"totalSuppliers"`
	TotalSpend     float64            `json:"totalSpend"`
	SpendFormatted string             `json:"spendFormatted"`
	Distribution   model.Distribution `json:"distribution"`
	Trends         TrendCounts        `json:"trends"`
	TopMovers      []Mover            `json:"topMovers"`
	Alerts         []Alert            `json:"alerts"`
}

// ArtifactType implements Payload.
func (PortfolioDashboard) ArtifactType() model.ArtifactType {
	return model.ArtifactPortfolioDashboard
}

// maxMovers caps the top movers list.
const maxMovers = 5

func buildPortfolioDashboard(c Context) (Payload, string) {
	if c.Portfolio == nil {
		return nil, ""
	}
	p := c.Portfolio
	changes := p.RecentChanges
	if len(changes) == 0 {
		changes = c.RiskChanges
	}

	d := PortfolioDashboard{
		TotalSuppliers: p.TotalSuppliers,
		TotalSpend:     p.TotalSpend,
		SpendFormatted: model.FormatSpend(p.TotalSpend),
		Distribution:   p.Distribution,
		TopMovers:      []Mover{},
		Alerts:         []Alert{},
	}

	for _, ch := range changes {
		ch.Normalize()
		switch ch.Direction {
		case model.ChangeWorsened:
			d.Trends.Worsened++
			severity := "warning"
			if ch.CurrentLevel == model.RiskLevelHigh {
				severity = "critical"
			}
			d.Alerts = append(d.Alerts, Alert{
				SupplierID:   ch.SupplierID,
				SupplierName: ch.SupplierName,
				Message: fmt.Sprintf("%s risk worsened from %.0f to %.0f",
					ch.SupplierName, ch.PreviousScore, ch.CurrentScore),
				Severity: severity,
				Level:    ch.CurrentLevel,
				Date:     ch.Date,
			})
		case model.ChangeImproved:
			d.Trends.Improved++
		}
		d.TopMovers = append(d.TopMovers, Mover{
			SupplierID:   ch.SupplierID,
			SupplierName: ch.SupplierName,
			From:         ch.PreviousScore,
			To:           ch.CurrentScore,
			Change:       ch.CurrentScore - ch.PreviousScore,
			Direction:    ch.Direction,
		})
	}

	sort.SliceStable(d.TopMovers, func(i, j int) bool {
		ai, aj := math.Abs(d.TopMovers[i].Change), math.Abs(d.TopMovers[j].Change)
		if ai != aj {
			return ai > aj
		}
		return d.TopMovers[i].SupplierName < d.TopMovers[j].SupplierName
	})
	if len(d.TopMovers) > maxMovers {
		d.TopMovers = d.TopMovers[:maxMovers]
	}

	return d, "Portfolio Risk Overview"
}

func buildReport(c Context) (Payload, string) {
	if c.Report == nil {
		return nil, ""
	}
	return reportPayload(*c.Report), c.Report.Title
}

// ReportPayload is the deep_research_report payload.
type ReportPayload model.Report

// ArtifactType implements Payload.
func (ReportPayload) ArtifactType() model.ArtifactType { return model.ArtifactDeepResearchReport }

func reportPayload(r model.Report) ReportPayload {
	r.Sources = append([]model.Source(nil), r.Sources...)
	r.Sections = append([]model.ReportSection(nil), r.Sections...)
	return ReportPayload(r)
}
