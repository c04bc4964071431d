package model

import (
	"strings"
	"time"
)

// RiskLevel is the banded form of a supplier risk score.
type RiskLevel string

const (
	RiskLevelHigh       RiskLevel = "high"
	RiskLevelMediumHigh RiskLevel = "medium-high"
	RiskLevelMedium     RiskLevel = "medium"
	RiskLevelLow        RiskLevel = "low"
	RiskLevelUnrated    RiskLevel = "unrated"
)

// RiskTrend describes the direction of a score between two snapshots.
type RiskTrend string

const (
	TrendImproving RiskTrend = "improving"
	TrendStable    RiskTrend = "stable"
	TrendWorsening RiskTrend = "worsening"
)

// Criticality describes how important a supplier is to the buyer.
type Criticality string

const (
	CriticalityHigh   Criticality = "high"
	CriticalityMedium Criticality = "medium"
	CriticalityLow    Criticality = "low"
)

// Level cutoffs. A score of exactly 0 means the supplier has not been rated.
const (
	highCutoff       = 75
	mediumHighCutoff = 60
	mediumCutoff     = 40
)

// LevelFromScore maps a 0-100 supplier risk score to its band.
func LevelFromScore(score float64) RiskLevel {
	switch {
	case score >= highCutoff:
		return RiskLevelHigh
	case score >= mediumHighCutoff:
		return RiskLevelMediumHigh
	case score >= mediumCutoff:
		return RiskLevelMedium
	case score > 0:
		return RiskLevelLow
	default:
		return RiskLevelUnrated
	}
}

// Location is where a supplier operates from.
type Location struct {
	City    string `json:"city" yaml:"city"`
	Country string `json:"country" yaml:"country"`
	Region  string `json:"region" yaml:"region"`
}

// ScorePoint is one entry in a supplier's score history.
type ScorePoint struct {
	Date  time.Time `json:"date" yaml:"date"`
	Score float64   `json:"score" yaml:"score"`
}

// RiskScore is the supplier risk score (SRS) snapshot.
type RiskScore struct {
	Score         float64      `json:"score" yaml:"score"`
	PreviousScore *float64     `json:"previousScore,omitempty" yaml:"previous_score"`
	Level         RiskLevel    `json:"level" yaml:"level"`
	Trend         RiskTrend    `json:"trend" yaml:"trend"`
	LastUpdated   time.Time    `json:"lastUpdated" yaml:"last_updated"`
	Factors       []RiskFactor `json:"factors" yaml:"factors"`
	ScoreHistory  []ScorePoint `json:"scoreHistory,omitempty" yaml:"score_history"`
}

// Change returns current minus previous score, or 0 when there is no previous score.
func (r RiskScore) Change() float64 {
	if r.PreviousScore == nil {
		return 0
	}
	return r.Score - *r.PreviousScore
}

// Supplier is a read-only supplier snapshot.
type Supplier struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Category    string      `json:"category" yaml:"category"`
	Industry    string      `json:"industry" yaml:"industry"`
	Location    Location    `json:"location" yaml:"location"`
	Spend       float64     `json:"spend" yaml:"spend"`
	Criticality Criticality `json:"criticality" yaml:"criticality"`
	IsFollowed  bool        `json:"isFollowed" yaml:"is_followed"`
	SRS         RiskScore   `json:"srs" yaml:"srs"`
}

// Normalize recomputes derived fields so the level always agrees with the score.
func (s *Supplier) Normalize() {
	s.SRS.Level = LevelFromScore(s.SRS.Score)
	if s.SRS.Trend == "" {
		switch change := s.SRS.Change(); {
		case change > 0:
			// Higher score means higher risk.
			s.SRS.Trend = TrendWorsening
		case change < 0:
			s.SRS.Trend = TrendImproving
		default:
			s.SRS.Trend = TrendStable
		}
	}
}

// FindSupplier returns the supplier with the given id or name (case-insensitive on name).
func FindSupplier(suppliers []Supplier, idOrName string) (Supplier, bool) {
	for _, s := range suppliers {
		if s.ID == idOrName || strings.EqualFold(s.Name, idOrName) {
			return s, true
		}
	}
	return Supplier{}, false
}
