package model

import (
	"math"
	"strings"
	"time"
)

// RiskLevel is the banded dropout risk derived from a score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// Risk band thresholds. A score equal to a threshold falls in the upper band.
const (
	MediumRiskThreshold = 0.3
	HighRiskThreshold   = 0.7
)

// LevelForScore maps a score in [0, 1] to its band.
func LevelForScore(score float64) RiskLevel {
	switch {
	case score < MediumRiskThreshold:
		return RiskLow
	case score < HighRiskThreshold:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ParseRiskLevel matches s case-insensitively. Empty input parses as "".
func ParseRiskLevel(s string) (RiskLevel, error) {
	if s == "" {
		return "", nil
	}
	for _, l := range []RiskLevel{RiskLow, RiskMedium, RiskHigh} {
		if strings.EqualFold(s, string(l)) {
			return l, nil
		}
	}
	return "", invalid("risk_level", "unknown level %q", s)
}

// Rank orders levels for comparisons; unknown levels rank below Low.
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	default:
		return 0
	}
}

// NeedsSupport reports whether the level warrants the support stages.
func (l RiskLevel) NeedsSupport() bool {
	return l == RiskMedium || l == RiskHigh
}

// ValidateScore rejects scores outside [0, 1].
func ValidateScore(score float64) error {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return invalid("risk_score", "%v is outside [0.0, 1.0]", score)
	}
	return nil
}

// RiskProfile is the current risk assessment of a subject.
type RiskProfile struct {
	SubjectID   string    `json:"student_id"`
	Score       float64   `json:"risk_score"`
	Level       RiskLevel `json:"risk_level"`
	Factors     []string  `json:"risk_factors"`
	LastUpdated time.Time `json:"last_updated"`
}

// UpdateScore is the only mutator of a profile: it sets the score and
// factors and recomputes the level and timestamp together.
func (p *RiskProfile) UpdateScore(score float64, factors []string, now time.Time) error {
	if err := ValidateScore(score); err != nil {
		return err
	}
	p.Score = score
	p.Factors = append([]string(nil), factors...)
	if p.Factors == nil {
		p.Factors = []string{}
	}
	p.Level = LevelForScore(score)
	p.LastUpdated = now.UTC()
	return nil
}
