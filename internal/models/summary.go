package models

import (
	"strings"
	"time"
)

// RiskLevel is the triage severity classification.
type RiskLevel string

const (
	RiskLow       RiskLevel = "low"
	RiskModerate  RiskLevel = "moderate"
	RiskHigh      RiskLevel = "high"
	RiskEmergency RiskLevel = "emergency"
)

// ParseRiskLevel normalizes s (trim, lower-case) and reports whether it names
// a known risk level.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	r := RiskLevel(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", false
	}
	return r, true
}

// Valid reports whether r is one of the four risk levels.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskModerate, RiskHigh, RiskEmergency:
		return true
	default:
		return false
	}
}

// Rank orders risk levels by severity, higher is more severe.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskEmergency:
		return 3
	case RiskHigh:
		return 2
	case RiskModerate:
		return 1
	default:
		return 0
	}
}

// EmptySymptom is the placeholder symptom of a summary with no data yet.
const EmptySymptom = "Belum ada data"

// Recommendation is the assistant's suggested next step.
type Recommendation struct {
	Type    string   `json:"type,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	OTC     []string `json:"otc,omitempty"`
	Urgency string   `json:"urgency,omitempty"`
}

// TriageSummary is the structured snapshot stored on a triage session.
type TriageSummary struct {
	RiskLevel      RiskLevel       `json:"riskLevel"`
	Symptoms       []string        `json:"symptoms"`
	Duration       string          `json:"duration"`
	Severity       string          `json:"severity,omitempty"`
	RedFlags       []string        `json:"redFlags"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// EmptySummary returns the seed summary of a new session.
func EmptySummary(now time.Time) TriageSummary {
	return TriageSummary{
		RiskLevel: RiskLow,
		Symptoms:  []string{EmptySymptom},
		Duration:  "",
		RedFlags:  []string{},
		UpdatedAt: now,
	}
}

// HasSymptoms reports whether the summary holds real symptoms rather than
// the empty placeholder.
func (s TriageSummary) HasSymptoms() bool {
	for _, symptom := range s.Symptoms {
		if symptom = strings.TrimSpace(symptom); symptom != "" && symptom != EmptySymptom {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so merges never alias the fallback's slices.
func (s TriageSummary) Clone() TriageSummary {
	out := s
	out.Symptoms = append([]string(nil), s.Symptoms...)
	out.RedFlags = append([]string{}, s.RedFlags...)
	if s.Recommendation != nil {
		rec := *s.Recommendation
		rec.OTC = append([]string(nil), s.Recommendation.OTC...)
		out.Recommendation = &rec
	}
	return out
}
