package domain

import (
	"time"
)

// RiskTier is the discrete bucket derived from a continuous fraud probability.
type RiskTier string

const (
	TierLow      RiskTier = "LOW"
	TierMed      RiskTier = "MED"
	TierHigh     RiskTier = "HIGH"
	TierCritical RiskTier = "CRITICAL"
)

var tierRank = map[RiskTier]int{
	TierLow:      0,
	TierMed:      1,
	TierHigh:     2,
	TierCritical: 3,
}

// AtLeast reports whether t is at or above other.
func (t RiskTier) AtLeast(other RiskTier) bool {
	return tierRank[t] >= tierRank[other]
}

// Prediction method tags.
const (
	PredictionMethodModel     = "model"
	PredictionMethodHeuristic = "heuristic"
)

// Outcome labels assigned by a later feedback process.
const (
	OutcomeTruePositive  = "TRUE_POSITIVE"
	OutcomeFalsePositive = "FALSE_POSITIVE"
)

// FeatureNames is the fixed order of the scoring feature vector. The model
// artifact, the heuristic rules and the baseline distributions all index
// features by these names.
var FeatureNames = []string{
	"hour_of_day",
	"day_of_week",
	"is_weekend",
	"is_holiday",
	"gps_drift_meters",
	"location_consistency",
	"checkin_deviation_z",
	"interval_deviation_z",
	"verification_confidence",
	"mismatch_count",
}

// FeatureVector is a fixed-order numeric vector matching FeatureNames.
type FeatureVector []float64

// FraudPrediction is one scoring outcome for a subject event.
// OutcomeLabel is filled later by feedback and never mutated once set;
// re-labeling appends a new record.
type FraudPrediction struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	SubjectID string `json:"subjectId"`

	// IncidentID links the prediction to the incident that triggered it,
	// when one exists.
	IncidentID string `json:"incidentId,omitempty"`

	ModelVersion string `json:"modelVersion"`

	FeatureVector FeatureVector `json:"featureVector"`

	Probability float64  `json:"probability"`
	RiskTier    RiskTier `json:"riskTier"`

	PredictionMethod string `json:"predictionMethod"` // "model" or "heuristic"

	OutcomeLabel string `json:"outcomeLabel,omitempty"`

	PredictedAt time.Time `json:"predictedAt"`

	// Escalated marks that a ticket was created for this prediction.
	Escalated bool `json:"escalated"`
}

// TierForProbability maps a probability to a risk tier using the active
// model's optimal threshold as the HIGH cut. The MED cut sits halfway below
// it and CRITICAL halfway between the threshold and certainty.
func TierForProbability(p, optimalThreshold float64) RiskTier {
	if optimalThreshold <= 0 || optimalThreshold >= 1 {
		optimalThreshold = 0.5
	}
	switch {
	case p >= optimalThreshold+(1-optimalThreshold)/2:
		return TierCritical
	case p >= optimalThreshold:
		return TierHigh
	case p >= optimalThreshold/2:
		return TierMed
	default:
		return TierLow
	}
}
