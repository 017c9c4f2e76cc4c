package domain

import (
	"math"
	"time"
)

// FeatureStats is the running distribution of one baseline feature.
type FeatureStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Count  int64   `json:"count"`
}

// ZScore returns the deviation of v from the learned distribution.
// A fresh distribution (no observations) deviates by definition zero.
func (f FeatureStats) ZScore(v float64) float64 {
	if f.Count == 0 || f.StdDev == 0 {
		return 0
	}
	return (v - f.Mean) / f.StdDev
}

// Observe folds a new observation into the running mean/stddev (Welford).
func (f *FeatureStats) Observe(v float64) {
	f.Count++
	if f.Count == 1 {
		f.Mean = v
		f.StdDev = 0
		return
	}
	oldMean := f.Mean
	f.Mean += (v - oldMean) / float64(f.Count)
	// Running variance approximation; good enough for anomaly z-scores.
	variance := f.StdDev*f.StdDev*float64(f.Count-2)/float64(f.Count-1) +
		(v-oldMean)*(v-f.Mean)/float64(f.Count-1)
	if variance < 0 {
		variance = 0
	}
	f.StdDev = math.Sqrt(variance)
}

// BaselineProfile is a subject's learned normal-behavior profile plus its
// dynamic anomaly threshold. One per (tenant, subject), created lazily on
// the first signal and tuned weekly.
type BaselineProfile struct {
	SubjectID string `json:"subjectId"`
	TenantID  string `json:"tenantId"`

	// FeatureDistributions keys match feature names in the scoring vector.
	FeatureDistributions map[string]FeatureStats `json:"featureDistributions"`

	// DynamicThreshold is the fraud-probability cut above which a subject's
	// predictions escalate. Always within [MinThreshold, MaxThreshold].
	DynamicThreshold float64 `json:"dynamicThreshold"`

	FalsePositiveRate float64   `json:"falsePositiveRate"`
	LastTunedAt       time.Time `json:"lastTunedAt"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewBaselineProfile creates a lazily-initialized profile with the default
// threshold from config.
func NewBaselineProfile(tenantID, subjectID string, defaultThreshold float64) *BaselineProfile {
	now := time.Now().UTC()
	return &BaselineProfile{
		SubjectID:            subjectID,
		TenantID:             tenantID,
		FeatureDistributions: make(map[string]FeatureStats),
		DynamicThreshold:     defaultThreshold,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}
