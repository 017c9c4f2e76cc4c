// Package scoring computes fraud probabilities for subject events, serving
// the active model with a weighted-rule heuristic fallback.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/facilityops/vigil/internal/baseline"
	"github.com/facilityops/vigil/internal/domain"
)

// Extractor builds the fixed-order feature vector for one triggering signal,
// reading deviation features from the subject's baseline profile and folding
// the raw observations back into it.
type Extractor struct {
	baselines *baseline.Manager
}

// NewExtractor creates a feature extractor.
func NewExtractor(baselines *baseline.Manager) *Extractor {
	return &Extractor{baselines: baselines}
}

// Extract computes the feature vector and its named map for a signal,
// optionally enriched with its correlated incident.
func (x *Extractor) Extract(ctx context.Context, tenantID string, sig *domain.Signal, inc *domain.CorrelatedIncident) (domain.FeatureVector, map[string]float64, error) {
	profile, err := x.baselines.GetOrCreate(ctx, tenantID, sig.SubjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	at := sig.OccurredAt.UTC()
	features := map[string]float64{
		"hour_of_day": float64(at.Hour()),
		"day_of_week": float64(at.Weekday()),
	}

	if at.Weekday() == time.Saturday || at.Weekday() == time.Sunday {
		features["is_weekend"] = 1
	} else {
		features["is_weekend"] = 0
	}
	features["is_holiday"] = payloadOr(sig, "is_holiday", 0)

	drift := payloadOr(sig, "gps_drift_meters", 0)
	features["gps_drift_meters"] = drift

	if v, ok := sig.PayloadFloat("location_consistency"); ok {
		features["location_consistency"] = clamp01(v)
	} else {
		// Without an upstream consistency score, derive one from drift.
		features["location_consistency"] = clamp01(1 - drift/500)
	}

	// Deviation features come from the subject's learned distributions.
	checkinMinute := float64(at.Hour()*60 + at.Minute())
	features["checkin_deviation_z"] = profile.FeatureDistributions["checkin_minute"].ZScore(checkinMinute)

	interval := payloadOr(sig, "interval_minutes", 0)
	features["interval_deviation_z"] = profile.FeatureDistributions["interval_minutes"].ZScore(interval)

	features["verification_confidence"] = clamp01(payloadOr(sig, "verification_confidence", 1))

	mismatches := payloadOr(sig, "mismatch_count", 0)
	if inc != nil && len(inc.SignalIDs) > 1 {
		mismatches += float64(len(inc.SignalIDs) - 1)
	}
	features["mismatch_count"] = mismatches

	// Fold raw observations into the baseline so future z-scores learn.
	observations := map[string]float64{
		"checkin_minute":   checkinMinute,
		"gps_drift_meters": drift,
	}
	if interval > 0 {
		observations["interval_minutes"] = interval
	}
	if _, err := x.baselines.ObserveFeatures(ctx, tenantID, sig.SubjectID, observations); err != nil {
		return nil, nil, fmt.Errorf("failed to update baseline: %w", err)
	}

	vector := make(domain.FeatureVector, len(domain.FeatureNames))
	for i, name := range domain.FeatureNames {
		vector[i] = features[name]
	}
	return vector, features, nil
}

func payloadOr(sig *domain.Signal, key string, def float64) float64 {
	if v, ok := sig.PayloadFloat(key); ok {
		return v
	}
	if b, ok := sig.Payload[key].(bool); ok {
		if b {
			return 1
		}
		return 0
	}
	return def
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
