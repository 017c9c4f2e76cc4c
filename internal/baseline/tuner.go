package baseline

import (
	"context"
	"log/slog"
	"time"

	"github.com/facilityops/vigil/internal/domain"
)

// Tuner adjusts each subject's dynamic threshold from labeled prediction
// outcomes. Runs on a fixed interval; a cycle that finds no new labels
// leaves thresholds untouched.
type Tuner struct {
	repo   domain.Repository
	cfg    domain.BaselineConfig
	logger *slog.Logger
}

// TuneResult summarizes one subject's tuning decision.
type TuneResult struct {
	SubjectID     string  `json:"subjectId"`
	OldThreshold  float64 `json:"oldThreshold"`
	NewThreshold  float64 `json:"newThreshold"`
	FPRate        float64 `json:"fpRate"`
	LabeledCount  int     `json:"labeledCount"`
	Skipped       bool    `json:"skipped"`
	SkippedReason string  `json:"skippedReason,omitempty"`
}

// NewTuner creates a threshold tuner.
func NewTuner(repo domain.Repository, cfg domain.BaselineConfig, logger *slog.Logger) *Tuner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tuner{repo: repo, cfg: cfg, logger: logger}
}

// TuneSubject recomputes one subject's threshold from its trailing labeled
// outcomes. Every adjustment is bounded by ThresholdStep and clamped to
// [MinThreshold, MaxThreshold]. Running twice in the same cycle is a no-op.
func (t *Tuner) TuneSubject(ctx context.Context, tenantID, subjectID string, now time.Time) (*TuneResult, error) {
	profile, err := t.repo.GetBaseline(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	result := &TuneResult{
		SubjectID:    subjectID,
		OldThreshold: profile.DynamicThreshold,
		NewThreshold: profile.DynamicThreshold,
	}

	if !profile.LastTunedAt.IsZero() && now.Sub(profile.LastTunedAt) < t.cfg.TuneInterval {
		result.Skipped = true
		result.SkippedReason = "already tuned this cycle"
		return result, nil
	}

	labeled, err := t.repo.ListLabeledPredictions(ctx, tenantID, subjectID, now.Add(-t.cfg.TrailingWindow))
	if err != nil {
		return nil, err
	}

	if len(labeled) == 0 {
		result.Skipped = true
		result.SkippedReason = "no labeled outcomes in trailing window"
		return result, nil
	}

	// A cycle with no label newer than the last tune is a no-op; stepping
	// again from the same evidence would walk the threshold to a bound.
	if !profile.LastTunedAt.IsZero() && !hasFreshLabel(labeled, profile.LastTunedAt) {
		result.Skipped = true
		result.SkippedReason = "no new labeled outcomes since last tuning"
		return result, nil
	}

	falsePositives := 0
	for _, p := range labeled {
		if p.OutcomeLabel == domain.OutcomeFalsePositive {
			falsePositives++
		}
	}
	fpRate := float64(falsePositives) / float64(len(labeled))

	threshold := profile.DynamicThreshold
	switch {
	case fpRate > t.cfg.TargetFPRate:
		threshold += t.cfg.ThresholdStep
	case fpRate < t.cfg.LowerFPRate:
		threshold -= t.cfg.ThresholdStep
	}
	threshold = clamp(threshold, t.cfg.MinThreshold, t.cfg.MaxThreshold)

	profile.DynamicThreshold = threshold
	profile.FalsePositiveRate = fpRate
	profile.LastTunedAt = now
	profile.UpdatedAt = now

	if err := t.repo.SaveBaseline(ctx, tenantID, profile); err != nil {
		return nil, err
	}

	result.NewThreshold = threshold
	result.FPRate = fpRate
	result.LabeledCount = len(labeled)

	// Audit trail: every threshold move is logged with its evidence.
	t.logger.Info("threshold tuned",
		"tenant_id", tenantID,
		"subject_id", subjectID,
		"old_threshold", result.OldThreshold,
		"new_threshold", threshold,
		"fp_rate", fpRate,
		"labeled_count", len(labeled),
	)

	return result, nil
}

// TuneAll tunes every subject with a baseline, honoring cancellation
// between subjects so a long sweep can stop promptly.
func (t *Tuner) TuneAll(ctx context.Context, tenantID string, now time.Time) ([]*TuneResult, error) {
	subjects, err := t.repo.ListBaselineSubjects(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	results := make([]*TuneResult, 0, len(subjects))
	for _, subjectID := range subjects {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res, err := t.TuneSubject(ctx, tenantID, subjectID, now)
		if err != nil {
			t.logger.Error("tuning failed",
				"tenant_id", tenantID,
				"subject_id", subjectID,
				"error", err,
			)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// Run executes the tuning loop until the context is cancelled.
func (t *Tuner) Run(ctx context.Context, tenantIDs []string) {
	interval := t.cfg.TuneInterval
	if interval <= 0 {
		interval = 7 * 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, tenantID := range tenantIDs {
				if _, err := t.TuneAll(ctx, tenantID, now.UTC()); err != nil {
					t.logger.Error("tuning sweep failed", "tenant_id", tenantID, "error", err)
				}
			}
		}
	}
}

func hasFreshLabel(labeled []*domain.FraudPrediction, lastTunedAt time.Time) bool {
	for _, p := range labeled {
		if p.PredictedAt.After(lastTunedAt) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
