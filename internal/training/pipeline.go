package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
)

// Pipeline is the offline training job. A run extracts labeled prediction
// outcomes, fits a candidate model, validates it on a holdout split and
// promotes it only when it beats the active model. A candidate that fails
// validation is stored inactive and reported in the run summary; it never
// surfaces as an error to the caller.
type Pipeline struct {
	repo     domain.Repository
	eventBus domain.EventBus
	cfg      domain.TrainingConfig
	logger   *slog.Logger
}

// NewPipeline creates a training pipeline.
func NewPipeline(repo domain.Repository, eventBus domain.EventBus, cfg domain.TrainingConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinExamples <= 0 {
		cfg.MinExamples = 200
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 50
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.1
	}
	return &Pipeline{
		repo:     repo,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunResult is the summary of one training run.
type RunResult struct {
	TenantID string `json:"tenantId"`
	Version  string `json:"version,omitempty"`

	Examples  int  `json:"examples"`
	Positives int  `json:"positives"`
	Trained   bool `json:"trained"`
	Activated bool `json:"activated"`

	PRAUC               float64 `json:"prAuc"`
	PrecisionAt80Recall float64 `json:"precisionAt80Recall"`
	OptimalThreshold    float64 `json:"optimalThreshold"`

	// Reason explains a skipped run or a candidate kept inactive.
	Reason string `json:"reason,omitempty"`
}

type modelActivatedEvent struct {
	TenantID string  `json:"tenantId"`
	Version  string  `json:"version"`
	PRAUC    float64 `json:"prAuc"`
}

// Run executes one training cycle for a tenant.
func (p *Pipeline) Run(ctx context.Context, tenantID string) (*RunResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	result := &RunResult{TenantID: tenantID}

	labeled, err := p.repo.ListLabeledPredictions(ctx, tenantID, "", time.Unix(0, 0).UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to load labeled predictions: %w", err)
	}

	full := newDataset(labeled)
	result.Examples = full.size()
	result.Positives = full.positives()

	if full.size() < p.cfg.MinExamples {
		result.Reason = fmt.Sprintf("only %d labeled examples, need %d", full.size(), p.cfg.MinExamples)
		p.logger.Info("training skipped", "tenant_id", tenantID, "reason", result.Reason)
		return result, nil
	}
	if full.positives() == 0 || full.positives() == full.size() {
		result.Reason = "labeled examples contain a single class"
		p.logger.Info("training skipped", "tenant_id", tenantID, "reason", result.Reason)
		return result, nil
	}

	train, holdout := full.split(p.cfg.HoldoutFraction)

	version := fmt.Sprintf("v%s-%s", time.Now().UTC().Format("20060102"), uuid.New().String()[:8])
	artifact := trainBoostedStumps(train, p.cfg.Rounds, p.cfg.LearningRate, version)
	result.Trained = true
	result.Version = version

	ev := evaluate(artifact, holdout)
	result.PRAUC = ev.PRAUC
	result.PrecisionAt80Recall = ev.PrecisionAt80Recall
	result.OptimalThreshold = ev.OptimalThreshold

	data, err := artifact.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode artifact: %w", err)
	}
	if err := p.repo.SaveModelArtifact(ctx, tenantID, version, data); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	record := &domain.ModelRecord{
		Version:             version,
		TenantID:            tenantID,
		ArtifactRef:         version,
		PRAUC:               ev.PRAUC,
		PrecisionAt80Recall: ev.PrecisionAt80Recall,
		OptimalThreshold:    ev.OptimalThreshold,
		CreatedAt:           time.Now().UTC(),
	}
	if err := p.repo.SaveModel(ctx, tenantID, record); err != nil {
		return nil, fmt.Errorf("failed to register model: %w", err)
	}

	if reason, ok := p.shouldActivate(ctx, tenantID, ev); !ok {
		result.Reason = fmt.Sprintf("%v: %s", domain.ErrTrainingValidation, reason)
		p.logger.Warn("candidate model kept inactive",
			"tenant_id", tenantID,
			"version", version,
			"pr_auc", ev.PRAUC,
			"reason", reason,
		)
		return result, nil
	}

	if err := p.repo.ActivateModel(ctx, tenantID, version); err != nil {
		return nil, fmt.Errorf("failed to activate model: %w", err)
	}
	result.Activated = true

	p.publishActivation(ctx, tenantID, version, ev.PRAUC)

	p.logger.Info("model activated",
		"tenant_id", tenantID,
		"version", version,
		"pr_auc", ev.PRAUC,
		"precision_at_80_recall", ev.PrecisionAt80Recall,
		"optimal_threshold", ev.OptimalThreshold,
		"examples", result.Examples,
	)
	return result, nil
}

// shouldActivate gates promotion: the candidate must produce a usable
// precision/recall curve, beat the incumbent's PR-AUC and hold its
// precision at 80% recall. A win on one metric alone never promotes.
func (p *Pipeline) shouldActivate(ctx context.Context, tenantID string, ev evaluation) (string, bool) {
	if ev.PRAUC <= 0 {
		return "holdout PR-AUC is zero", false
	}

	active, err := p.repo.GetActiveModel(ctx, tenantID)
	if err != nil {
		// No incumbent means any valid candidate wins.
		return "", true
	}
	if ev.PRAUC <= active.PRAUC {
		return fmt.Sprintf("PR-AUC %.4f does not beat active %s at %.4f", ev.PRAUC, active.Version, active.PRAUC), false
	}
	if ev.PrecisionAt80Recall < active.PrecisionAt80Recall {
		return fmt.Sprintf("precision@80recall %.4f is below active %s at %.4f",
			ev.PrecisionAt80Recall, active.Version, active.PrecisionAt80Recall), false
	}
	return "", true
}

func (p *Pipeline) publishActivation(ctx context.Context, tenantID, version string, prAUC float64) {
	if p.eventBus == nil {
		return
	}
	payload, err := json.Marshal(modelActivatedEvent{TenantID: tenantID, Version: version, PRAUC: prAUC})
	if err != nil {
		return
	}
	if err := p.eventBus.Publish(ctx, tenantID, domain.TopicModelActivated, payload); err != nil {
		p.logger.Warn("failed to publish model activation", "tenant_id", tenantID, "version", version, "error", err)
	}
}

// RunAll trains every tenant in sequence, collecting per-tenant summaries.
func (p *Pipeline) RunAll(ctx context.Context, tenantIDs []string) ([]*RunResult, error) {
	var results []*RunResult
	for _, tenantID := range tenantIDs {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		res, err := p.Run(ctx, tenantID)
		if err != nil {
			p.logger.Error("training run failed", "tenant_id", tenantID, "error", err)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
