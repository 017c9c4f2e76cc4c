package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/baseline"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

// Engine scores subject events. The model path is bounded by a hard timeout;
// on timeout or any model failure the heuristic path answers instead, so
// scoring always produces a prediction.
type Engine struct {
	repo      domain.Repository
	eventBus  domain.EventBus
	cfg       domain.ScoringConfig
	extractor *Extractor
	baselines *baseline.Manager
	models    *ModelCache
	heuristic *Heuristic
	logger    *slog.Logger
}

// ScoreRequest is one scoring trigger: the signal, optionally with the
// incident it correlated into.
type ScoreRequest struct {
	Signal   *domain.Signal             `json:"signal"`
	Incident *domain.CorrelatedIncident `json:"incident,omitempty"`
}

// NewEngine creates a scoring engine.
func NewEngine(repo domain.Repository, eventBus domain.EventBus, baselines *baseline.Manager, cfg domain.ScoringConfig, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rules := cfg.HeuristicRules
	if len(rules) == 0 {
		rules = domain.DefaultHeuristicRules()
	}
	heuristic, err := NewHeuristic(rules)
	if err != nil {
		return nil, fmt.Errorf("failed to build heuristic fallback: %w", err)
	}

	return &Engine{
		repo:      repo,
		eventBus:  eventBus,
		cfg:       cfg,
		extractor: NewExtractor(baselines),
		baselines: baselines,
		models:    NewModelCache(repo, cfg.ModelCacheTTL),
		heuristic: heuristic,
		logger:    logger,
	}, nil
}

// InvalidateModel drops the cached model for a tenant, called when a model
// activation event arrives.
func (e *Engine) InvalidateModel(tenantID string) {
	e.models.Invalidate(tenantID)
}

// HeuristicRuleCount returns the number of compiled fallback rules.
func (e *Engine) HeuristicRuleCount() int {
	return e.heuristic.RuleCount()
}

// Score produces a fraud prediction for the request and persists it.
func (e *Engine) Score(ctx context.Context, tenantID string, req *ScoreRequest) (*domain.FraudPrediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	sig := req.Signal
	if sig == nil {
		return nil, fmt.Errorf("%w: signal is required", domain.ErrValidation)
	}

	vector, features, err := e.extractor.Extract(ctx, tenantID, sig, req.Incident)
	if err != nil {
		return nil, err
	}

	pred := &domain.FraudPrediction{
		ID:            uuid.New().String(),
		TenantID:      tenantID,
		SubjectID:     sig.SubjectID,
		FeatureVector: vector,
		PredictedAt:   time.Now().UTC(),
	}
	if req.Incident != nil {
		pred.IncidentID = req.Incident.ID
	}

	probability, record, modelErr := e.scoreWithModel(ctx, tenantID, vector)
	if modelErr == nil {
		pred.Probability = probability
		pred.ModelVersion = record.Version
		pred.PredictionMethod = domain.PredictionMethodModel
		pred.RiskTier = domain.TierForProbability(probability, record.OptimalThreshold)
	} else {
		if !errors.Is(modelErr, domain.ErrModelUnavailable) && !errors.Is(modelErr, context.DeadlineExceeded) {
			e.logger.Warn("model scoring failed, using heuristic",
				"tenant_id", tenantID,
				"subject_id", sig.SubjectID,
				"error", modelErr,
			)
		}

		pred.Probability = e.heuristic.Score(features)
		pred.ModelVersion = "heuristic"
		pred.PredictionMethod = domain.PredictionMethodHeuristic

		threshold := e.cfg.DefaultThreshold
		if profile, err := e.baselines.GetOrCreate(ctx, tenantID, sig.SubjectID); err == nil {
			threshold = profile.DynamicThreshold
		}
		pred.RiskTier = domain.TierForProbability(pred.Probability, threshold)
	}

	err = repository.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		return e.repo.SavePrediction(ctx, tenantID, pred)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save prediction: %w", err)
	}

	data, _ := json.Marshal(pred)
	if err := e.eventBus.Publish(ctx, tenantID, domain.TopicPrediction, data); err != nil {
		e.logger.Error("failed to publish prediction",
			"tenant_id", tenantID,
			"prediction_id", pred.ID,
			"error", err,
		)
	}

	e.logger.Info("event scored",
		"tenant_id", tenantID,
		"subject_id", sig.SubjectID,
		"probability", pred.Probability,
		"risk_tier", pred.RiskTier,
		"method", pred.PredictionMethod,
	)

	return pred, nil
}

// scoreWithModel runs the model path under the hard score timeout.
func (e *Engine) scoreWithModel(ctx context.Context, tenantID string, vector domain.FeatureVector) (float64, *domain.ModelRecord, error) {
	timeout := e.cfg.ScoreTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	scoreCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		probability float64
		record      *domain.ModelRecord
		err         error
	}

	ch := make(chan result, 1)
	go func() {
		record, artifact, err := e.models.Active(scoreCtx, tenantID)
		if err != nil {
			ch <- result{err: err}
			return
		}
		p, err := artifact.Predict(vector)
		ch <- result{probability: p, record: record, err: err}
	}()

	select {
	case r := <-ch:
		return r.probability, r.record, r.err
	case <-scoreCtx.Done():
		return 0, nil, scoreCtx.Err()
	}
}
