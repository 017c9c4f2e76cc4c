// Package baseline maintains per-subject behavior profiles and the
// self-tuning dynamic threshold loop.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

// Manager reads and updates baseline profiles. Profiles are created lazily
// on a subject's first observation.
type Manager struct {
	repo             domain.Repository
	defaultThreshold float64
	logger           *slog.Logger
}

// NewManager creates a baseline manager.
func NewManager(repo domain.Repository, defaultThreshold float64, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultThreshold <= 0 || defaultThreshold >= 1 {
		defaultThreshold = 0.7
	}
	return &Manager{
		repo:             repo,
		defaultThreshold: defaultThreshold,
		logger:           logger,
	}
}

// GetOrCreate returns the subject's profile, creating a fresh one with the
// default threshold on first contact.
func (m *Manager) GetOrCreate(ctx context.Context, tenantID, subjectID string) (*domain.BaselineProfile, error) {
	profile, err := m.repo.GetBaseline(ctx, tenantID, subjectID)
	if err == nil {
		return profile, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load baseline: %w", err)
	}

	profile = domain.NewBaselineProfile(tenantID, subjectID, m.defaultThreshold)
	if err := m.repo.SaveBaseline(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("failed to create baseline: %w", err)
	}
	return profile, nil
}

// ObserveFeatures folds one feature observation into the subject's running
// distributions and persists the profile.
func (m *Manager) ObserveFeatures(ctx context.Context, tenantID, subjectID string, features map[string]float64) (*domain.BaselineProfile, error) {
	profile, err := m.GetOrCreate(ctx, tenantID, subjectID)
	if err != nil {
		return nil, err
	}

	for name, v := range features {
		stats := profile.FeatureDistributions[name]
		stats.Observe(v)
		profile.FeatureDistributions[name] = stats
	}
	profile.UpdatedAt = time.Now().UTC()

	if err := m.repo.SaveBaseline(ctx, tenantID, profile); err != nil {
		return nil, fmt.Errorf("failed to save baseline: %w", err)
	}
	return profile, nil
}
