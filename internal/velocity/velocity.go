// Package velocity provides signal rate calculation per subject.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/facilityops/vigil/internal/domain"
)

// Service reports how many signals a subject has produced within a trailing
// window. Dashboards use it to spot subjects suddenly emitting bursts of
// anomalies. Counts are cached briefly so repeated dashboard polls do not
// hammer the store.
type Service struct {
	repo     domain.Repository
	cache    domain.Cache
	cacheTTL time.Duration
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: 30 * time.Second,
	}
}

// GetSignalCount returns the number of signals for a subject within the
// trailing window of windowSecs seconds.
func (s *Service) GetSignalCount(ctx context.Context, tenantID, subjectID string, windowSecs int) (int64, error) {
	if tenantID == "" || subjectID == "" {
		return 0, fmt.Errorf("%w: tenantID and subjectID are required", domain.ErrValidation)
	}
	if windowSecs <= 0 {
		windowSecs = 3600
	}

	cacheKey := fmt.Sprintf("velocity:%s:%d", subjectID, windowSecs)
	if s.cache != nil {
		if raw, err := s.cache.Get(ctx, tenantID, cacheKey); err == nil && raw != nil {
			if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
				return n, nil
			}
		}
	}

	since := time.Now().UTC().Add(-time.Duration(windowSecs) * time.Second)
	signals, err := s.repo.GetSignalsBySubject(ctx, tenantID, subjectID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count signals: %w", err)
	}
	count := int64(len(signals))

	if s.cache != nil {
		_ = s.cache.Set(ctx, tenantID, cacheKey, []byte(strconv.FormatInt(count, 10)), s.cacheTTL)
	}

	return count, nil
}
