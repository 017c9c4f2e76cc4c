package scoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

// activeModel pairs a decoded artifact with its registry record.
type activeModel struct {
	record   *domain.ModelRecord
	artifact *Artifact
	loadedAt time.Time
}

// ModelCache caches the per-tenant active model with bounded staleness.
// Activation events invalidate entries early; otherwise entries expire
// after the TTL.
type ModelCache struct {
	repo domain.Repository
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]*activeModel
}

// NewModelCache creates a model cache.
func NewModelCache(repo domain.Repository, ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ModelCache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]*activeModel),
	}
}

// Active returns the tenant's active model, loading it on miss or expiry.
// Returns ErrModelUnavailable when the tenant has no active model.
func (c *ModelCache) Active(ctx context.Context, tenantID string) (*domain.ModelRecord, *Artifact, error) {
	c.mu.RLock()
	entry, ok := c.entries[tenantID]
	c.mu.RUnlock()

	if ok && time.Since(entry.loadedAt) < c.ttl {
		return entry.record, entry.artifact, nil
	}

	record, err := c.repo.GetActiveModel(ctx, tenantID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: no active model for tenant", domain.ErrModelUnavailable)
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrModelUnavailable, err)
	}

	data, err := c.repo.GetModelArtifact(ctx, tenantID, record.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: artifact load failed: %v", domain.ErrModelUnavailable, err)
	}

	artifact, err := DecodeArtifact(data)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.entries[tenantID] = &activeModel{
		record:   record,
		artifact: artifact,
		loadedAt: time.Now(),
	}
	c.mu.Unlock()

	return record, artifact, nil
}

// Invalidate drops a tenant's cached model; called on activation events.
func (c *ModelCache) Invalidate(tenantID string) {
	c.mu.Lock()
	delete(c.entries, tenantID)
	c.mu.Unlock()
}
