// Package collector ingests raw events from the monitored domain systems,
// normalizes them into signals and hands them to the pipeline.
package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

// Collector validates, normalizes and persists incoming signals, then
// publishes them for downstream correlation and scoring.
type Collector struct {
	repo     domain.Repository
	cache    domain.Cache
	eventBus domain.EventBus
	adapters map[domain.SignalSource]SourceAdapter
	logger   *slog.Logger

	mu    sync.Mutex
	stats map[string]*SourceStats
}

// SourceStats counts collection outcomes per (tenant, source) since start.
type SourceStats struct {
	Accepted   int64 `json:"accepted"`
	Duplicates int64 `json:"duplicates"`
	Rejected   int64 `json:"rejected"`
	Failed     int64 `json:"failed"`
}

// BatchError reports one rejected entry of a batch by position.
type BatchError struct {
	Index  int                 `json:"index"`
	Source domain.SignalSource `json:"source"`
	Error  string              `json:"error"`
}

// BatchResult summarizes a batch collection.
type BatchResult struct {
	Accepted   int          `json:"accepted"`
	Duplicates int          `json:"duplicates"`
	Rejected   int          `json:"rejected"`
	Errors     []BatchError `json:"errors,omitempty"`
}

// New creates a collector with the default source adapters.
func New(repo domain.Repository, cache domain.Cache, eventBus domain.EventBus, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		repo:     repo,
		cache:    cache,
		eventBus: eventBus,
		adapters: DefaultAdapters(),
		logger:   logger,
		stats:    make(map[string]*SourceStats),
	}
}

// Collect processes one signal: validate, normalize, persist idempotently
// and publish. Returns the stored signal and whether it was newly inserted;
// redelivered events return the original with inserted=false.
func (c *Collector) Collect(ctx context.Context, tenantID string, req *domain.SignalRequest) (*domain.Signal, bool, error) {
	if tenantID == "" {
		return nil, false, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	if err := req.Validate(); err != nil {
		c.count(tenantID, req.Source, func(s *SourceStats) { s.Rejected++ })
		return nil, false, err
	}

	adapter, ok := c.adapters[req.Source]
	if !ok {
		c.count(tenantID, req.Source, func(s *SourceStats) { s.Rejected++ })
		return nil, false, fmt.Errorf("%w: no adapter for source %q", domain.ErrValidation, req.Source)
	}
	if req.Payload == nil {
		req.Payload = map[string]interface{}{}
	}
	if err := adapter.Normalize(req); err != nil {
		c.count(tenantID, req.Source, func(s *SourceStats) { s.Rejected++ })
		return nil, false, err
	}

	sig := req.ToSignal(tenantID, uuid.New().String())

	var inserted bool
	err := repository.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
		var saveErr error
		inserted, saveErr = c.repo.SaveSignal(ctx, tenantID, sig)
		return saveErr
	})
	if err != nil {
		c.count(tenantID, req.Source, func(s *SourceStats) { s.Failed++ })
		return nil, false, fmt.Errorf("failed to save signal: %w", err)
	}

	if !inserted {
		c.count(tenantID, req.Source, func(s *SourceStats) { s.Duplicates++ })
		c.logger.Debug("duplicate signal ignored",
			"tenant_id", tenantID,
			"source", sig.Source,
			"source_event_id", sig.SourceEventID,
		)
		return sig, false, nil
	}

	c.count(tenantID, req.Source, func(s *SourceStats) { s.Accepted++ })

	if c.cache != nil {
		if _, err := c.cache.IncrementCounter(ctx, tenantID, "signals:"+sig.SubjectID, time.Minute); err != nil {
			c.logger.Warn("signal rate counter failed", "error", err)
		}
	}

	data, _ := json.Marshal(sig)
	if err := c.eventBus.Publish(ctx, tenantID, domain.TopicSignalIngested, data); err != nil {
		c.logger.Error("failed to publish signal",
			"tenant_id", tenantID,
			"signal_id", sig.ID,
			"error", err,
		)
	}

	return sig, true, nil
}

// CollectBatch processes a batch, isolating per-entry failures so one bad
// event never blocks the rest.
func (c *Collector) CollectBatch(ctx context.Context, tenantID string, reqs []*domain.SignalRequest) *BatchResult {
	result := &BatchResult{}
	for i, req := range reqs {
		_, inserted, err := c.Collect(ctx, tenantID, req)
		switch {
		case err != nil:
			result.Rejected++
			result.Errors = append(result.Errors, BatchError{Index: i, Source: req.Source, Error: err.Error()})
		case inserted:
			result.Accepted++
		default:
			result.Duplicates++
		}
	}
	return result
}

// SourceBatch is one source's share of a re-collection pass.
type SourceBatch struct {
	Signals []*domain.Signal `json:"signals"`
	Error   string           `json:"error,omitempty"`
}

// CollectionRun is the result of one cursor-based pass over all known
// sources. Cursor is the restart point for the next pass.
type CollectionRun struct {
	Since   time.Time                            `json:"since"`
	Cursor  time.Time                            `json:"cursor"`
	Count   int                                  `json:"count"`
	Sources map[domain.SignalSource]*SourceBatch `json:"sources"`
}

// CollectSince drains each source's signals recorded strictly after the
// cursor, a finite sequence restartable from the returned Cursor. A failing
// source leaves its error in the report without aborting the others.
func (c *Collector) CollectSince(ctx context.Context, tenantID string, since time.Time, limit int) (*CollectionRun, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}
	if limit <= 0 {
		limit = 500
	}

	run := &CollectionRun{
		Since:   since,
		Cursor:  since,
		Sources: make(map[domain.SignalSource]*SourceBatch, len(domain.KnownSources)),
	}

	for _, src := range domain.KnownSources {
		batch := &SourceBatch{}
		run.Sources[src] = batch

		signals, err := c.repo.ListSignalsBySource(ctx, tenantID, src, since, limit)
		if err != nil {
			batch.Error = err.Error()
			c.logger.Error("collection pass failed for source",
				"tenant_id", tenantID,
				"source", src,
				"error", err,
			)
			continue
		}

		batch.Signals = signals
		run.Count += len(signals)
		for _, sig := range signals {
			if sig.CreatedAt.After(run.Cursor) {
				run.Cursor = sig.CreatedAt
			}
		}
	}

	return run, nil
}

// Report returns per-source collection stats for a tenant.
func (c *Collector) Report(tenantID string) map[domain.SignalSource]SourceStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := make(map[domain.SignalSource]SourceStats)
	for _, src := range domain.KnownSources {
		if s, ok := c.stats[tenantID+":"+string(src)]; ok {
			report[src] = *s
		} else {
			report[src] = SourceStats{}
		}
	}
	return report
}

func (c *Collector) count(tenantID string, source domain.SignalSource, fn func(*SourceStats)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := tenantID + ":" + string(source)
	s, ok := c.stats[key]
	if !ok {
		s = &SourceStats{}
		c.stats[key] = s
	}
	fn(s)
}
