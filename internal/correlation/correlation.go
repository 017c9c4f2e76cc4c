// Package correlation groups related signals into incidents using
// subject-scoped sliding time windows.
package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
)

const lockStripes = 64

// Engine correlates signals into incidents. Concurrent signals for the same
// subject serialize on a striped lock so window matching stays consistent.
type Engine struct {
	repo     domain.Repository
	eventBus domain.EventBus
	cfg      domain.CorrelationConfig
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex
}

// IncidentEvent is the bus payload for incident lifecycle changes.
type IncidentEvent struct {
	Incident *domain.CorrelatedIncident `json:"incident"`
	Opened   bool                       `json:"opened"`
	Closed   bool                       `json:"closed"`
}

// NewEngine creates a correlation engine.
func NewEngine(repo domain.Repository, eventBus domain.EventBus, cfg domain.CorrelationConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		repo:     repo,
		eventBus: eventBus,
		cfg:      cfg,
		logger:   logger,
	}
}

// IncidentTypeFor maps a signal source to the incident type it feeds.
func IncidentTypeFor(source domain.SignalSource) string {
	switch source {
	case domain.SourceAttendance:
		return "attendance-anomaly"
	case domain.SourceTour:
		return "patrol-gap"
	case domain.SourceGPS:
		return "location-anomaly"
	default:
		return "operational-anomaly"
	}
}

// Process folds one signal into an open incident or opens a new one.
// Closed incidents are immutable; a late signal for a closed window opens a
// fresh incident rather than reopening the old one.
func (e *Engine) Process(ctx context.Context, tenantID string, sig *domain.Signal) (*domain.CorrelatedIncident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	lock := e.lockFor(tenantID, sig.SubjectID)
	lock.Lock()
	defer lock.Unlock()

	incidentType := IncidentTypeFor(sig.Source)

	open, err := e.repo.GetOpenIncidents(ctx, tenantID, sig.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load open incidents: %w", err)
	}

	// Incidents group by subject and window, not by source: a GPS drift and
	// a missed checkpoint in the same window belong to one incident.
	// GetOpenIncidents returns most-recently-opened first; the first
	// covering incident wins ties.
	for _, inc := range open {
		if !inc.Covers(sig.OccurredAt, e.cfg.Slack) {
			continue
		}
		return e.appendSignal(ctx, tenantID, inc, sig)
	}

	return e.openIncident(ctx, tenantID, incidentType, sig)
}

func (e *Engine) openIncident(ctx context.Context, tenantID, incidentType string, sig *domain.Signal) (*domain.CorrelatedIncident, error) {
	now := time.Now().UTC()
	window := e.cfg.WindowFor(incidentType)

	inc := &domain.CorrelatedIncident{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SubjectID:    sig.SubjectID,
		SignalIDs:    []string{sig.ID},
		WindowStart:  sig.OccurredAt,
		WindowEnd:    sig.OccurredAt.Add(window),
		IncidentType: incidentType,
		OpenedAt:     now,
		LastSignalAt: sig.OccurredAt,
	}
	inc.Severity = e.severityFor(ctx, tenantID, inc)

	if err := e.repo.SaveIncident(ctx, tenantID, inc); err != nil {
		return nil, fmt.Errorf("failed to save incident: %w", err)
	}

	e.logger.Info("incident opened",
		"tenant_id", tenantID,
		"incident_id", inc.ID,
		"subject_id", inc.SubjectID,
		"incident_type", incidentType,
		"severity", inc.Severity,
	)

	e.publish(ctx, tenantID, &IncidentEvent{Incident: inc, Opened: true})
	return inc, nil
}

func (e *Engine) appendSignal(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident, sig *domain.Signal) (*domain.CorrelatedIncident, error) {
	for _, id := range inc.SignalIDs {
		if id == sig.ID {
			return inc, nil
		}
	}

	inc.SignalIDs = append(inc.SignalIDs, sig.ID)
	if sig.OccurredAt.After(inc.LastSignalAt) {
		inc.LastSignalAt = sig.OccurredAt
	}

	// Severity never decreases while signals accumulate.
	next := e.severityFor(ctx, tenantID, inc)
	if next.AtLeast(inc.Severity) {
		inc.Severity = next
	}

	if err := e.repo.UpdateIncident(ctx, tenantID, inc); err != nil {
		return nil, fmt.Errorf("failed to update incident: %w", err)
	}

	e.publish(ctx, tenantID, &IncidentEvent{Incident: inc})
	return inc, nil
}

// severityFor computes the weighted severity score over member signals.
// Each source contributes weight-per-signal up to its cap, so a burst from
// one noisy source cannot dominate the bucket on its own.
func (e *Engine) severityFor(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident) domain.Severity {
	members := make(map[string]bool, len(inc.SignalIDs))
	for _, id := range inc.SignalIDs {
		members[id] = true
	}

	signals, err := e.repo.GetSignalsBySubject(ctx, tenantID, inc.SubjectID, inc.WindowStart.Add(-e.cfg.Slack))
	if err != nil {
		e.logger.Warn("failed to load member signals for severity",
			"tenant_id", tenantID,
			"incident_id", inc.ID,
			"error", err,
		)
		return inc.Severity
	}

	perSource := make(map[domain.SignalSource]float64)
	for _, s := range signals {
		if !members[s.ID] {
			continue
		}
		perSource[s.Source] += e.cfg.SourceWeights[s.Source]
	}

	var total float64
	for src, score := range perSource {
		if limit, ok := e.cfg.SourceCaps[src]; ok && score > limit {
			score = limit
		}
		total += score
	}

	switch {
	case total >= e.cfg.CriticalThreshold:
		return domain.SeverityCritical
	case total >= e.cfg.HighThreshold:
		return domain.SeverityHigh
	case total >= e.cfg.MedThreshold:
		return domain.SeverityMed
	default:
		return domain.SeverityLow
	}
}

// CloseExpired closes open incidents whose window plus grace period has
// passed. Closed incidents become immutable.
func (e *Engine) CloseExpired(ctx context.Context, tenantID string, now time.Time) (int, error) {
	expired, err := e.repo.ListExpiredOpenIncidents(ctx, tenantID, now.Add(-e.cfg.GracePeriod))
	if err != nil {
		return 0, fmt.Errorf("failed to list expired incidents: %w", err)
	}

	closed := 0
	for _, inc := range expired {
		lock := e.lockFor(tenantID, inc.SubjectID)
		lock.Lock()

		inc.Closed = true
		if err := e.repo.UpdateIncident(ctx, tenantID, inc); err != nil {
			lock.Unlock()
			e.logger.Error("failed to close incident",
				"tenant_id", tenantID,
				"incident_id", inc.ID,
				"error", err,
			)
			continue
		}
		lock.Unlock()

		closed++
		e.publish(ctx, tenantID, &IncidentEvent{Incident: inc, Closed: true})
	}

	if closed > 0 {
		e.logger.Info("close sweep finished", "tenant_id", tenantID, "closed", closed)
	}
	return closed, nil
}

// RunSweeper periodically closes expired incidents for the given tenants
// until the context is cancelled.
func (e *Engine) RunSweeper(ctx context.Context, tenantIDs []string) {
	interval := e.cfg.CloseInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, tenantID := range tenantIDs {
				if _, err := e.CloseExpired(ctx, tenantID, now.UTC()); err != nil {
					e.logger.Error("close sweep failed", "tenant_id", tenantID, "error", err)
				}
			}
		}
	}
}

func (e *Engine) publish(ctx context.Context, tenantID string, ev *IncidentEvent) {
	data, _ := json.Marshal(ev)
	if err := e.eventBus.Publish(ctx, tenantID, domain.TopicIncident, data); err != nil {
		e.logger.Error("failed to publish incident event",
			"tenant_id", tenantID,
			"incident_id", ev.Incident.ID,
			"error", err,
		)
	}
}

func (e *Engine) lockFor(tenantID, subjectID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	h.Write([]byte{':'})
	h.Write([]byte(subjectID))
	return &e.locks[h.Sum32()%lockStripes]
}
