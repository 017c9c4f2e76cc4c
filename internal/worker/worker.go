// Package worker runs the async monitoring pipeline: ingested signals flow
// through correlation, scoring, escalation and broadcast.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facilityops/vigil/internal/broadcast"
	"github.com/facilityops/vigil/internal/correlation"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/escalation"
	"github.com/facilityops/vigil/internal/scoring"
)

// Worker consumes signal.ingested messages and drives each signal through
// the pipeline. Scoring is bounded by a semaphore so a slow model never
// backs up ingestion.
type Worker struct {
	bus        domain.EventBus
	correlator *correlation.Engine
	scorer     *scoring.Engine
	escalator  *escalation.Service
	hub        *broadcast.Hub
	logger     *slog.Logger

	scoreSem chan struct{}

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
	tickets   atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of tenants to process.
	TenantIDs []string

	// WorkerCount bounds concurrent scoring per process.
	WorkerCount int
}

// NewWorker creates the pipeline worker.
func NewWorker(bus domain.EventBus, correlator *correlation.Engine, scorer *scoring.Engine, escalator *escalation.Service, hub *broadcast.Hub, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		correlator: correlator,
		scorer:     scorer,
		escalator:  escalator,
		hub:        hub,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes the pipeline for the configured tenants.
func (w *Worker) Start(cfg Config) error {
	count := cfg.WorkerCount
	if count <= 0 {
		count = 8
	}
	w.scoreSem = make(chan struct{}, count)

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenant(tenantID); err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	w.logger.Info("pipeline workers started",
		"tenant_count", len(cfg.TenantIDs),
		"worker_count", count,
	)
	return nil
}

func (w *Worker) startTenant(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicSignalIngested, func(ctx context.Context, msg *domain.Message) error {
		return w.processSignal(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	modelSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicModelActivated, func(ctx context.Context, msg *domain.Message) error {
		return w.handleModelActivated(ctx, tenantID, msg)
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, modelSub)

	w.logger.Info("tenant worker started", "tenant_id", tenantID)
	return nil
}

// processSignal runs one signal through correlation, scoring and escalation.
func (w *Worker) processSignal(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var sig domain.Signal
	if err := json.Unmarshal(msg.Payload, &sig); err != nil {
		w.failed.Add(1)
		w.logger.Error("failed to parse signal message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	inc, err := w.correlator.Process(ctx, tenantID, &sig)
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("correlation failed",
			"tenant_id", tenantID,
			"signal_id", sig.ID,
			"error", err,
		)
		return err
	}

	w.broadcastIncident(ctx, tenantID, inc)

	if ticket, created, err := w.escalator.EscalateIncident(ctx, tenantID, inc); err != nil {
		w.logger.Error("incident escalation failed",
			"tenant_id", tenantID,
			"incident_id", inc.ID,
			"error", err,
		)
	} else if created {
		w.tickets.Add(1)
		w.broadcastTicket(ctx, tenantID, ticket)
	}

	w.scoreSem <- struct{}{}
	defer func() { <-w.scoreSem }()

	pred, err := w.scorer.Score(ctx, tenantID, &scoring.ScoreRequest{Signal: &sig, Incident: inc})
	if err != nil {
		w.failed.Add(1)
		w.logger.Error("scoring failed",
			"tenant_id", tenantID,
			"signal_id", sig.ID,
			"error", err,
		)
		return err
	}

	w.hub.Publish(ctx, tenantID, domain.EventFraudPrediction, pred, domain.ScopeSubject, pred.SubjectID, pred.ID)

	if ticket, created, err := w.escalator.EscalatePrediction(ctx, tenantID, pred); err != nil {
		w.logger.Error("prediction escalation failed",
			"tenant_id", tenantID,
			"prediction_id", pred.ID,
			"error", err,
		)
	} else if created {
		w.tickets.Add(1)
		w.broadcastTicket(ctx, tenantID, ticket)
	}

	w.processed.Add(1)
	w.logger.Info("signal processed",
		"tenant_id", tenantID,
		"signal_id", sig.ID,
		"incident_id", inc.ID,
		"risk_tier", pred.RiskTier,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (w *Worker) broadcastIncident(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident) {
	eventType := domain.EventIncidentUpdated
	if len(inc.SignalIDs) == 1 {
		eventType = domain.EventIncidentOpened
	}
	// SourceEntityID includes the member count so every incident revision
	// has its own idempotency key.
	entityID := inc.ID
	if eventType == domain.EventIncidentUpdated {
		entityID = inc.ID + ":" + strconv.Itoa(len(inc.SignalIDs))
	}
	w.hub.Publish(ctx, tenantID, eventType, inc, domain.ScopeSubject, inc.SubjectID, entityID)
}

func (w *Worker) broadcastTicket(ctx context.Context, tenantID string, ticket *domain.Ticket) {
	w.hub.Publish(ctx, tenantID, domain.EventTicketCreated, ticket, domain.ScopeSubject, ticket.SubjectID, ticket.ID)
}

// handleModelActivated drops the cached model so the next score uses the
// newly activated version.
func (w *Worker) handleModelActivated(ctx context.Context, tenantID string, msg *domain.Message) error {
	w.scorer.InvalidateModel(tenantID)

	var ev struct {
		Version string `json:"version"`
	}
	json.Unmarshal(msg.Payload, &ev)

	w.hub.Publish(ctx, tenantID, domain.EventModelActivated, json.RawMessage(msg.Payload), domain.ScopeTenant, tenantID, ev.Version)

	w.logger.Info("model cache invalidated",
		"tenant_id", tenantID,
		"version", ev.Version,
	)
	return nil
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	w.logger.Info("pipeline workers stopped")
	return nil
}

// Stats reports pipeline counters.
type Stats struct {
	SubscriptionCount int   `json:"subscriptionCount"`
	Processed         int64 `json:"processed"`
	Failed            int64 `json:"failed"`
	TicketsCreated    int64 `json:"ticketsCreated"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
		TicketsCreated:    w.tickets.Load(),
	}
}
