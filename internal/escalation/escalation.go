// Package escalation turns qualifying incidents and fraud predictions into
// deduplicated tickets.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
)

// Service escalates triggers into tickets. Duplicate suppression has two
// layers: the storage unique constraint on (tenant, dedup_key, window_bucket)
// and the idempotency key passed to the external ticket sink.
type Service struct {
	repo     domain.Repository
	eventBus domain.EventBus
	sink     domain.TicketSink
	cfg      domain.EscalationConfig
	guard    *Guard
	logger   *slog.Logger
}

// NewService creates an escalation service. A nil sink falls back to the
// no-op sink.
func NewService(repo domain.Repository, eventBus domain.EventBus, sink domain.TicketSink, cfg domain.EscalationConfig, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = domain.NoopTicketSink{}
	}

	guard, err := NewGuard(cfg.GuardRules)
	if err != nil {
		return nil, fmt.Errorf("failed to build guard rules: %w", err)
	}

	return &Service{
		repo:     repo,
		eventBus: eventBus,
		sink:     sink,
		cfg:      cfg,
		guard:    guard,
		logger:   logger,
	}, nil
}

// DedupKey derives the stable dedup key for a trigger.
func DedupKey(tenantID, subjectID, triggerType string) string {
	sum := sha256.Sum256([]byte(tenantID + "|" + subjectID + "|" + triggerType))
	return hex.EncodeToString(sum[:])
}

// EscalateIncident creates a ticket for an incident if it clears the
// severity gate and no ticket exists in the current dedup window.
// Returns (nil, false, nil) when suppressed or deduplicated.
func (s *Service) EscalateIncident(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident) (*domain.Ticket, bool, error) {
	if !inc.Severity.AtLeast(s.cfg.MinIncidentSeverity) {
		return nil, false, nil
	}

	if s.guard.Suppressed(GuardInput{
		TriggerType: domain.TriggerIncident,
		SubjectID:   inc.SubjectID,
		Severity:    string(inc.Severity),
		At:          time.Now().UTC(),
	}) {
		s.logger.Info("escalation suppressed by guard rule",
			"tenant_id", tenantID,
			"incident_id", inc.ID,
		)
		return nil, false, nil
	}

	ticket := &domain.Ticket{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		TriggerRef:   inc.ID,
		TriggerType:  domain.TriggerIncident,
		SubjectID:    inc.SubjectID,
		DedupKey:     DedupKey(tenantID, inc.SubjectID, domain.TriggerIncident),
		WindowBucket: bucket(time.Now().UTC(), s.cfg.DedupWindowIncident),
		Priority:     priorityForSeverity(inc.Severity),
		State:        domain.TicketStateOpen,
		CreatedAt:    time.Now().UTC(),
	}

	return s.create(ctx, tenantID, ticket)
}

// EscalatePrediction creates a ticket for a fraud prediction if its risk
// tier clears the gate and no ticket exists in the current dedup window.
func (s *Service) EscalatePrediction(ctx context.Context, tenantID string, pred *domain.FraudPrediction) (*domain.Ticket, bool, error) {
	if !pred.RiskTier.AtLeast(s.cfg.MinRiskTier) {
		return nil, false, nil
	}

	if s.guard.Suppressed(GuardInput{
		TriggerType: domain.TriggerFraud,
		SubjectID:   pred.SubjectID,
		RiskTier:    string(pred.RiskTier),
		Probability: pred.Probability,
		At:          time.Now().UTC(),
	}) {
		s.logger.Info("escalation suppressed by guard rule",
			"tenant_id", tenantID,
			"prediction_id", pred.ID,
		)
		return nil, false, nil
	}

	ticket := &domain.Ticket{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		TriggerRef:   pred.ID,
		TriggerType:  domain.TriggerFraud,
		SubjectID:    pred.SubjectID,
		DedupKey:     DedupKey(tenantID, pred.SubjectID, domain.TriggerFraud),
		WindowBucket: bucket(time.Now().UTC(), s.cfg.DedupWindowFraud),
		Priority:     priorityForTier(pred.RiskTier),
		State:        domain.TicketStateOpen,
		CreatedAt:    time.Now().UTC(),
	}

	return s.create(ctx, tenantID, ticket)
}

func (s *Service) create(ctx context.Context, tenantID string, ticket *domain.Ticket) (*domain.Ticket, bool, error) {
	err := s.repo.CreateTicket(ctx, tenantID, ticket)
	if errors.Is(err, domain.ErrDuplicateTicket) {
		s.logger.Debug("duplicate escalation suppressed",
			"tenant_id", tenantID,
			"subject_id", ticket.SubjectID,
			"trigger_type", ticket.TriggerType,
		)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create ticket: %w", err)
	}

	idempotencyKey := fmt.Sprintf("%s:%d", ticket.DedupKey, ticket.WindowBucket)
	if err := s.sink.CreateTicket(ctx, ticket, idempotencyKey); err != nil {
		// The ticket row exists either way; the sink failure is logged and
		// the external system reconciles via the idempotency key.
		s.logger.Error("ticket sink failed",
			"tenant_id", tenantID,
			"ticket_id", ticket.ID,
			"error", err,
		)
	}

	data, _ := json.Marshal(ticket)
	if err := s.eventBus.Publish(ctx, tenantID, domain.TopicTicketCreated, data); err != nil {
		s.logger.Error("failed to publish ticket event",
			"tenant_id", tenantID,
			"ticket_id", ticket.ID,
			"error", err,
		)
	}

	s.logger.Info("ticket created",
		"tenant_id", tenantID,
		"ticket_id", ticket.ID,
		"subject_id", ticket.SubjectID,
		"trigger_type", ticket.TriggerType,
		"priority", ticket.Priority,
	)

	return ticket, true, nil
}

func bucket(at time.Time, window time.Duration) int64 {
	if window <= 0 {
		window = 4 * time.Hour
	}
	return at.Unix() / int64(window.Seconds())
}

func priorityForSeverity(sev domain.Severity) domain.TicketPriority {
	switch sev {
	case domain.SeverityCritical:
		return domain.PriorityP1
	case domain.SeverityHigh:
		return domain.PriorityP2
	case domain.SeverityMed:
		return domain.PriorityP3
	default:
		return domain.PriorityP4
	}
}

func priorityForTier(tier domain.RiskTier) domain.TicketPriority {
	switch tier {
	case domain.TierCritical:
		return domain.PriorityP1
	case domain.TierHigh:
		return domain.PriorityP2
	case domain.TierMed:
		return domain.PriorityP3
	default:
		return domain.PriorityP4
	}
}
