package escalation

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/bus"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

type recordingSink struct {
	mu      sync.Mutex
	tickets []*domain.Ticket
	keys    []string
}

func (r *recordingSink) CreateTicket(ctx context.Context, ticket *domain.Ticket, idempotencyKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, ticket)
	r.keys = append(r.keys, idempotencyKey)
	return nil
}

func newTestService(t *testing.T, guardRules []domain.HeuristicRule) (*Service, domain.Repository, *recordingSink) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	cfg := domain.DefaultConfig().Escalation
	cfg.GuardRules = guardRules

	sink := &recordingSink{}
	svc, err := NewService(repo, eventBus, sink, cfg, nil)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc, repo, sink
}

func testIncident(tenantID, subjectID string, sev domain.Severity) *domain.CorrelatedIncident {
	now := time.Now().UTC()
	return &domain.CorrelatedIncident{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		SubjectID:    subjectID,
		SignalIDs:    []string{uuid.New().String()},
		WindowStart:  now.Add(-10 * time.Minute),
		WindowEnd:    now.Add(20 * time.Minute),
		Severity:     sev,
		IncidentType: "patrol-gap",
		OpenedAt:     now,
		LastSignalAt: now,
	}
}

func testPrediction(tenantID, subjectID string, tier domain.RiskTier) *domain.FraudPrediction {
	return &domain.FraudPrediction{
		ID:               uuid.New().String(),
		TenantID:         tenantID,
		SubjectID:        subjectID,
		ModelVersion:     "v1",
		FeatureVector:    make(domain.FeatureVector, len(domain.FeatureNames)),
		Probability:      0.9,
		RiskTier:         tier,
		PredictionMethod: domain.PredictionMethodModel,
		PredictedAt:      time.Now().UTC(),
	}
}

func TestEscalateIncident(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("CreatesTicketAndMarksTrigger", func(t *testing.T) {
		svc, repo, sink := newTestService(t, nil)

		inc := testIncident(tenantID, "guard-001", domain.SeverityHigh)
		if err := repo.SaveIncident(ctx, tenantID, inc); err != nil {
			t.Fatalf("SaveIncident failed: %v", err)
		}

		ticket, created, err := svc.EscalateIncident(ctx, tenantID, inc)
		if err != nil {
			t.Fatalf("EscalateIncident failed: %v", err)
		}
		if !created {
			t.Fatal("expected ticket creation")
		}
		if ticket.Priority != domain.PriorityP2 {
			t.Errorf("expected P2 for HIGH, got %s", ticket.Priority)
		}

		stored, _ := repo.GetIncident(ctx, tenantID, inc.ID)
		if !stored.Escalated {
			t.Error("expected incident marked escalated")
		}
		if len(sink.tickets) != 1 {
			t.Errorf("expected 1 sink delivery, got %d", len(sink.tickets))
		}
	})

	t.Run("BelowSeverityGateIsNoOp", func(t *testing.T) {
		svc, _, sink := newTestService(t, nil)

		inc := testIncident(tenantID, "guard-002", domain.SeverityLow)
		_, created, err := svc.EscalateIncident(ctx, tenantID, inc)
		if err != nil {
			t.Fatalf("EscalateIncident failed: %v", err)
		}
		if created {
			t.Error("expected LOW incident not to escalate")
		}
		if len(sink.tickets) != 0 {
			t.Error("expected no sink deliveries")
		}
	})

	t.Run("DedupWithinWindow", func(t *testing.T) {
		svc, repo, sink := newTestService(t, nil)

		first := testIncident(tenantID, "guard-003", domain.SeverityHigh)
		second := testIncident(tenantID, "guard-003", domain.SeverityCritical)
		repo.SaveIncident(ctx, tenantID, first)
		repo.SaveIncident(ctx, tenantID, second)

		_, created, _ := svc.EscalateIncident(ctx, tenantID, first)
		if !created {
			t.Fatal("expected first escalation to create a ticket")
		}
		_, created, err := svc.EscalateIncident(ctx, tenantID, second)
		if err != nil {
			t.Fatalf("second escalation errored: %v", err)
		}
		if created {
			t.Error("expected second escalation in the window to dedup")
		}
		if len(sink.tickets) != 1 {
			t.Errorf("expected 1 sink delivery, got %d", len(sink.tickets))
		}
	})

	t.Run("ConcurrentEscalationCreatesOneTicket", func(t *testing.T) {
		svc, repo, _ := newTestService(t, nil)

		inc := testIncident(tenantID, "guard-004", domain.SeverityHigh)
		repo.SaveIncident(ctx, tenantID, inc)

		var createdCount atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, created, err := svc.EscalateIncident(ctx, tenantID, inc)
				if err != nil {
					t.Errorf("EscalateIncident failed: %v", err)
				}
				if created {
					createdCount.Add(1)
				}
			}()
		}
		wg.Wait()

		if createdCount.Load() != 1 {
			t.Errorf("expected exactly 1 ticket under concurrency, got %d", createdCount.Load())
		}

		tickets, _ := repo.ListTickets(ctx, tenantID, time.Now().Add(-time.Hour), 100)
		count := 0
		for _, tk := range tickets {
			if tk.SubjectID == "guard-004" {
				count++
			}
		}
		if count != 1 {
			t.Errorf("expected 1 stored ticket, got %d", count)
		}
	})
}

func TestEscalatePrediction(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("HighTierEscalates", func(t *testing.T) {
		svc, repo, sink := newTestService(t, nil)

		pred := testPrediction(tenantID, "guard-010", domain.TierCritical)
		repo.SavePrediction(ctx, tenantID, pred)

		ticket, created, err := svc.EscalatePrediction(ctx, tenantID, pred)
		if err != nil {
			t.Fatalf("EscalatePrediction failed: %v", err)
		}
		if !created {
			t.Fatal("expected ticket creation")
		}
		if ticket.Priority != domain.PriorityP1 {
			t.Errorf("expected P1 for CRITICAL, got %s", ticket.Priority)
		}

		stored, _ := repo.GetPrediction(ctx, tenantID, pred.ID)
		if !stored.Escalated {
			t.Error("expected prediction marked escalated")
		}
		if len(sink.keys) != 1 || sink.keys[0] == "" {
			t.Error("expected idempotency key passed to sink")
		}
	})

	t.Run("BelowTierGateIsNoOp", func(t *testing.T) {
		svc, _, _ := newTestService(t, nil)

		pred := testPrediction(tenantID, "guard-011", domain.TierMed)
		_, created, err := svc.EscalatePrediction(ctx, tenantID, pred)
		if err != nil {
			t.Fatalf("EscalatePrediction failed: %v", err)
		}
		if created {
			t.Error("expected MED prediction not to escalate")
		}
	})

	t.Run("IncidentAndFraudDedupIndependently", func(t *testing.T) {
		svc, repo, _ := newTestService(t, nil)

		inc := testIncident(tenantID, "guard-012", domain.SeverityHigh)
		pred := testPrediction(tenantID, "guard-012", domain.TierHigh)
		repo.SaveIncident(ctx, tenantID, inc)
		repo.SavePrediction(ctx, tenantID, pred)

		_, created1, _ := svc.EscalateIncident(ctx, tenantID, inc)
		_, created2, _ := svc.EscalatePrediction(ctx, tenantID, pred)
		if !created1 || !created2 {
			t.Error("expected incident and fraud triggers to escalate independently")
		}
	})
}

func TestGuardRules(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("SuppressesMatchingTrigger", func(t *testing.T) {
		svc, repo, _ := newTestService(t, []domain.HeuristicRule{
			{ID: "mute-guard-020", Expression: `subject_id == "guard-020"`, Weight: 1, Enabled: true},
		})

		inc := testIncident(tenantID, "guard-020", domain.SeverityCritical)
		repo.SaveIncident(ctx, tenantID, inc)

		_, created, err := svc.EscalateIncident(ctx, tenantID, inc)
		if err != nil {
			t.Fatalf("EscalateIncident failed: %v", err)
		}
		if created {
			t.Error("expected guard rule to suppress escalation")
		}

		other := testIncident(tenantID, "guard-021", domain.SeverityCritical)
		repo.SaveIncident(ctx, tenantID, other)
		_, created, _ = svc.EscalateIncident(ctx, tenantID, other)
		if !created {
			t.Error("expected non-matching trigger to escalate")
		}
	})

	t.Run("RejectsNonBoolExpression", func(t *testing.T) {
		if _, err := NewGuard([]domain.HeuristicRule{
			{ID: "bad", Expression: "probability", Weight: 1, Enabled: true},
		}); err == nil {
			t.Error("expected error for non-bool guard expression")
		}
	})
}

func TestDedupKey(t *testing.T) {
	a := DedupKey("t1", "s1", domain.TriggerIncident)
	b := DedupKey("t1", "s1", domain.TriggerIncident)
	if a != b {
		t.Error("expected stable dedup key")
	}
	if DedupKey("t1", "s1", domain.TriggerFraud) == a {
		t.Error("expected trigger type to change the key")
	}
	if DedupKey("t2", "s1", domain.TriggerIncident) == a {
		t.Error("expected tenant to change the key")
	}
	if len(a) != 64 {
		t.Errorf("expected sha256 hex key, got length %d", len(a))
	}
}
