package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/facilityops/vigil/internal/domain"
)

func TestSQLiteRepository(t *testing.T) {
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	}

	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	tenantID := "tenant-001"
	now := time.Now().UTC()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveSignalIsIdempotent", func(t *testing.T) {
		sig := &domain.Signal{
			ID:            "sig-001",
			TenantID:      tenantID,
			SubjectType:   domain.SubjectPerson,
			SubjectID:     "guard-001",
			Source:        domain.SourceGPS,
			SourceEventID: "evt-001",
			OccurredAt:    now,
			CreatedAt:     now,
			Payload:       map[string]interface{}{"gps_drift_meters": 120.0},
		}

		inserted, err := repo.SaveSignal(ctx, tenantID, sig)
		if err != nil {
			t.Fatalf("SaveSignal failed: %v", err)
		}
		if !inserted {
			t.Error("expected first insert to report inserted=true")
		}

		// Same (tenant, source, source_event_id) again, fresh id.
		dup := *sig
		dup.ID = "sig-001-dup"
		inserted, err = repo.SaveSignal(ctx, tenantID, &dup)
		if err != nil {
			t.Fatalf("duplicate SaveSignal failed: %v", err)
		}
		if inserted {
			t.Error("expected duplicate insert to report inserted=false")
		}

		retrieved, err := repo.GetSignal(ctx, tenantID, "sig-001")
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if retrieved.SubjectID != "guard-001" {
			t.Errorf("expected SubjectID guard-001, got %s", retrieved.SubjectID)
		}
		if drift, ok := retrieved.Payload["gps_drift_meters"].(float64); !ok || drift != 120.0 {
			t.Errorf("payload did not round-trip: %v", retrieved.Payload)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		if _, err := repo.GetSignal(ctx, "tenant-other", "sig-001"); err == nil {
			t.Error("expected signal to be invisible to another tenant")
		}
	})

	t.Run("IncidentLifecycle", func(t *testing.T) {
		inc := &domain.CorrelatedIncident{
			ID:           "inc-001",
			TenantID:     tenantID,
			SubjectID:    "guard-001",
			SignalIDs:    []string{"sig-001"},
			WindowStart:  now.Add(-10 * time.Minute),
			WindowEnd:    now.Add(10 * time.Minute),
			Severity:     domain.SeverityMed,
			IncidentType: "gps_drift",
			OpenedAt:     now,
			LastSignalAt: now,
		}
		if err := repo.SaveIncident(ctx, tenantID, inc); err != nil {
			t.Fatalf("SaveIncident failed: %v", err)
		}

		open, err := repo.GetOpenIncidents(ctx, tenantID, "guard-001")
		if err != nil {
			t.Fatalf("GetOpenIncidents failed: %v", err)
		}
		if len(open) != 1 {
			t.Fatalf("expected 1 open incident, got %d", len(open))
		}

		inc.SignalIDs = append(inc.SignalIDs, "sig-002")
		inc.Severity = domain.SeverityHigh
		inc.Closed = true
		if err := repo.UpdateIncident(ctx, tenantID, inc); err != nil {
			t.Fatalf("UpdateIncident failed: %v", err)
		}

		retrieved, err := repo.GetIncident(ctx, tenantID, "inc-001")
		if err != nil {
			t.Fatalf("GetIncident failed: %v", err)
		}
		if len(retrieved.SignalIDs) != 2 {
			t.Errorf("expected 2 member signals, got %d", len(retrieved.SignalIDs))
		}
		if retrieved.Severity != domain.SeverityHigh {
			t.Errorf("expected severity HIGH, got %s", retrieved.Severity)
		}

		open, err = repo.GetOpenIncidents(ctx, tenantID, "guard-001")
		if err != nil {
			t.Fatalf("GetOpenIncidents failed: %v", err)
		}
		if len(open) != 0 {
			t.Errorf("closed incident still listed as open")
		}
	})

	t.Run("LabelPredictionOnce", func(t *testing.T) {
		pred := &domain.FraudPrediction{
			ID:               "pred-001",
			TenantID:         tenantID,
			SubjectID:        "guard-001",
			ModelVersion:     "heuristic",
			FeatureVector:    make(domain.FeatureVector, len(domain.FeatureNames)),
			Probability:      0.7,
			RiskTier:         domain.TierHigh,
			PredictionMethod: domain.PredictionMethodHeuristic,
			PredictedAt:      now,
		}
		if err := repo.SavePrediction(ctx, tenantID, pred); err != nil {
			t.Fatalf("SavePrediction failed: %v", err)
		}

		if err := repo.LabelPrediction(ctx, tenantID, "pred-001", domain.OutcomeTruePositive); err != nil {
			t.Fatalf("LabelPrediction failed: %v", err)
		}

		err := repo.LabelPrediction(ctx, tenantID, "pred-001", domain.OutcomeFalsePositive)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error on relabel, got %v", err)
		}

		labeled, err := repo.ListLabeledPredictions(ctx, tenantID, "", time.Unix(0, 0).UTC())
		if err != nil {
			t.Fatalf("ListLabeledPredictions failed: %v", err)
		}
		if len(labeled) != 1 || labeled[0].OutcomeLabel != domain.OutcomeTruePositive {
			t.Errorf("unexpected labeled set: %+v", labeled)
		}
	})

	t.Run("TicketDedupConstraint", func(t *testing.T) {
		ticket := &domain.Ticket{
			ID:           "tkt-001",
			TenantID:     tenantID,
			TriggerRef:   "inc-001",
			TriggerType:  domain.TriggerIncident,
			SubjectID:    "guard-001",
			DedupKey:     "incident:guard-001:gps_drift",
			WindowBucket: 12345,
			Priority:     domain.PriorityP2,
			State:        domain.TicketStateOpen,
			CreatedAt:    now,
		}
		if err := repo.CreateTicket(ctx, tenantID, ticket); err != nil {
			t.Fatalf("CreateTicket failed: %v", err)
		}

		dup := *ticket
		dup.ID = "tkt-002"
		err := repo.CreateTicket(ctx, tenantID, &dup)
		if !errors.Is(err, domain.ErrDuplicateTicket) {
			t.Errorf("expected duplicate ticket error, got %v", err)
		}

		// Next window bucket is a fresh slot.
		next := *ticket
		next.ID = "tkt-003"
		next.WindowBucket = 12346
		if err := repo.CreateTicket(ctx, tenantID, &next); err != nil {
			t.Errorf("expected new window bucket to create, got %v", err)
		}
	})

	t.Run("ActiveModelSwap", func(t *testing.T) {
		for _, version := range []string{"v1", "v2"} {
			rec := &domain.ModelRecord{
				Version:          version,
				TenantID:         tenantID,
				ArtifactRef:      "artifact-" + version,
				PRAUC:            0.8,
				OptimalThreshold: 0.5,
				CreatedAt:        now,
			}
			if err := repo.SaveModel(ctx, tenantID, rec); err != nil {
				t.Fatalf("SaveModel %s failed: %v", version, err)
			}
		}

		if err := repo.ActivateModel(ctx, tenantID, "v1"); err != nil {
			t.Fatalf("ActivateModel v1 failed: %v", err)
		}
		if err := repo.ActivateModel(ctx, tenantID, "v2"); err != nil {
			t.Fatalf("ActivateModel v2 failed: %v", err)
		}

		active, err := repo.GetActiveModel(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetActiveModel failed: %v", err)
		}
		if active.Version != "v2" {
			t.Errorf("expected active version v2, got %s", active.Version)
		}

		models, err := repo.ListModels(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListModels failed: %v", err)
		}
		activeCount := 0
		for _, m := range models {
			if m.IsActive {
				activeCount++
			}
		}
		if activeCount != 1 {
			t.Errorf("expected exactly one active model, got %d", activeCount)
		}
	})

	t.Run("ConcurrentActivationKeepsOneActive", func(t *testing.T) {
		versions := []string{"c1", "c2", "c3"}
		for _, version := range versions {
			rec := &domain.ModelRecord{
				Version:          version,
				TenantID:         tenantID,
				ArtifactRef:      "artifact-" + version,
				PRAUC:            0.7,
				OptimalThreshold: 0.5,
				CreatedAt:        now,
			}
			if err := repo.SaveModel(ctx, tenantID, rec); err != nil {
				t.Fatalf("SaveModel %s failed: %v", version, err)
			}
		}

		var wg sync.WaitGroup
		for i := 0; i < 12; i++ {
			wg.Add(1)
			go func(version string) {
				defer wg.Done()
				// Contending writers may lose the race; the invariant is
				// on the final state, not on each attempt succeeding.
				_ = repo.ActivateModel(ctx, tenantID, version)
			}(versions[i%len(versions)])
		}
		wg.Wait()

		models, err := repo.ListModels(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListModels failed: %v", err)
		}
		activeCount := 0
		for _, m := range models {
			if m.IsActive {
				activeCount++
			}
		}
		if activeCount != 1 {
			t.Fatalf("expected exactly one active model after concurrent activation, got %d", activeCount)
		}

		active, err := repo.GetActiveModel(ctx, tenantID)
		if err != nil {
			t.Fatalf("GetActiveModel failed: %v", err)
		}
		found := false
		for _, version := range versions {
			if active.Version == version {
				found = true
			}
		}
		if !found {
			t.Errorf("active version %s is not one of the contended versions", active.Version)
		}
	})

	t.Run("ModelArtifactRoundTrip", func(t *testing.T) {
		blob := []byte(`{"rounds":10}`)
		if err := repo.SaveModelArtifact(ctx, tenantID, "v2", blob); err != nil {
			t.Fatalf("SaveModelArtifact failed: %v", err)
		}
		got, err := repo.GetModelArtifact(ctx, tenantID, "v2")
		if err != nil {
			t.Fatalf("GetModelArtifact failed: %v", err)
		}
		if string(got) != string(blob) {
			t.Errorf("artifact did not round-trip: %s", got)
		}
	})

	t.Run("BroadcastAuditCursor", func(t *testing.T) {
		for i, entity := range []string{"inc-a", "inc-b", "inc-c"} {
			ev := &domain.BroadcastEvent{
				ID:             "bev-" + entity,
				TenantID:       tenantID,
				EventType:      domain.EventIncidentOpened,
				Payload:        []byte(`{}`),
				Scope:          domain.ScopeTenant,
				ScopeID:        tenantID,
				SourceEntityID: entity,
				EmittedAt:      now.Add(time.Duration(i) * time.Second),
			}
			if err := repo.AppendBroadcastEvent(ctx, tenantID, ev); err != nil {
				t.Fatalf("AppendBroadcastEvent failed: %v", err)
			}
			if ev.Seq <= 0 {
				t.Fatalf("expected assigned seq, got %d", ev.Seq)
			}
		}

		all, err := repo.ListBroadcastEventsSince(ctx, tenantID, 0, 10)
		if err != nil {
			t.Fatalf("ListBroadcastEventsSince failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 events, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i].Seq <= all[i-1].Seq {
				t.Errorf("seq not monotonic: %d then %d", all[i-1].Seq, all[i].Seq)
			}
		}

		tail, err := repo.ListBroadcastEventsSince(ctx, tenantID, all[0].Seq, 10)
		if err != nil {
			t.Fatalf("ListBroadcastEventsSince after cursor failed: %v", err)
		}
		if len(tail) != 2 {
			t.Errorf("expected 2 events after cursor, got %d", len(tail))
		}

		if err := repo.MarkBroadcastDelivered(ctx, tenantID, all[0].Seq); err != nil {
			t.Fatalf("MarkBroadcastDelivered failed: %v", err)
		}
	})

	t.Run("TrendCounts", func(t *testing.T) {
		byTier, err := repo.CountPredictionsByTier(ctx, tenantID, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountPredictionsByTier failed: %v", err)
		}
		if byTier[domain.TierHigh] != 1 {
			t.Errorf("expected 1 HIGH prediction, got %d", byTier[domain.TierHigh])
		}

		bySeverity, err := repo.CountIncidentsBySeverity(ctx, tenantID, now.Add(-time.Hour))
		if err != nil {
			t.Fatalf("CountIncidentsBySeverity failed: %v", err)
		}
		if bySeverity[domain.SeverityHigh] != 1 {
			t.Errorf("expected 1 HIGH incident, got %d", bySeverity[domain.SeverityHigh])
		}
	})
}
