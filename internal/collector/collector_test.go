package collector

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facilityops/vigil/internal/bus"
	"github.com/facilityops/vigil/internal/cache"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func validRequest() *domain.SignalRequest {
	return &domain.SignalRequest{
		SubjectType:   domain.SubjectPerson,
		SubjectID:     "guard-007",
		Source:        domain.SourceGPS,
		SourceEventID: "gps-evt-001",
		OccurredAt:    time.Now().UTC(),
		Payload: map[string]interface{}{
			"gps_drift_meters": 150.0,
		},
	}
}

func TestCollect(t *testing.T) {
	repo := newTestRepo(t)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()
	lru := cache.NewLRUCache(100)

	collector := New(repo, lru, eventBus, nil)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("AcceptAndPublish", func(t *testing.T) {
		var published atomic.Int32
		eventBus.Subscribe(ctx, tenantID, domain.TopicSignalIngested, func(ctx context.Context, msg *domain.Message) error {
			published.Add(1)
			return nil
		})
		time.Sleep(10 * time.Millisecond)

		sig, inserted, err := collector.Collect(ctx, tenantID, validRequest())
		if err != nil {
			t.Fatalf("Collect failed: %v", err)
		}
		if !inserted {
			t.Error("expected first collection to insert")
		}
		if sig.ID == "" {
			t.Error("expected signal id to be assigned")
		}

		time.Sleep(50 * time.Millisecond)
		if published.Load() != 1 {
			t.Errorf("expected 1 published event, got %d", published.Load())
		}

		stored, err := repo.GetSignal(ctx, tenantID, sig.ID)
		if err != nil {
			t.Fatalf("GetSignal failed: %v", err)
		}
		if stored.SubjectID != "guard-007" {
			t.Errorf("expected subject guard-007, got %s", stored.SubjectID)
		}
		if drift, ok := stored.PayloadFloat("gps_drift_meters"); !ok || drift != 150.0 {
			t.Errorf("expected gps_drift_meters 150.0, got %v", drift)
		}
	})

	t.Run("IdempotentRedelivery", func(t *testing.T) {
		req := validRequest()
		req.SourceEventID = "gps-evt-dup"

		_, inserted, err := collector.Collect(ctx, tenantID, req)
		if err != nil || !inserted {
			t.Fatalf("first delivery: inserted=%v err=%v", inserted, err)
		}

		req2 := validRequest()
		req2.SourceEventID = "gps-evt-dup"
		_, inserted, err = collector.Collect(ctx, tenantID, req2)
		if err != nil {
			t.Fatalf("redelivery failed: %v", err)
		}
		if inserted {
			t.Error("expected redelivery to be a no-op")
		}

		signals, _ := repo.GetSignalsBySubject(ctx, tenantID, "guard-007", time.Now().Add(-time.Hour))
		seen := 0
		for _, s := range signals {
			if s.SourceEventID == "gps-evt-dup" {
				seen++
			}
		}
		if seen != 1 {
			t.Errorf("expected exactly 1 stored signal for the event id, got %d", seen)
		}
	})

	t.Run("RejectsMalformed", func(t *testing.T) {
		req := validRequest()
		req.SubjectID = ""
		if _, _, err := collector.Collect(ctx, tenantID, req); err == nil {
			t.Error("expected validation error for missing subjectId")
		}

		req = validRequest()
		req.Payload = map[string]interface{}{}
		if _, _, err := collector.Collect(ctx, tenantID, req); err == nil {
			t.Error("expected validation error for missing gps_drift_meters")
		}
	})

	t.Run("AdapterNormalizesDefaults", func(t *testing.T) {
		req := &domain.SignalRequest{
			SubjectType:   domain.SubjectPerson,
			SubjectID:     "guard-008",
			Source:        domain.SourceTour,
			SourceEventID: "tour-evt-001",
			OccurredAt:    time.Now().UTC(),
			Payload:       map[string]interface{}{"checkpoint_id": "cp-12"},
		}
		sig, _, err := collector.Collect(ctx, tenantID, req)
		if err != nil {
			t.Fatalf("Collect failed: %v", err)
		}
		if scanned, ok := sig.Payload["scanned"].(bool); !ok || !scanned {
			t.Error("expected scanned to default to true")
		}
	})

	t.Run("Report", func(t *testing.T) {
		report := collector.Report(tenantID)
		gps := report[domain.SourceGPS]
		if gps.Accepted < 2 {
			t.Errorf("expected at least 2 accepted GPS signals, got %d", gps.Accepted)
		}
		if gps.Duplicates != 1 {
			t.Errorf("expected 1 duplicate, got %d", gps.Duplicates)
		}
		if gps.Rejected < 1 {
			t.Errorf("expected at least 1 rejected, got %d", gps.Rejected)
		}
	})
}

func TestCollectSince(t *testing.T) {
	repo := newTestRepo(t)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	collector := New(repo, nil, eventBus, nil)
	ctx := context.Background()
	tenantID := "tenant-001"
	epoch := time.Unix(0, 0).UTC()

	ingest := func(source domain.SignalSource, eventID string, payload map[string]interface{}) {
		t.Helper()
		_, inserted, err := collector.Collect(ctx, tenantID, &domain.SignalRequest{
			SubjectType:   domain.SubjectPerson,
			SubjectID:     "guard-020",
			Source:        source,
			SourceEventID: eventID,
			OccurredAt:    time.Now().UTC(),
			Payload:       payload,
		})
		if err != nil || !inserted {
			t.Fatalf("ingest %s: inserted=%v err=%v", eventID, inserted, err)
		}
	}

	ingest(domain.SourceGPS, "gps-run-1", map[string]interface{}{"gps_drift_meters": 10.0})
	ingest(domain.SourceGPS, "gps-run-2", map[string]interface{}{"gps_drift_meters": 20.0})
	ingest(domain.SourceTour, "tour-run-1", map[string]interface{}{"checkpoint_id": "cp-1"})

	run, err := collector.CollectSince(ctx, tenantID, epoch, 100)
	if err != nil {
		t.Fatalf("CollectSince failed: %v", err)
	}
	if run.Count != 3 {
		t.Fatalf("expected 3 signals in the pass, got %d", run.Count)
	}
	if got := len(run.Sources[domain.SourceGPS].Signals); got != 2 {
		t.Errorf("expected 2 GPS signals, got %d", got)
	}
	if got := len(run.Sources[domain.SourceTour].Signals); got != 1 {
		t.Errorf("expected 1 TOUR signal, got %d", got)
	}
	if _, ok := run.Sources[domain.SourceAttendance]; !ok {
		t.Error("expected every known source in the report")
	}
	if !run.Cursor.After(epoch) {
		t.Error("expected the cursor to advance past the starting point")
	}

	// Restarting from the cursor must not redeliver.
	again, err := collector.CollectSince(ctx, tenantID, run.Cursor, 100)
	if err != nil {
		t.Fatalf("CollectSince restart failed: %v", err)
	}
	if again.Count != 0 {
		t.Errorf("expected an empty pass from the cursor, got %d signals", again.Count)
	}

	// A signal ingested after the pass is picked up by the next one.
	time.Sleep(5 * time.Millisecond)
	ingest(domain.SourceGPS, "gps-run-3", map[string]interface{}{"gps_drift_meters": 30.0})

	next, err := collector.CollectSince(ctx, tenantID, run.Cursor, 100)
	if err != nil {
		t.Fatalf("CollectSince after new signal failed: %v", err)
	}
	if next.Count != 1 {
		t.Fatalf("expected exactly the new signal, got %d", next.Count)
	}
	if sig := next.Sources[domain.SourceGPS].Signals[0]; sig.SourceEventID != "gps-run-3" {
		t.Errorf("expected gps-run-3, got %s", sig.SourceEventID)
	}
}

func TestCollectBatch(t *testing.T) {
	repo := newTestRepo(t)
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	collector := New(repo, nil, eventBus, nil)
	ctx := context.Background()

	good := validRequest()
	bad := validRequest()
	bad.SourceEventID = ""
	dup := validRequest()

	result := collector.CollectBatch(ctx, "tenant-001", []*domain.SignalRequest{good, bad, dup})

	if result.Accepted != 1 {
		t.Errorf("expected 1 accepted, got %d", result.Accepted)
	}
	if result.Rejected != 1 {
		t.Errorf("expected 1 rejected, got %d", result.Rejected)
	}
	if result.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", result.Duplicates)
	}
	if len(result.Errors) != 1 || result.Errors[0].Index != 1 {
		t.Errorf("expected error at index 1, got %+v", result.Errors)
	}
}
