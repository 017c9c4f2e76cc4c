package broadcast

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/facilityops/vigil/internal/cache"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

func newTestHub(t *testing.T) (*Hub, domain.Repository) {
	t.Helper()
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig().Broadcast
	hub := NewHub(repo, cache.NewLRUCache(1000), cfg, nil)
	t.Cleanup(func() { hub.Close() })
	return hub, repo
}

func TestPublish(t *testing.T) {
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("DeliversToMatchingSubscriber", func(t *testing.T) {
		hub, _ := newTestHub(t)

		sub, err := hub.Subscribe(ctx, tenantID, domain.ScopeSubject, "guard-001", -1)
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer hub.Unsubscribe(sub.ID)

		ev, err := hub.Publish(ctx, tenantID, domain.EventFraudPrediction,
			map[string]string{"id": "p1"}, domain.ScopeSubject, "guard-001", "p1")
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if ev.Seq == 0 {
			t.Error("expected sequence to be assigned")
		}
		if !ev.Delivered {
			t.Error("expected delivered flag")
		}

		done := make(chan struct{})
		got := sub.Next(done)
		if got == nil || got.SourceEntityID != "p1" {
			t.Fatalf("expected delivered event, got %+v", got)
		}
	})

	t.Run("TenantScopeReceivesEverything", func(t *testing.T) {
		hub, _ := newTestHub(t)

		sub, _ := hub.Subscribe(ctx, tenantID, domain.ScopeTenant, tenantID, -1)
		defer hub.Unsubscribe(sub.ID)

		hub.Publish(ctx, tenantID, domain.EventIncidentOpened, "a", domain.ScopeSubject, "guard-002", "i1")
		hub.Publish(ctx, tenantID, domain.EventTicketCreated, "b", domain.ScopeSite, "site-9", "t1")

		if sub.Pending() != 2 {
			t.Errorf("expected 2 buffered events, got %d", sub.Pending())
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		hub, _ := newTestHub(t)

		sub, _ := hub.Subscribe(ctx, "tenant-other", domain.ScopeTenant, "tenant-other", -1)
		defer hub.Unsubscribe(sub.ID)

		hub.Publish(ctx, tenantID, domain.EventIncidentOpened, "a", domain.ScopeSubject, "guard-003", "i2")
		if sub.Pending() != 0 {
			t.Error("expected no cross-tenant delivery")
		}
	})

	t.Run("AuditedEvenWithoutSubscribers", func(t *testing.T) {
		hub, repo := newTestHub(t)

		ev, err := hub.Publish(ctx, tenantID, domain.EventIncidentOpened, "x", domain.ScopeSubject, "guard-004", "i3")
		if err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
		if ev.Delivered {
			t.Error("expected delivered=false with no subscribers")
		}

		rows, err := repo.ListBroadcastEventsSince(ctx, tenantID, 0, 100)
		if err != nil {
			t.Fatalf("ListBroadcastEventsSince failed: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected 1 audit row, got %d", len(rows))
		}
		if rows[0].Delivered {
			t.Error("audit row should record the failed delivery")
		}
	})

	t.Run("DuplicateAuditedNotDelivered", func(t *testing.T) {
		repo, err := repository.New(domain.RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: filepath.Join(t.TempDir(), "vigil-dedup.db"),
		})
		if err != nil {
			t.Fatalf("failed to create repository: %v", err)
		}
		defer repo.Close()

		// A wide window keeps both publishes in the same dedup bucket.
		cfg := domain.BroadcastConfig{SubscriberBuffer: 16, DedupWindow: time.Hour}
		hub := NewHub(repo, cache.NewLRUCache(100), cfg, nil)
		defer hub.Close()

		sub, _ := hub.Subscribe(ctx, tenantID, domain.ScopeTenant, tenantID, -1)
		defer hub.Unsubscribe(sub.ID)

		// Same event type + source entity within the dedup window.
		hub.Publish(ctx, tenantID, domain.EventFraudPrediction, "v1", domain.ScopeSubject, "guard-005", "pred-9")
		hub.Publish(ctx, tenantID, domain.EventFraudPrediction, "v1", domain.ScopeSubject, "guard-005", "pred-9")

		rows, _ := repo.ListBroadcastEventsSince(ctx, tenantID, 0, 100)
		if len(rows) != 2 {
			t.Fatalf("expected 2 audit rows, got %d", len(rows))
		}
		if sub.Pending() != 1 {
			t.Errorf("expected exactly 1 delivery, got %d", sub.Pending())
		}
	})
}

func TestResumeFromCursor(t *testing.T) {
	hub, _ := newTestHub(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	ev1, _ := hub.Publish(ctx, tenantID, domain.EventIncidentOpened, "a", domain.ScopeSubject, "guard-010", "i1")
	hub.Publish(ctx, tenantID, domain.EventIncidentUpdated, "b", domain.ScopeSubject, "guard-010", "i1-upd")
	hub.Publish(ctx, tenantID, domain.EventTicketCreated, "c", domain.ScopeSubject, "guard-010", "t1")

	// Reconnect claiming to have seen the first event.
	sub, err := hub.Subscribe(ctx, tenantID, domain.ScopeSubject, "guard-010", ev1.Seq)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer hub.Unsubscribe(sub.ID)

	if sub.Pending() != 2 {
		t.Fatalf("expected 2 replayed events, got %d", sub.Pending())
	}

	done := make(chan struct{})
	first := sub.Next(done)
	second := sub.Next(done)
	if first.Seq >= second.Seq {
		t.Error("expected replay in sequence order")
	}
	if first.EventType != domain.EventIncidentUpdated {
		t.Errorf("expected replay to start after the cursor, got %s", first.EventType)
	}
}

func TestRingBufferDropsOldest(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	cfg := domain.BroadcastConfig{SubscriberBuffer: 3, DedupWindow: 0}
	hub := NewHub(repo, nil, cfg, nil)
	defer hub.Close()

	ctx := context.Background()
	sub, _ := hub.Subscribe(ctx, "tenant-001", domain.ScopeTenant, "tenant-001", -1)

	for i := 0; i < 5; i++ {
		hub.Publish(ctx, "tenant-001", domain.EventIncidentOpened, i, domain.ScopeSubject, "g", string(rune('a'+i)))
	}

	if sub.Pending() != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", sub.Pending())
	}

	// The two oldest events were dropped; the first drained one is the third.
	done := make(chan struct{})
	got := sub.Next(done)
	if got.SourceEntityID != "c" {
		t.Errorf("expected oldest-dropped policy, first drained is %q", got.SourceEntityID)
	}
}

func TestEvictStalled(t *testing.T) {
	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	cfg := domain.BroadcastConfig{SubscriberBuffer: 1, EvictAfter: 10 * time.Millisecond}
	hub := NewHub(repo, nil, cfg, nil)
	defer hub.Close()

	ctx := context.Background()
	hub.Subscribe(ctx, "tenant-001", domain.ScopeTenant, "tenant-001", -1)

	// Saturate the one-slot buffer so the subscriber counts as stalled.
	hub.Publish(ctx, "tenant-001", domain.EventIncidentOpened, "a", domain.ScopeSubject, "g", "1")
	hub.Publish(ctx, "tenant-001", domain.EventIncidentOpened, "b", domain.ScopeSubject, "g", "2")

	evicted := hub.EvictStalled(time.Now().Add(time.Second))
	if evicted != 1 {
		t.Errorf("expected 1 eviction, got %d", evicted)
	}
	if hub.SubscriberCount() != 0 {
		t.Errorf("expected no subscribers left, got %d", hub.SubscriberCount())
	}
}
