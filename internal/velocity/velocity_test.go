package velocity

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/cache"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/repository"
)

func newTestService(t *testing.T) (*Service, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "vigil-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	return NewService(repo, cache.NewLRUCache(100)), repo
}

func seedSignals(t *testing.T, repo domain.Repository, tenantID, subjectID string, n int, age time.Duration) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < n; i++ {
		sig := &domain.Signal{
			ID:            uuid.New().String(),
			TenantID:      tenantID,
			SubjectType:   domain.SubjectPerson,
			SubjectID:     subjectID,
			Source:        domain.SourceGPS,
			SourceEventID: fmt.Sprintf("%s-evt-%d-%d", subjectID, n, i),
			OccurredAt:    now.Add(-age),
			CreatedAt:     now,
		}
		if _, err := repo.SaveSignal(ctx, tenantID, sig); err != nil {
			t.Fatalf("failed to save signal: %v", err)
		}
	}
}

func TestGetSignalCount(t *testing.T) {
	ctx := context.Background()

	t.Run("CountsSignalsInWindow", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedSignals(t, repo, "tenant-001", "guard-007", 5, time.Minute)

		count, err := svc.GetSignalCount(ctx, "tenant-001", "guard-007", 3600)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}
		if count != 5 {
			t.Errorf("expected 5 signals, got %d", count)
		}
	})

	t.Run("ExcludesSignalsOutsideWindow", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedSignals(t, repo, "tenant-001", "guard-008", 3, time.Minute)
		seedSignals(t, repo, "tenant-001", "guard-008", 4, 2*time.Hour)

		count, err := svc.GetSignalCount(ctx, "tenant-001", "guard-008", 3600)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}
		if count != 3 {
			t.Errorf("expected 3 signals inside the window, got %d", count)
		}
	})

	t.Run("IsolatesTenants", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedSignals(t, repo, "tenant-001", "guard-009", 2, time.Minute)
		seedSignals(t, repo, "tenant-002", "guard-009", 6, time.Minute)

		count, err := svc.GetSignalCount(ctx, "tenant-001", "guard-009", 3600)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 signals for tenant-001, got %d", count)
		}
	})

	t.Run("CachesCount", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedSignals(t, repo, "tenant-001", "guard-010", 2, time.Minute)

		first, err := svc.GetSignalCount(ctx, "tenant-001", "guard-010", 3600)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}

		// New signals land after the first read; the cached count holds
		// until the TTL expires.
		seedSignals(t, repo, "tenant-001", "guard-010", 3, time.Second)

		second, err := svc.GetSignalCount(ctx, "tenant-001", "guard-010", 3600)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}
		if second != first {
			t.Errorf("expected cached count %d, got %d", first, second)
		}
	})

	t.Run("RejectsMissingSubject", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.GetSignalCount(ctx, "tenant-001", "", 3600)
		if !errors.Is(err, domain.ErrValidation) {
			t.Errorf("expected validation error, got %v", err)
		}
	})

	t.Run("DefaultsWindowWhenNonPositive", func(t *testing.T) {
		svc, repo := newTestService(t)
		seedSignals(t, repo, "tenant-001", "guard-011", 1, time.Minute)

		count, err := svc.GetSignalCount(ctx, "tenant-001", "guard-011", 0)
		if err != nil {
			t.Fatalf("GetSignalCount failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected 1 signal with default window, got %d", count)
		}
	})
}
