package domain

import (
	"context"
)

// PermissionChecker is the external authorization capability. Vigil does not
// enforce RBAC itself; it asks this collaborator before serving dashboard
// reads or admin operations.
type PermissionChecker interface {
	// Allowed reports whether the caller identified by token may perform
	// action within the tenant.
	Allowed(ctx context.Context, tenantID, token, action string) (bool, error)
}

// Dashboard and admin actions gated by the permission check.
const (
	ActionReadDashboard = "dashboard:read"
	ActionIngestSignal  = "signal:ingest"
	ActionRunTraining   = "training:run"
	ActionRunTuning     = "baseline:tune"
)

// AllowAllChecker grants every request; the default when no authorization
// backend is configured.
type AllowAllChecker struct{}

func (AllowAllChecker) Allowed(ctx context.Context, tenantID, token, action string) (bool, error) {
	return true, nil
}
