package domain

import (
	"time"
)

// ModelRecord describes one trained classifier version for a tenant.
// Exactly one record per tenant has IsActive=true at any time; activation
// swaps the flag atomically in a single transaction.
type ModelRecord struct {
	Version  string `json:"version"`
	TenantID string `json:"tenantId"`

	// ArtifactRef keys the serialized model binary in the artifact store.
	ArtifactRef string `json:"artifactRef"`

	PRAUC               float64 `json:"prAuc"`
	PrecisionAt80Recall float64 `json:"precisionAt80Recall"`

	// OptimalThreshold is the probability cut chosen during validation;
	// risk tiers derive from it, never from a hardcoded constant.
	OptimalThreshold float64 `json:"optimalThreshold"`

	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}
