// Package domain defines the core interfaces and types for Vigil.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID for strict multi-tenancy isolation.
type Repository interface {
	// Signal operations. SaveSignal is an idempotent insert keyed by
	// (tenant_id, source, source_event_id); inserted=false means the
	// signal was already recorded.
	SaveSignal(ctx context.Context, tenantID string, sig *Signal) (inserted bool, err error)
	GetSignal(ctx context.Context, tenantID string, signalID string) (*Signal, error)
	GetSignalsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*Signal, error)
	// ListSignalsBySource pages one source's signals in ingestion order,
	// strictly after the since cursor. Serves restartable re-collection.
	ListSignalsBySource(ctx context.Context, tenantID string, source SignalSource, since time.Time, limit int) ([]*Signal, error)

	// Incident operations. Closed incidents are immutable and never
	// deleted, only archived.
	SaveIncident(ctx context.Context, tenantID string, inc *CorrelatedIncident) error
	UpdateIncident(ctx context.Context, tenantID string, inc *CorrelatedIncident) error
	GetIncident(ctx context.Context, tenantID string, incidentID string) (*CorrelatedIncident, error)
	GetOpenIncidents(ctx context.Context, tenantID string, subjectID string) ([]*CorrelatedIncident, error)
	ListIncidents(ctx context.Context, tenantID string, since time.Time, limit int) ([]*CorrelatedIncident, error)
	ListExpiredOpenIncidents(ctx context.Context, tenantID string, before time.Time) ([]*CorrelatedIncident, error)
	ArchiveIncident(ctx context.Context, tenantID string, incidentID string) error

	// Baseline profiles, one per subject, created lazily.
	GetBaseline(ctx context.Context, tenantID string, subjectID string) (*BaselineProfile, error)
	SaveBaseline(ctx context.Context, tenantID string, profile *BaselineProfile) error
	ListBaselineSubjects(ctx context.Context, tenantID string) ([]string, error)

	// Prediction operations. LabelPrediction sets the outcome label once;
	// corrections append a new record instead of mutating.
	SavePrediction(ctx context.Context, tenantID string, pred *FraudPrediction) error
	GetPrediction(ctx context.Context, tenantID string, predictionID string) (*FraudPrediction, error)
	ListPredictions(ctx context.Context, tenantID string, tier RiskTier, since time.Time, limit int) ([]*FraudPrediction, error)
	ListLabeledPredictions(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*FraudPrediction, error)
	LabelPrediction(ctx context.Context, tenantID string, predictionID string, label string) error
	MarkPredictionEscalated(ctx context.Context, tenantID string, predictionID string) error

	// CreateTicket enforces the (tenant_id, dedup_key, window_bucket)
	// uniqueness invariant with a storage-level constraint and marks the
	// trigger escalated in the same transaction. Returns
	// ErrDuplicateTicket when the slot is taken.
	CreateTicket(ctx context.Context, tenantID string, ticket *Ticket) error
	GetTicket(ctx context.Context, tenantID string, ticketID string) (*Ticket, error)
	ListTickets(ctx context.Context, tenantID string, since time.Time, limit int) ([]*Ticket, error)

	// Broadcast audit log. AppendBroadcastEvent assigns the sequence
	// cursor; the delivered flag is set afterwards once fan-out succeeds;
	// ListBroadcastEventsSince serves last-event-id resumes.
	AppendBroadcastEvent(ctx context.Context, tenantID string, ev *BroadcastEvent) error
	MarkBroadcastDelivered(ctx context.Context, tenantID string, seq int64) error
	ListBroadcastEventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]*BroadcastEvent, error)

	// Model registry and artifact store. ActivateModel deactivates the
	// previous active version and activates the new one in a single
	// transaction.
	SaveModel(ctx context.Context, tenantID string, rec *ModelRecord) error
	ActivateModel(ctx context.Context, tenantID string, version string) error
	GetActiveModel(ctx context.Context, tenantID string) (*ModelRecord, error)
	ListModels(ctx context.Context, tenantID string) ([]*ModelRecord, error)
	SaveModelArtifact(ctx context.Context, tenantID string, version string, artifact []byte) error
	GetModelArtifact(ctx context.Context, tenantID string, version string) ([]byte, error)

	// Dashboard trend aggregates.
	CountPredictionsByTier(ctx context.Context, tenantID string, since time.Time) (map[RiskTier]int64, error)
	CountIncidentsBySeverity(ctx context.Context, tenantID string, since time.Time) (map[Severity]int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlitePath"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgresHost"`
	PostgresPort     int    `yaml:"postgresPort"`
	PostgresUser     string `yaml:"postgresUser"`
	PostgresPassword string `yaml:"postgresPassword"`
	PostgresDB       string `yaml:"postgresDb"`
	PostgresSSLMode  string `yaml:"postgresSslMode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}
