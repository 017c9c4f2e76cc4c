package repository

// Schema definitions for the Vigil database.
// Compatible with both SQLite and PostgreSQL except where noted.

const schemaSignals = `
CREATE TABLE IF NOT EXISTS signals (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    source TEXT NOT NULL,
    source_event_id TEXT NOT NULL,
    occurred_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    payload TEXT,
    UNIQUE (tenant_id, source, source_event_id)
);

CREATE INDEX IF NOT EXISTS idx_signals_subject ON signals(tenant_id, subject_id, occurred_at);
`

const schemaIncidents = `
CREATE TABLE IF NOT EXISTS incidents (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    signal_ids TEXT NOT NULL,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    severity TEXT NOT NULL,
    incident_type TEXT NOT NULL,
    closed INTEGER NOT NULL DEFAULT 0,
    archived INTEGER NOT NULL DEFAULT 0,
    escalated INTEGER NOT NULL DEFAULT 0,
    opened_at TIMESTAMP NOT NULL,
    last_signal_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_subject ON incidents(tenant_id, subject_id, closed);
CREATE INDEX IF NOT EXISTS idx_incidents_window ON incidents(tenant_id, closed, window_end);
`

const schemaBaselines = `
CREATE TABLE IF NOT EXISTS baselines (
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    feature_distributions TEXT NOT NULL,
    dynamic_threshold REAL NOT NULL,
    false_positive_rate REAL NOT NULL DEFAULT 0,
    last_tuned_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, subject_id)
);
`

const schemaPredictions = `
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    incident_id TEXT,
    model_version TEXT NOT NULL,
    feature_vector TEXT NOT NULL,
    probability REAL NOT NULL,
    risk_tier TEXT NOT NULL,
    prediction_method TEXT NOT NULL,
    outcome_label TEXT,
    predicted_at TIMESTAMP NOT NULL,
    escalated INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_predictions_subject ON predictions(tenant_id, subject_id, predicted_at);
CREATE INDEX IF NOT EXISTS idx_predictions_tier ON predictions(tenant_id, risk_tier, predicted_at);
CREATE INDEX IF NOT EXISTS idx_predictions_labeled ON predictions(tenant_id, outcome_label);
`

// The (tenant_id, dedup_key, window_bucket) unique constraint is the
// storage-level guard against duplicate tickets under concurrent triggers.
const schemaTickets = `
CREATE TABLE IF NOT EXISTS tickets (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    trigger_ref TEXT NOT NULL,
    trigger_type TEXT NOT NULL,
    subject_id TEXT NOT NULL,
    dedup_key TEXT NOT NULL,
    window_bucket INTEGER NOT NULL,
    priority TEXT NOT NULL,
    state TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, dedup_key, window_bucket)
);

CREATE INDEX IF NOT EXISTS idx_tickets_tenant ON tickets(tenant_id, created_at);
`

const schemaBroadcastSQLite = `
CREATE TABLE IF NOT EXISTS broadcast_events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BLOB,
    scope TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    source_entity_id TEXT NOT NULL,
    emitted_at TIMESTAMP NOT NULL,
    delivered INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_broadcast_tenant ON broadcast_events(tenant_id, seq);
`

const schemaBroadcastPostgres = `
CREATE TABLE IF NOT EXISTS broadcast_events (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload BYTEA,
    scope TEXT NOT NULL,
    scope_id TEXT NOT NULL,
    source_entity_id TEXT NOT NULL,
    emitted_at TIMESTAMP NOT NULL,
    delivered INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_broadcast_tenant ON broadcast_events(tenant_id, seq);
`

const schemaModels = `
CREATE TABLE IF NOT EXISTS models (
    version TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    artifact_ref TEXT NOT NULL,
    pr_auc REAL NOT NULL,
    precision_at_80_recall REAL NOT NULL,
    optimal_threshold REAL NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);

CREATE INDEX IF NOT EXISTS idx_models_active ON models(tenant_id, is_active);
`

const schemaModelArtifactsSQLite = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    artifact BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);
`

const schemaModelArtifactsPostgres = `
CREATE TABLE IF NOT EXISTS model_artifacts (
    tenant_id TEXT NOT NULL,
    version TEXT NOT NULL,
    artifact BYTEA NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, version)
);
`

// AllSchemas returns all schema statements for the given driver, in order.
func AllSchemas(driver string) []string {
	schemas := []string{
		schemaSignals,
		schemaIncidents,
		schemaBaselines,
		schemaPredictions,
		schemaTickets,
		schemaModels,
	}
	if driver == "postgres" {
		return append(schemas, schemaBroadcastPostgres, schemaModelArtifactsPostgres)
	}
	return append(schemas, schemaBroadcastSQLite, schemaModelArtifactsSQLite)
}
