// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/facilityops/vigil/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas(r.driver) {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveSignal inserts a signal idempotently. The unique constraint on
// (tenant_id, source, source_event_id) makes repeated delivery a no-op.
func (r *SQLRepository) SaveSignal(ctx context.Context, tenantID string, sig *domain.Signal) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	payload, _ := json.Marshal(sig.Payload)

	query := `
		INSERT INTO signals (
			id, tenant_id, subject_type, subject_id, source,
			source_event_id, occurred_at, created_at, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, source, source_event_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		sig.ID, tenantID, sig.SubjectType, sig.SubjectID, sig.Source,
		sig.SourceEventID, sig.OccurredAt, sig.CreatedAt, string(payload),
	)
	if err != nil {
		return false, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// GetSignal retrieves a signal by ID with tenant isolation.
func (r *SQLRepository) GetSignal(ctx context.Context, tenantID string, signalID string) (*domain.Signal, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_type, subject_id, source,
			   source_event_id, occurred_at, created_at, payload
		FROM signals
		WHERE tenant_id = ? AND id = ?
	`

	var sig domain.Signal
	var payload string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, signalID).Scan(
		&sig.ID, &sig.TenantID, &sig.SubjectType, &sig.SubjectID, &sig.Source,
		&sig.SourceEventID, &sig.OccurredAt, &sig.CreatedAt, &payload,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if payload != "" {
		json.Unmarshal([]byte(payload), &sig.Payload)
	}

	return &sig, nil
}

// GetSignalsBySubject retrieves signals for a subject since a point in time.
func (r *SQLRepository) GetSignalsBySubject(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*domain.Signal, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, subject_type, subject_id, source,
			   source_event_id, occurred_at, created_at, payload
		FROM signals
		WHERE tenant_id = ? AND subject_id = ? AND occurred_at >= ?
		ORDER BY occurred_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, subjectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var payload string

		if err := rows.Scan(
			&sig.ID, &sig.TenantID, &sig.SubjectType, &sig.SubjectID, &sig.Source,
			&sig.SourceEventID, &sig.OccurredAt, &sig.CreatedAt, &payload,
		); err != nil {
			return nil, err
		}

		if payload != "" {
			json.Unmarshal([]byte(payload), &sig.Payload)
		}

		signals = append(signals, &sig)
	}

	return signals, rows.Err()
}

// ListSignalsBySource pages one source's signals in ingestion order,
// strictly after the cursor. Serves restartable re-collection passes.
func (r *SQLRepository) ListSignalsBySource(ctx context.Context, tenantID string, source domain.SignalSource, since time.Time, limit int) ([]*domain.Signal, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT id, tenant_id, subject_type, subject_id, source,
			   source_event_id, occurred_at, created_at, payload
		FROM signals
		WHERE tenant_id = ? AND source = ? AND created_at > ?
		ORDER BY created_at
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, source, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var payload string

		if err := rows.Scan(
			&sig.ID, &sig.TenantID, &sig.SubjectType, &sig.SubjectID, &sig.Source,
			&sig.SourceEventID, &sig.OccurredAt, &sig.CreatedAt, &payload,
		); err != nil {
			return nil, err
		}

		if payload != "" {
			json.Unmarshal([]byte(payload), &sig.Payload)
		}

		signals = append(signals, &sig)
	}

	return signals, rows.Err()
}

// SaveIncident stores a new incident.
func (r *SQLRepository) SaveIncident(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	signalIDs, _ := json.Marshal(inc.SignalIDs)

	query := `
		INSERT INTO incidents (
			id, tenant_id, subject_id, signal_ids, window_start, window_end,
			severity, incident_type, closed, archived, escalated,
			opened_at, last_signal_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		inc.ID, tenantID, inc.SubjectID, string(signalIDs),
		inc.WindowStart, inc.WindowEnd, inc.Severity, inc.IncidentType,
		boolToInt(inc.Closed), boolToInt(inc.Archived), boolToInt(inc.Escalated),
		inc.OpenedAt, inc.LastSignalAt,
	)
	return err
}

// UpdateIncident rewrites a mutable (still open) incident row.
func (r *SQLRepository) UpdateIncident(ctx context.Context, tenantID string, inc *domain.CorrelatedIncident) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	signalIDs, _ := json.Marshal(inc.SignalIDs)

	query := `
		UPDATE incidents
		SET signal_ids = ?, window_start = ?, window_end = ?, severity = ?,
			closed = ?, escalated = ?, last_signal_at = ?
		WHERE tenant_id = ? AND id = ?
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		string(signalIDs), inc.WindowStart, inc.WindowEnd, inc.Severity,
		boolToInt(inc.Closed), boolToInt(inc.Escalated), inc.LastSignalAt,
		tenantID, inc.ID,
	)
	if err != nil {
		return err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetIncident retrieves an incident by ID with tenant isolation.
func (r *SQLRepository) GetIncident(ctx context.Context, tenantID string, incidentID string) (*domain.CorrelatedIncident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := incidentSelect + ` WHERE tenant_id = ? AND id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, incidentID)
	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return inc, err
}

// GetOpenIncidents retrieves open, unarchived incidents for a subject.
func (r *SQLRepository) GetOpenIncidents(ctx context.Context, tenantID string, subjectID string) ([]*domain.CorrelatedIncident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := incidentSelect + `
		WHERE tenant_id = ? AND subject_id = ? AND closed = 0 AND archived = 0
		ORDER BY opened_at DESC
	`
	return r.queryIncidents(ctx, query, tenantID, subjectID)
}

// ListIncidents lists incidents opened since a point in time.
func (r *SQLRepository) ListIncidents(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.CorrelatedIncident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := incidentSelect + `
		WHERE tenant_id = ? AND opened_at >= ? AND archived = 0
		ORDER BY opened_at DESC
		LIMIT ?
	`
	return r.queryIncidents(ctx, query, tenantID, since, limit)
}

// ListExpiredOpenIncidents lists open incidents whose window ended before
// the given time; used by the correlation close sweep.
func (r *SQLRepository) ListExpiredOpenIncidents(ctx context.Context, tenantID string, before time.Time) ([]*domain.CorrelatedIncident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := incidentSelect + `
		WHERE tenant_id = ? AND closed = 0 AND archived = 0 AND window_end < ?
		ORDER BY window_end
	`
	return r.queryIncidents(ctx, query, tenantID, before)
}

// ArchiveIncident marks an incident archived. Incidents are never deleted.
func (r *SQLRepository) ArchiveIncident(ctx context.Context, tenantID string, incidentID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `UPDATE incidents SET archived = 1 WHERE tenant_id = ? AND id = ?`
	res, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, incidentID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const incidentSelect = `
	SELECT id, tenant_id, subject_id, signal_ids, window_start, window_end,
		   severity, incident_type, closed, archived, escalated,
		   opened_at, last_signal_at
	FROM incidents
`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row rowScanner) (*domain.CorrelatedIncident, error) {
	var inc domain.CorrelatedIncident
	var signalIDs string
	var closed, archived, escalated int

	if err := row.Scan(
		&inc.ID, &inc.TenantID, &inc.SubjectID, &signalIDs,
		&inc.WindowStart, &inc.WindowEnd, &inc.Severity, &inc.IncidentType,
		&closed, &archived, &escalated, &inc.OpenedAt, &inc.LastSignalAt,
	); err != nil {
		return nil, err
	}

	inc.Closed = closed == 1
	inc.Archived = archived == 1
	inc.Escalated = escalated == 1
	json.Unmarshal([]byte(signalIDs), &inc.SignalIDs)

	return &inc, nil
}

func (r *SQLRepository) queryIncidents(ctx context.Context, query string, args ...interface{}) ([]*domain.CorrelatedIncident, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*domain.CorrelatedIncident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// GetBaseline retrieves a subject's baseline profile.
func (r *SQLRepository) GetBaseline(ctx context.Context, tenantID string, subjectID string) (*domain.BaselineProfile, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, subject_id, feature_distributions, dynamic_threshold,
			   false_positive_rate, last_tuned_at, created_at, updated_at
		FROM baselines
		WHERE tenant_id = ? AND subject_id = ?
	`

	var p domain.BaselineProfile
	var distributions string
	var lastTuned sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, subjectID).Scan(
		&p.TenantID, &p.SubjectID, &distributions, &p.DynamicThreshold,
		&p.FalsePositiveRate, &lastTuned, &p.CreatedAt, &p.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if lastTuned.Valid {
		p.LastTunedAt = lastTuned.Time
	}
	if err := json.Unmarshal([]byte(distributions), &p.FeatureDistributions); err != nil {
		return nil, fmt.Errorf("failed to parse baseline distributions: %w", err)
	}

	return &p, nil
}

// SaveBaseline upserts a subject's baseline profile.
func (r *SQLRepository) SaveBaseline(ctx context.Context, tenantID string, profile *domain.BaselineProfile) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	distributions, _ := json.Marshal(profile.FeatureDistributions)
	var lastTuned interface{}
	if !profile.LastTunedAt.IsZero() {
		lastTuned = profile.LastTunedAt
	}

	query := `
		INSERT INTO baselines (
			tenant_id, subject_id, feature_distributions, dynamic_threshold,
			false_positive_rate, last_tuned_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, subject_id) DO UPDATE SET
			feature_distributions = excluded.feature_distributions,
			dynamic_threshold = excluded.dynamic_threshold,
			false_positive_rate = excluded.false_positive_rate,
			last_tuned_at = excluded.last_tuned_at,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, profile.SubjectID, string(distributions), profile.DynamicThreshold,
		profile.FalsePositiveRate, lastTuned, profile.CreatedAt, time.Now().UTC(),
	)
	return err
}

// ListBaselineSubjects lists every subject with a baseline profile.
func (r *SQLRepository) ListBaselineSubjects(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT subject_id FROM baselines WHERE tenant_id = ? ORDER BY subject_id`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subjects []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		subjects = append(subjects, s)
	}
	return subjects, rows.Err()
}

// SavePrediction stores a fraud prediction.
func (r *SQLRepository) SavePrediction(ctx context.Context, tenantID string, pred *domain.FraudPrediction) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	vector, _ := json.Marshal(pred.FeatureVector)

	query := `
		INSERT INTO predictions (
			id, tenant_id, subject_id, incident_id, model_version,
			feature_vector, probability, risk_tier, prediction_method,
			outcome_label, predicted_at, escalated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var label interface{}
	if pred.OutcomeLabel != "" {
		label = pred.OutcomeLabel
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		pred.ID, tenantID, pred.SubjectID, pred.IncidentID, pred.ModelVersion,
		string(vector), pred.Probability, pred.RiskTier, pred.PredictionMethod,
		label, pred.PredictedAt, boolToInt(pred.Escalated),
	)
	return err
}

const predictionSelect = `
	SELECT id, tenant_id, subject_id, incident_id, model_version,
		   feature_vector, probability, risk_tier, prediction_method,
		   outcome_label, predicted_at, escalated
	FROM predictions
`

func scanPrediction(row rowScanner) (*domain.FraudPrediction, error) {
	var p domain.FraudPrediction
	var incidentID, label sql.NullString
	var vector string
	var escalated int

	if err := row.Scan(
		&p.ID, &p.TenantID, &p.SubjectID, &incidentID, &p.ModelVersion,
		&vector, &p.Probability, &p.RiskTier, &p.PredictionMethod,
		&label, &p.PredictedAt, &escalated,
	); err != nil {
		return nil, err
	}

	p.IncidentID = incidentID.String
	p.OutcomeLabel = label.String
	p.Escalated = escalated == 1
	json.Unmarshal([]byte(vector), &p.FeatureVector)

	return &p, nil
}

// GetPrediction retrieves a prediction by ID with tenant isolation.
func (r *SQLRepository) GetPrediction(ctx context.Context, tenantID string, predictionID string) (*domain.FraudPrediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := predictionSelect + ` WHERE tenant_id = ? AND id = ?`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, predictionID)
	p, err := scanPrediction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// ListPredictions lists predictions since a point in time, optionally
// filtered by risk tier.
func (r *SQLRepository) ListPredictions(ctx context.Context, tenantID string, tier domain.RiskTier, since time.Time, limit int) ([]*domain.FraudPrediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	var (
		query string
		args  []interface{}
	)
	if tier != "" {
		query = predictionSelect + `
			WHERE tenant_id = ? AND risk_tier = ? AND predicted_at >= ?
			ORDER BY predicted_at DESC LIMIT ?`
		args = []interface{}{tenantID, tier, since, limit}
	} else {
		query = predictionSelect + `
			WHERE tenant_id = ? AND predicted_at >= ?
			ORDER BY predicted_at DESC LIMIT ?`
		args = []interface{}{tenantID, since, limit}
	}

	return r.queryPredictions(ctx, query, args...)
}

// ListLabeledPredictions lists outcome-labeled predictions for training and
// tuning. An empty subjectID matches all subjects.
func (r *SQLRepository) ListLabeledPredictions(ctx context.Context, tenantID string, subjectID string, since time.Time) ([]*domain.FraudPrediction, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	var (
		query string
		args  []interface{}
	)
	if subjectID != "" {
		query = predictionSelect + `
			WHERE tenant_id = ? AND subject_id = ? AND outcome_label IS NOT NULL AND predicted_at >= ?
			ORDER BY predicted_at`
		args = []interface{}{tenantID, subjectID, since}
	} else {
		query = predictionSelect + `
			WHERE tenant_id = ? AND outcome_label IS NOT NULL AND predicted_at >= ?
			ORDER BY predicted_at`
		args = []interface{}{tenantID, since}
	}

	return r.queryPredictions(ctx, query, args...)
}

func (r *SQLRepository) queryPredictions(ctx context.Context, query string, args ...interface{}) ([]*domain.FraudPrediction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var predictions []*domain.FraudPrediction
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// LabelPrediction sets the outcome label once. Labeled predictions are
// never relabeled; corrections append a new record.
func (r *SQLRepository) LabelPrediction(ctx context.Context, tenantID string, predictionID string, label string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if label != domain.OutcomeTruePositive && label != domain.OutcomeFalsePositive {
		return fmt.Errorf("%w: unknown outcome label %q", domain.ErrValidation, label)
	}

	query := `
		UPDATE predictions
		SET outcome_label = ?
		WHERE tenant_id = ? AND id = ? AND outcome_label IS NULL
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), label, tenantID, predictionID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := r.GetPrediction(ctx, tenantID, predictionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: prediction %s already labeled", domain.ErrValidation, predictionID)
	}
	return nil
}

// MarkPredictionEscalated flags a prediction as escalated.
func (r *SQLRepository) MarkPredictionEscalated(ctx context.Context, tenantID string, predictionID string) error {
	query := `UPDATE predictions SET escalated = 1 WHERE tenant_id = ? AND id = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, predictionID)
	return err
}

// CreateTicket inserts a ticket and marks the trigger escalated in one
// transaction. The unique (tenant_id, dedup_key, window_bucket) constraint
// rejects a concurrent duplicate; that surfaces as ErrDuplicateTicket.
func (r *SQLRepository) CreateTicket(ctx context.Context, tenantID string, ticket *domain.Ticket) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO tickets (
			id, tenant_id, trigger_ref, trigger_type, subject_id,
			dedup_key, window_bucket, priority, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = tx.ExecContext(ctx, r.rebind(query),
		ticket.ID, tenantID, ticket.TriggerRef, ticket.TriggerType, ticket.SubjectID,
		ticket.DedupKey, ticket.WindowBucket, ticket.Priority, ticket.State, ticket.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTicket
		}
		return err
	}

	var mark string
	switch ticket.TriggerType {
	case domain.TriggerIncident:
		mark = `UPDATE incidents SET escalated = 1 WHERE tenant_id = ? AND id = ?`
	case domain.TriggerFraud:
		mark = `UPDATE predictions SET escalated = 1 WHERE tenant_id = ? AND id = ?`
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidInput, ticket.TriggerType)
	}

	if _, err := tx.ExecContext(ctx, r.rebind(mark), tenantID, ticket.TriggerRef); err != nil {
		return err
	}

	return tx.Commit()
}

// GetTicket retrieves a ticket by ID with tenant isolation.
func (r *SQLRepository) GetTicket(ctx context.Context, tenantID string, ticketID string) (*domain.Ticket, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, trigger_ref, trigger_type, subject_id,
			   dedup_key, window_bucket, priority, state, created_at
		FROM tickets
		WHERE tenant_id = ? AND id = ?
	`

	var t domain.Ticket
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ticketID).Scan(
		&t.ID, &t.TenantID, &t.TriggerRef, &t.TriggerType, &t.SubjectID,
		&t.DedupKey, &t.WindowBucket, &t.Priority, &t.State, &t.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTickets lists tickets created since a point in time.
func (r *SQLRepository) ListTickets(ctx context.Context, tenantID string, since time.Time, limit int) ([]*domain.Ticket, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, trigger_ref, trigger_type, subject_id,
			   dedup_key, window_bucket, priority, state, created_at
		FROM tickets
		WHERE tenant_id = ? AND created_at >= ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []*domain.Ticket
	for rows.Next() {
		var t domain.Ticket
		if err := rows.Scan(
			&t.ID, &t.TenantID, &t.TriggerRef, &t.TriggerType, &t.SubjectID,
			&t.DedupKey, &t.WindowBucket, &t.Priority, &t.State, &t.CreatedAt,
		); err != nil {
			return nil, err
		}
		tickets = append(tickets, &t)
	}
	return tickets, rows.Err()
}

// AppendBroadcastEvent writes an audit row and assigns the sequence cursor.
func (r *SQLRepository) AppendBroadcastEvent(ctx context.Context, tenantID string, ev *domain.BroadcastEvent) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO broadcast_events (
			id, tenant_id, event_type, payload, scope, scope_id,
			source_entity_id, emitted_at, delivered
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq
	`

	return r.db.QueryRowContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.EventType, ev.Payload, ev.Scope, ev.ScopeID,
		ev.SourceEntityID, ev.EmittedAt, boolToInt(ev.Delivered),
	).Scan(&ev.Seq)
}

// MarkBroadcastDelivered flags an audit row as delivered to at least one
// subscriber.
func (r *SQLRepository) MarkBroadcastDelivered(ctx context.Context, tenantID string, seq int64) error {
	query := `UPDATE broadcast_events SET delivered = 1 WHERE tenant_id = ? AND seq = ?`
	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, seq)
	return err
}

// ListBroadcastEventsSince lists audit rows after a sequence cursor; serves
// last-event-id resumes for reconnecting subscribers.
func (r *SQLRepository) ListBroadcastEventsSince(ctx context.Context, tenantID string, afterSeq int64, limit int) ([]*domain.BroadcastEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = 500
	}

	query := `
		SELECT seq, id, tenant_id, event_type, payload, scope, scope_id,
			   source_entity_id, emitted_at, delivered
		FROM broadcast_events
		WHERE tenant_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.BroadcastEvent
	for rows.Next() {
		var ev domain.BroadcastEvent
		var delivered int
		if err := rows.Scan(
			&ev.Seq, &ev.ID, &ev.TenantID, &ev.EventType, &ev.Payload,
			&ev.Scope, &ev.ScopeID, &ev.SourceEntityID, &ev.EmittedAt, &delivered,
		); err != nil {
			return nil, err
		}
		ev.Delivered = delivered == 1
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// SaveModel stores a model record. New models are stored inactive;
// activation happens separately and atomically.
func (r *SQLRepository) SaveModel(ctx context.Context, tenantID string, rec *domain.ModelRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO models (
			version, tenant_id, artifact_ref, pr_auc, precision_at_80_recall,
			optimal_threshold, is_active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, version) DO UPDATE SET
			artifact_ref = excluded.artifact_ref,
			pr_auc = excluded.pr_auc,
			precision_at_80_recall = excluded.precision_at_80_recall,
			optimal_threshold = excluded.optimal_threshold
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.Version, tenantID, rec.ArtifactRef, rec.PRAUC, rec.PrecisionAt80Recall,
		rec.OptimalThreshold, boolToInt(rec.IsActive), rec.CreatedAt,
	)
	return err
}

// ActivateModel deactivates the currently-active model and activates the
// given version in a single transaction, keeping the one-active-per-tenant
// invariant under concurrent activation attempts.
func (r *SQLRepository) ActivateModel(ctx context.Context, tenantID string, version string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.rebind(`UPDATE models SET is_active = 0 WHERE tenant_id = ?`), tenantID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, r.rebind(`UPDATE models SET is_active = 1 WHERE tenant_id = ? AND version = ?`), tenantID, version)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// GetActiveModel retrieves the tenant's active model record.
func (r *SQLRepository) GetActiveModel(ctx context.Context, tenantID string) (*domain.ModelRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := modelSelect + ` WHERE tenant_id = ? AND is_active = 1`
	row := r.db.QueryRowContext(ctx, r.rebind(query), tenantID)
	rec, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListModels lists all model records for a tenant.
func (r *SQLRepository) ListModels(ctx context.Context, tenantID string) ([]*domain.ModelRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := modelSelect + ` WHERE tenant_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []*domain.ModelRecord
	for rows.Next() {
		rec, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, rec)
	}
	return models, rows.Err()
}

const modelSelect = `
	SELECT version, tenant_id, artifact_ref, pr_auc, precision_at_80_recall,
		   optimal_threshold, is_active, created_at
	FROM models
`

func scanModel(row rowScanner) (*domain.ModelRecord, error) {
	var rec domain.ModelRecord
	var active int
	if err := row.Scan(
		&rec.Version, &rec.TenantID, &rec.ArtifactRef, &rec.PRAUC,
		&rec.PrecisionAt80Recall, &rec.OptimalThreshold, &active, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	rec.IsActive = active == 1
	return &rec, nil
}

// SaveModelArtifact stores a serialized model binary keyed by (tenant, version).
func (r *SQLRepository) SaveModelArtifact(ctx context.Context, tenantID string, version string, artifact []byte) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO model_artifacts (tenant_id, version, artifact, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, version) DO UPDATE SET
			artifact = excluded.artifact
	`
	_, err := r.db.ExecContext(ctx, r.rebind(query), tenantID, version, artifact, time.Now().UTC())
	return err
}

// GetModelArtifact retrieves a serialized model binary.
func (r *SQLRepository) GetModelArtifact(ctx context.Context, tenantID string, version string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT artifact FROM model_artifacts WHERE tenant_id = ? AND version = ?`
	var artifact []byte
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, version).Scan(&artifact)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return artifact, err
}

// CountPredictionsByTier aggregates prediction counts per risk tier.
func (r *SQLRepository) CountPredictionsByTier(ctx context.Context, tenantID string, since time.Time) (map[domain.RiskTier]int64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT risk_tier, COUNT(*)
		FROM predictions
		WHERE tenant_id = ? AND predicted_at >= ?
		GROUP BY risk_tier
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RiskTier]int64)
	for rows.Next() {
		var tier domain.RiskTier
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

// CountIncidentsBySeverity aggregates incident counts per severity.
func (r *SQLRepository) CountIncidentsBySeverity(ctx context.Context, tenantID string, since time.Time) (map[domain.Severity]int64, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT severity, COUNT(*)
		FROM incidents
		WHERE tenant_id = ? AND opened_at >= ?
		GROUP BY severity
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.Severity]int64)
	for rows.Next() {
		var sev domain.Severity
		var n int64
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, err
		}
		counts[sev] = n
	}
	return counts, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// isUniqueViolation recognizes unique-constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
