package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// SubjectType identifies what kind of entity a signal is about.
type SubjectType string

const (
	SubjectPerson SubjectType = "PERSON"
	SubjectSite   SubjectType = "SITE"
	SubjectAsset  SubjectType = "ASSET"
)

// SignalSource identifies the domain system a signal originated from.
type SignalSource string

const (
	SourceAttendance SignalSource = "ATTENDANCE"
	SourceTour       SignalSource = "TOUR"
	SourceTicket     SignalSource = "TICKET"
	SourceGPS        SignalSource = "GPS"
)

// KnownSources lists every source the collector can normalize.
var KnownSources = []SignalSource{SourceAttendance, SourceTour, SourceTicket, SourceGPS}

// Signal is a single normalized operational event from a monitored domain.
// Immutable once created.
type Signal struct {
	ID       string      `json:"id"`
	TenantID string      `json:"tenantId"`

	SubjectType SubjectType `json:"subjectType"`
	SubjectID   string      `json:"subjectId"`

	Source SignalSource `json:"source"`

	// SourceEventID is the originating system's event id, used for the
	// idempotent insert key (tenant_id, source, source_event_id).
	SourceEventID string `json:"sourceEventId"`

	OccurredAt time.Time `json:"occurredAt"`
	CreatedAt  time.Time `json:"createdAt"`

	// Payload carries source-specific fields (GPS drift, checkpoint id, ...).
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// SignalRequest is the API request payload for signal ingestion.
type SignalRequest struct {
	SubjectType   SubjectType            `json:"subjectType"`
	SubjectID     string                 `json:"subjectId"`
	Source        SignalSource           `json:"source"`
	SourceEventID string                 `json:"sourceEventId"`
	OccurredAt    time.Time              `json:"occurredAt"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// Validate checks the request shape. Malformed signals are rejected, not retried.
func (r *SignalRequest) Validate() error {
	switch r.SubjectType {
	case SubjectPerson, SubjectSite, SubjectAsset:
	default:
		return fmt.Errorf("%w: unknown subject type %q", ErrValidation, r.SubjectType)
	}
	switch r.Source {
	case SourceAttendance, SourceTour, SourceTicket, SourceGPS:
	default:
		return fmt.Errorf("%w: unknown source %q", ErrValidation, r.Source)
	}
	if r.SubjectID == "" {
		return fmt.Errorf("%w: subjectId is required", ErrValidation)
	}
	if r.SourceEventID == "" {
		return fmt.Errorf("%w: sourceEventId is required", ErrValidation)
	}
	if r.OccurredAt.IsZero() {
		return fmt.Errorf("%w: occurredAt is required", ErrValidation)
	}
	return nil
}

// ToSignal converts a request to a Signal domain object.
func (r *SignalRequest) ToSignal(tenantID, id string) *Signal {
	return &Signal{
		ID:            id,
		TenantID:      tenantID,
		SubjectType:   r.SubjectType,
		SubjectID:     r.SubjectID,
		Source:        r.Source,
		SourceEventID: r.SourceEventID,
		OccurredAt:    r.OccurredAt.UTC(),
		CreatedAt:     time.Now().UTC(),
		Payload:       r.Payload,
	}
}

// PayloadFloat reads a numeric payload field, tolerating json.Number decoding.
func (s *Signal) PayloadFloat(key string) (float64, bool) {
	v, ok := s.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// PayloadString reads a string payload field.
func (s *Signal) PayloadString(key string) (string, bool) {
	v, ok := s.Payload[key].(string)
	return v, ok
}
