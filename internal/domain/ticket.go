package domain

import (
	"context"
	"time"
)

// Ticket priority, derived from severity or risk tier.
type TicketPriority string

const (
	PriorityP1 TicketPriority = "P1"
	PriorityP2 TicketPriority = "P2"
	PriorityP3 TicketPriority = "P3"
	PriorityP4 TicketPriority = "P4"
)

// Ticket states.
const (
	TicketStateOpen     = "OPEN"
	TicketStateResolved = "RESOLVED"
)

// Trigger types for escalation dedup keys.
const (
	TriggerIncident = "incident"
	TriggerFraud    = "fraud"
)

// Ticket is an escalated finding. Uniqueness invariant:
// (tenant_id, dedup_key, window_bucket), enforced at the storage layer.
type Ticket struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// TriggerRef is the id of the incident or prediction that escalated.
	TriggerRef  string `json:"triggerRef"`
	TriggerType string `json:"triggerType"` // "incident" or "fraud"
	SubjectID   string `json:"subjectId"`

	DedupKey     string `json:"dedupKey"`
	WindowBucket int64  `json:"windowBucket"`

	Priority TicketPriority `json:"priority"`
	State    string         `json:"state"`

	CreatedAt time.Time `json:"createdAt"`
}

// TicketSink is the external ticket-creation capability. Escalation passes
// the dedup key as idempotency key so the ticket system also rejects
// duplicates defensively.
type TicketSink interface {
	CreateTicket(ctx context.Context, ticket *Ticket, idempotencyKey string) error
}

// NoopTicketSink discards tickets; used when no external system is wired.
type NoopTicketSink struct{}

func (NoopTicketSink) CreateTicket(ctx context.Context, ticket *Ticket, idempotencyKey string) error {
	return nil
}
