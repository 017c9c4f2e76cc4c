package domain

import (
	"fmt"
	"time"
)

// Broadcast scopes. Subscribers attach at one of these levels.
type BroadcastScope string

const (
	ScopeSubject BroadcastScope = "subject"
	ScopeSite    BroadcastScope = "site"
	ScopeTenant  BroadcastScope = "tenant"
)

// Broadcast event types pushed to dashboard sessions.
const (
	EventFraudPrediction = "fraud.prediction"
	EventIncidentOpened  = "incident.opened"
	EventIncidentUpdated = "incident.updated"
	EventTicketCreated   = "ticket.created"
	EventModelActivated  = "model.activated"
)

// BroadcastEvent is an audit record of one publish attempt. Logged
// regardless of delivery success.
type BroadcastEvent struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Seq is assigned by the store in emission order and serves as the
	// last-event-id cursor for reconnecting subscribers.
	Seq int64 `json:"seq"`

	EventType string `json:"eventType"`
	Payload   []byte `json:"payload"`

	Scope   BroadcastScope `json:"scope"`
	ScopeID string         `json:"scopeId"` // subject id, site id, or tenant id

	// SourceEntityID is the entity the event describes, part of the
	// idempotency key.
	SourceEntityID string `json:"sourceEntityId"`

	EmittedAt time.Time `json:"emittedAt"`
	Delivered bool      `json:"delivered"`
}

// IdempotencyKey buckets emitted_at to the dedup window so retries within
// the window collapse onto the same key.
func (e *BroadcastEvent) IdempotencyKey(window time.Duration) string {
	bucket := int64(0)
	if window > 0 {
		bucket = e.EmittedAt.Unix() / int64(window.Seconds())
	}
	return fmt.Sprintf("%s:%s:%d", e.EventType, e.SourceEntityID, bucket)
}
