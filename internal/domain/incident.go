package domain

import (
	"time"
)

// Severity is the discrete severity bucket of an incident.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMed      Severity = "MED"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for monotonicity checks.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMed:      1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at or above other.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// CorrelatedIncident groups signals sharing a subject within a time window.
// Invariant: every member signal shares the subject and falls within
// [WindowStart, WindowEnd]; severity is monotonic in member weight.
type CorrelatedIncident struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	SubjectID string `json:"subjectId"`

	SignalIDs []string `json:"signalIds"`

	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`

	Severity     Severity `json:"severity"`
	IncidentType string   `json:"incidentType"`

	// Closed incidents are immutable; late signals open a new incident.
	Closed   bool `json:"closed"`
	Archived bool `json:"archived"`

	// Escalated marks that a ticket was created for this incident.
	Escalated bool `json:"escalated"`

	OpenedAt     time.Time `json:"openedAt"`
	LastSignalAt time.Time `json:"lastSignalAt"`
}

// Covers reports whether occurredAt falls inside the incident window,
// widened by slack on both ends.
func (i *CorrelatedIncident) Covers(occurredAt time.Time, slack time.Duration) bool {
	return !occurredAt.Before(i.WindowStart.Add(-slack)) && !occurredAt.After(i.WindowEnd.Add(slack))
}
