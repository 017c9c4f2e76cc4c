package collector

import (
	"fmt"

	"github.com/facilityops/vigil/internal/domain"
)

// SourceAdapter normalizes raw events from one domain system into the
// canonical signal shape. Adapters reject malformed payloads; rejected
// events are reported, never retried.
type SourceAdapter interface {
	Source() domain.SignalSource
	Normalize(req *domain.SignalRequest) error
}

// DefaultAdapters returns the adapters for every known source.
func DefaultAdapters() map[domain.SignalSource]SourceAdapter {
	adapters := map[domain.SignalSource]SourceAdapter{}
	for _, a := range []SourceAdapter{
		attendanceAdapter{},
		tourAdapter{},
		ticketAdapter{},
		gpsAdapter{},
	} {
		adapters[a.Source()] = a
	}
	return adapters
}

func requireFloat(req *domain.SignalRequest, key string) (float64, error) {
	v, ok := req.Payload[key]
	if !ok {
		return 0, fmt.Errorf("%w: payload field %q is required", domain.ErrValidation, key)
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: payload field %q must be numeric", domain.ErrValidation, key)
	}
	return f, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// attendanceAdapter handles check-in/check-out events from the attendance
// system. Events carry the event kind and optionally a schedule deviation.
type attendanceAdapter struct{}

func (attendanceAdapter) Source() domain.SignalSource { return domain.SourceAttendance }

func (attendanceAdapter) Normalize(req *domain.SignalRequest) error {
	kind, _ := req.Payload["event"].(string)
	switch kind {
	case "checkin", "checkout", "missed_checkin", "missed_checkout":
	default:
		return fmt.Errorf("%w: unknown attendance event %q", domain.ErrValidation, kind)
	}
	return nil
}

// tourAdapter handles guard-tour checkpoint scans. A missed checkpoint comes
// through with scanned=false.
type tourAdapter struct{}

func (tourAdapter) Source() domain.SignalSource { return domain.SourceTour }

func (tourAdapter) Normalize(req *domain.SignalRequest) error {
	if _, ok := req.Payload["checkpoint_id"].(string); !ok {
		return fmt.Errorf("%w: payload field %q is required", domain.ErrValidation, "checkpoint_id")
	}
	if _, ok := req.Payload["scanned"].(bool); !ok {
		req.Payload["scanned"] = true
	}
	return nil
}

// ticketAdapter handles work-order and maintenance ticket events.
type ticketAdapter struct{}

func (ticketAdapter) Source() domain.SignalSource { return domain.SourceTicket }

func (ticketAdapter) Normalize(req *domain.SignalRequest) error {
	if _, ok := req.Payload["ticket_id"].(string); !ok {
		return fmt.Errorf("%w: payload field %q is required", domain.ErrValidation, "ticket_id")
	}
	return nil
}

// gpsAdapter handles location fixes. Drift is precomputed upstream against
// the assigned post; verification_confidence comes from the mobile client.
type gpsAdapter struct{}

func (gpsAdapter) Source() domain.SignalSource { return domain.SourceGPS }

func (gpsAdapter) Normalize(req *domain.SignalRequest) error {
	drift, err := requireFloat(req, "gps_drift_meters")
	if err != nil {
		return err
	}
	if drift < 0 {
		return fmt.Errorf("%w: gps_drift_meters must be non-negative", domain.ErrValidation)
	}
	if _, ok := req.Payload["verification_confidence"]; !ok {
		req.Payload["verification_confidence"] = 1.0
	}
	return nil
}
