package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
)

// Subscriber is one attached dashboard session. Its outbound buffer is a
// fixed-size ring: when the session cannot keep up, the oldest unsent event
// is dropped so fresh state always wins over stale backlog.
type Subscriber struct {
	ID       string
	TenantID string
	Scope    domain.BroadcastScope
	ScopeID  string

	mu        sync.Mutex
	buffer    []*domain.BroadcastEvent
	capacity  int
	fullSince time.Time
	closed    bool
	notify    chan struct{}
}

func newSubscriber(tenantID string, scope domain.BroadcastScope, scopeID string, capacity int) *Subscriber {
	return &Subscriber{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Scope:    scope,
		ScopeID:  scopeID,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// matches reports whether the subscriber's scope covers the event.
func (s *Subscriber) matches(ev *domain.BroadcastEvent) bool {
	if ev.TenantID != s.TenantID {
		return false
	}
	if s.Scope == domain.ScopeTenant {
		return true
	}
	return ev.Scope == s.Scope && ev.ScopeID == s.ScopeID
}

// offer enqueues an event, dropping the oldest buffered one when full.
func (s *Subscriber) offer(ev *domain.BroadcastEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if len(s.buffer) >= s.capacity {
		s.buffer = s.buffer[1:]
		if s.fullSince.IsZero() {
			s.fullSince = time.Now()
		}
	} else {
		s.fullSince = time.Time{}
	}
	s.buffer = append(s.buffer, ev)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Next pops the oldest buffered event, blocking on the done channel when
// the buffer is empty. Returns nil when the subscriber is closed or done
// fires.
func (s *Subscriber) Next(done <-chan struct{}) *domain.BroadcastEvent {
	for {
		s.mu.Lock()
		if len(s.buffer) > 0 {
			ev := s.buffer[0]
			s.buffer = s.buffer[1:]
			s.fullSince = time.Time{}
			s.mu.Unlock()
			return ev
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil
		}

		select {
		case <-done:
			return nil
		case <-s.notify:
		}
	}
}

// Pending returns the number of buffered events.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Subscriber) stalledSince(now time.Time, evictAfter time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.fullSince.IsZero() && now.Sub(s.fullSince) >= evictAfter
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
