// Package broadcast fans out pipeline events to live dashboard sessions
// with an always-on audit trail.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facilityops/vigil/internal/domain"
)

// Hub is the in-process fan-out point. Every publish is audited before any
// delivery attempt; duplicate suppression and slow subscribers only affect
// delivery, never the audit log.
type Hub struct {
	repo   domain.Repository
	cache  domain.Cache
	cfg    domain.BroadcastConfig
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub creates a broadcast hub.
func NewHub(repo domain.Repository, cache domain.Cache, cfg domain.BroadcastConfig, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	return &Hub{
		repo:   repo,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string]*Subscriber),
	}
}

// Publish audits and delivers one event. The audit row is written first so
// a delivery failure still leaves a complete trail; duplicates within the
// dedup window are audited with delivered=false and not fanned out.
func (h *Hub) Publish(ctx context.Context, tenantID string, eventType string, payload interface{}, scope domain.BroadcastScope, scopeID, sourceEntityID string) (*domain.BroadcastEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshalable payload", domain.ErrValidation)
	}

	ev := &domain.BroadcastEvent{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		EventType:      eventType,
		Payload:        data,
		Scope:          scope,
		ScopeID:        scopeID,
		SourceEntityID: sourceEntityID,
		EmittedAt:      time.Now().UTC(),
	}

	if err := h.repo.AppendBroadcastEvent(ctx, tenantID, ev); err != nil {
		return nil, fmt.Errorf("failed to audit broadcast event: %w", err)
	}

	if h.isDuplicate(ctx, tenantID, ev) {
		h.logger.Debug("duplicate broadcast suppressed",
			"tenant_id", tenantID,
			"event_type", eventType,
			"source_entity_id", sourceEntityID,
		)
		return ev, nil
	}

	if h.deliver(ev) > 0 {
		ev.Delivered = true
		if err := h.repo.MarkBroadcastDelivered(ctx, tenantID, ev.Seq); err != nil {
			h.logger.Warn("failed to flag delivery on audit row",
				"tenant_id", tenantID,
				"seq", ev.Seq,
				"error", err,
			)
		}
	}

	return ev, nil
}

func (h *Hub) isDuplicate(ctx context.Context, tenantID string, ev *domain.BroadcastEvent) bool {
	if h.cache == nil || h.cfg.DedupWindow <= 0 {
		return false
	}

	key := "bcast:" + ev.IdempotencyKey(h.cfg.DedupWindow)
	set, err := h.cache.SetNX(ctx, tenantID, key, []byte{1}, h.cfg.DedupWindow)
	if err != nil {
		// Dedup is best-effort; a cache failure must not block delivery.
		h.logger.Warn("broadcast dedup check failed", "tenant_id", tenantID, "error", err)
		return false
	}
	return !set
}

func (h *Hub) deliver(ev *domain.BroadcastEvent) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		if sub.offer(ev) {
			delivered++
		}
	}
	return delivered
}

// Subscribe registers a live subscriber at the given scope. A non-negative
// afterSeq replays the audit log from that cursor before live events, so
// reconnecting dashboards never miss a window.
func (h *Hub) Subscribe(ctx context.Context, tenantID string, scope domain.BroadcastScope, scopeID string, afterSeq int64) (*Subscriber, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrValidation)
	}

	sub := newSubscriber(tenantID, scope, scopeID, h.cfg.SubscriberBuffer)

	if afterSeq >= 0 {
		missed, err := h.repo.ListBroadcastEventsSince(ctx, tenantID, afterSeq, 500)
		if err != nil {
			return nil, fmt.Errorf("failed to replay events: %w", err)
		}
		for _, ev := range missed {
			if sub.matches(ev) {
				sub.offer(ev)
			}
		}
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	h.mu.Unlock()

	h.logger.Info("subscriber attached",
		"tenant_id", tenantID,
		"subscriber_id", sub.ID,
		"scope", scope,
		"scope_id", scopeID,
	)
	return sub, nil
}

// Unsubscribe detaches and closes a subscriber.
func (h *Hub) Unsubscribe(subscriberID string) {
	h.mu.Lock()
	sub, ok := h.subs[subscriberID]
	if ok {
		delete(h.subs, subscriberID)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// EvictStalled drops subscribers whose buffer has been saturated longer
// than the eviction deadline; their dashboards reconnect and resume from
// their last seen cursor.
func (h *Hub) EvictStalled(now time.Time) int {
	if h.cfg.EvictAfter <= 0 {
		return 0
	}

	h.mu.Lock()
	var stalled []*Subscriber
	for id, sub := range h.subs {
		if sub.stalledSince(now, h.cfg.EvictAfter) {
			delete(h.subs, id)
			stalled = append(stalled, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range stalled {
		sub.close()
		h.logger.Warn("evicted stalled subscriber",
			"tenant_id", sub.TenantID,
			"subscriber_id", sub.ID,
		)
	}
	return len(stalled)
}

// RunEviction sweeps for stalled subscribers until the context is cancelled.
func (h *Hub) RunEviction(ctx context.Context) {
	interval := h.cfg.EvictAfter
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.EvictStalled(now)
		}
	}
}

// Close detaches every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	return nil
}
