package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/facilityops/vigil/internal/baseline"
	"github.com/facilityops/vigil/internal/broadcast"
	"github.com/facilityops/vigil/internal/collector"
	"github.com/facilityops/vigil/internal/domain"
	"github.com/facilityops/vigil/internal/training"
	"github.com/facilityops/vigil/internal/velocity"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo      domain.Repository
	cache     domain.Cache
	bus       domain.EventBus
	collector *collector.Collector
	hub       *broadcast.Hub
	trainer   *training.Pipeline
	tuner     *baseline.Tuner
	velocity  *velocity.Service
	perms     domain.PermissionChecker
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, col *collector.Collector, hub *broadcast.Hub, trainer *training.Pipeline, tuner *baseline.Tuner, perms domain.PermissionChecker, version string) *Handler {
	if perms == nil {
		perms = domain.AllowAllChecker{}
	}
	return &Handler{
		repo:      repo,
		cache:     cache,
		bus:       bus,
		collector: col,
		hub:       hub,
		trainer:   trainer,
		tuner:     tuner,
		velocity:  velocity.NewService(repo, cache),
		perms:     perms,
		version:   version,
	}
}

// allowed runs the permission check and writes the refusal itself.
func (h *Handler) allowed(w http.ResponseWriter, r *http.Request, action string) bool {
	ctx := r.Context()
	ok, err := h.perms.Allowed(ctx, GetTenantID(ctx), GetAuthToken(ctx), action)
	if err != nil {
		slog.Error("permission check failed", "action", action, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "permission check failed",
		})
		return false
	}
	if !ok {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "not authorized for " + action,
		})
		return false
	}
	return true
}

// IngestSignal handles POST /signals.
func (h *Handler) IngestSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionIngestSignal) {
		return
	}

	var req domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	sig, inserted, err := h.collector.Collect(ctx, tenantID, &req)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("signal ingestion failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to ingest signal",
		})
		return
	}

	status := http.StatusCreated
	if !inserted {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"signal":   sig,
		"inserted": inserted,
	})
}

// IngestBatch handles POST /signals/batch.
func (h *Handler) IngestBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionIngestSignal) {
		return
	}

	var reqs []*domain.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "batch is empty",
		})
		return
	}

	result := h.collector.CollectBatch(ctx, tenantID, reqs)
	writeJSON(w, http.StatusOK, result)
}

// GetSignal handles GET /signals/{id}.
func (h *Handler) GetSignal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	sig, err := h.repo.GetSignal(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "signal not found"})
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// ListIncidents handles GET /incidents.
func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	since := parseSince(r, 24*time.Hour)
	limit := parseLimit(r, 100)

	incidents, err := h.repo.ListIncidents(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("failed to list incidents", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list incidents",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": incidents,
		"count":     len(incidents),
	})
}

// GetIncident handles GET /incidents/{id}.
func (h *Handler) GetIncident(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	inc, err := h.repo.GetIncident(ctx, tenantID, chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "incident not found"})
		return
	}
	writeJSON(w, http.StatusOK, inc)
}

// ListPredictions handles GET /predictions.
func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	tier := domain.RiskTier(r.URL.Query().Get("tier"))
	since := parseSince(r, 24*time.Hour)
	limit := parseLimit(r, 100)

	preds, err := h.repo.ListPredictions(ctx, tenantID, tier, since, limit)
	if err != nil {
		slog.Error("failed to list predictions", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list predictions",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"predictions": preds,
		"count":       len(preds),
	})
}

// LabelRequest is the request body for POST /predictions/{id}/label.
type LabelRequest struct {
	Label string `json:"label"`
}

// LabelPrediction handles POST /predictions/{id}/label. A label is set
// once; relabeling attempts return 409.
func (h *Handler) LabelPrediction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	predictionID := chi.URLParam(r, "id")

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	var req LabelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Label != domain.OutcomeTruePositive && req.Label != domain.OutcomeFalsePositive {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("label must be %s or %s", domain.OutcomeTruePositive, domain.OutcomeFalsePositive),
		})
		return
	}

	err := h.repo.LabelPrediction(ctx, tenantID, predictionID, req.Label)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{
			"predictionId": predictionID,
			"label":        req.Label,
		})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "prediction is already labeled",
		})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "prediction not found"})
	}
}

// ListTickets handles GET /tickets.
func (h *Handler) ListTickets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	since := parseSince(r, 24*time.Hour)
	limit := parseLimit(r, 100)

	tickets, err := h.repo.ListTickets(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("failed to list tickets", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list tickets",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tickets": tickets,
		"count":   len(tickets),
	})
}

// Trends handles GET /trends: prediction and incident counts for the
// dashboard header.
func (h *Handler) Trends(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	since := parseSince(r, 7*24*time.Hour)

	byTier, err := h.repo.CountPredictionsByTier(ctx, tenantID, since)
	if err != nil {
		slog.Error("failed to count predictions", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute trends"})
		return
	}
	bySeverity, err := h.repo.CountIncidentsBySeverity(ctx, tenantID, since)
	if err != nil {
		slog.Error("failed to count incidents", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to compute trends"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":               since,
		"predictionsByTier":   byTier,
		"incidentsBySeverity": bySeverity,
	})
}

// ListModels handles GET /models.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	models, err := h.repo.ListModels(ctx, tenantID)
	if err != nil {
		slog.Error("failed to list models", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list models",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": models,
		"count":  len(models),
	})
}

// ActivateModel handles POST /models/{version}/activate: a manual rollback
// or promotion. The activation event flows through the bus so scoring
// caches invalidate everywhere.
func (h *Handler) ActivateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	version := chi.URLParam(r, "version")

	if !h.allowed(w, r, domain.ActionRunTraining) {
		return
	}

	if err := h.repo.ActivateModel(ctx, tenantID, version); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "model version not found",
		})
		return
	}

	payload, _ := json.Marshal(map[string]string{"tenantId": tenantID, "version": version})
	if err := h.bus.Publish(ctx, tenantID, domain.TopicModelActivated, payload); err != nil {
		slog.Error("failed to publish model activation", "tenant_id", tenantID, "version", version, "error", err)
	}

	slog.Info("model activated manually", "tenant_id", tenantID, "version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"version": version,
		"status":  "active",
	})
}

// RunTraining handles POST /training/run.
func (h *Handler) RunTraining(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionRunTraining) {
		return
	}

	result, err := h.trainer.Run(ctx, tenantID)
	if err != nil {
		slog.Error("training run failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "training run failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RunTuning handles POST /baseline/tune.
func (h *Handler) RunTuning(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionRunTuning) {
		return
	}

	results, err := h.tuner.TuneAll(ctx, tenantID, time.Now().UTC())
	if err != nil {
		slog.Error("tuning run failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "tuning run failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

// CollectSignals handles GET /collect/signals: a cursor-based re-collection
// pass over all sources, restartable from the returned cursor.
func (h *Handler) CollectSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	since := parseSince(r, 24*time.Hour)
	limit := parseLimit(r, 500)

	run, err := h.collector.CollectSince(ctx, tenantID, since, limit)
	if err != nil {
		slog.Error("collection pass failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "collection pass failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// CollectReport handles GET /collect/report: per-source ingestion stats.
func (h *Handler) CollectReport(w http.ResponseWriter, r *http.Request) {
	tenantID := GetTenantID(r.Context())

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	writeJSON(w, http.StatusOK, h.collector.Report(tenantID))
}

// SubjectVelocity handles GET /subjects/{id}/velocity: the signal count
// for a subject over a trailing window (default one hour).
func (h *Handler) SubjectVelocity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	subjectID := chi.URLParam(r, "id")

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	windowSecs := 3600
	if v := r.URL.Query().Get("window"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			windowSecs = n
		}
	}

	count, err := h.velocity.GetSignalCount(ctx, tenantID, subjectID, windowSecs)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		slog.Error("failed to compute velocity", "tenant_id", tenantID, "subject_id", subjectID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute velocity",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"subjectId":   subjectID,
		"windowSecs":  windowSecs,
		"signalCount": count,
	})
}

// Stream handles GET /stream: a Server-Sent Events feed of broadcast
// events. Last-Event-ID (or ?after=) resumes from the audit log cursor.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	if !h.allowed(w, r, domain.ActionReadDashboard) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "streaming unsupported",
		})
		return
	}

	scope := domain.BroadcastScope(r.URL.Query().Get("scope"))
	scopeID := r.URL.Query().Get("scopeId")
	if scope == "" {
		scope = domain.ScopeTenant
		scopeID = tenantID
	}

	afterSeq := int64(-1)
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterSeq = n
		}
	} else if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			afterSeq = n
		}
	}

	sub, err := h.hub.Subscribe(ctx, tenantID, scope, scopeID, afterSeq)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to subscribe",
		})
		return
	}
	defer h.hub.Unsubscribe(sub.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		ev := sub.Next(ctx.Done())
		if ev == nil {
			return
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.EventType, ev.Payload)
		flusher.Flush()
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func parseSince(r *http.Request, fallback time.Duration) time.Time {
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Now().UTC().Add(-fallback)
}

func parseLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
