package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/osa-gateway/internal/auth"
	"github.com/sells-group/osa-gateway/internal/model"
	"github.com/sells-group/osa-gateway/internal/pipeline"
	"github.com/sells-group/osa-gateway/internal/store"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

type handlers struct {
	svc *services
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func actorOf(r *http.Request) string {
	if c, ok := auth.FromContext(r.Context()); ok {
		return c.Subject
	}
	return "anonymous"
}

func requestContext(r *http.Request, force bool) model.RequestContext {
	return model.RequestContext{
		UserID:       actorOf(r),
		RequestID:    middleware.GetReqID(r.Context()),
		ForceRefresh: force,
	}
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := h.svc.Store.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "degraded", "store": err.Error()}
	}
	writeJSON(w, status, body)
}

func (h *handlers) content(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh"))
	cs := h.svc.Pipeline.Get(r.Context(), chi.URLParam(r, "pageId"), chi.URLParam(r, "widgetId"), requestContext(r, force))
	writeJSON(w, http.StatusOK, cs)
}

func (h *handlers) systemHealth(w http.ResponseWriter, r *http.Request) {
	hours := h.svc.Config.Monitoring.LookbackWindowHours
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
			return
		}
		hours = n
	}
	h.writeHealth(w, r, hours)
}

func (h *handlers) writeHealth(w http.ResponseWriter, r *http.Request, hours int) {
	if hours <= 0 {
		hours = 24
	}
	health, err := h.svc.Pipeline.SystemHealth(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		zap.L().Error("system health", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "health unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"health":              health,
		"enhancement_enabled": h.svc.Orchestrator.EnhancementEnabled(),
	})
}

func (h *handlers) auditRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.AuditFilter{
		PageID:   q.Get("page_id"),
		WidgetID: q.Get("widget_id"),
		Gate:     model.GateKind(q.Get("gate")),
		Status:   model.GateStatus(q.Get("status")),
		Limit:    defaultAuditLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	for key, dst := range map[string]*time.Time{"since": &filter.Since, "until": &filter.Until} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, key+" must be RFC3339")
				return
			}
			*dst = t
		}
	}
	h.writeAudit(w, r, filter)
}

func (h *handlers) writeAudit(w http.ResponseWriter, r *http.Request, filter store.AuditFilter) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	recs, err := h.svc.Audit.Query(r.Context(), filter)
	if err != nil {
		zap.L().Error("query audit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit unavailable")
		return
	}
	aggFilter := filter
	aggFilter.Limit = 0
	agg, err := h.svc.Audit.Aggregate(r.Context(), aggFilter)
	if err != nil {
		zap.L().Error("aggregate audit", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "audit unavailable")
		return
	}
	if recs == nil {
		recs = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "aggregates": agg})
}

type rollbackRequest struct {
	AuditID       string `json:"audit_id,omitempty"`
	TargetVersion int    `json:"target_version,omitempty"`
}

func (h *handlers) rollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	h.doRollback(w, r, chi.URLParam(r, "auditId"), req.TargetVersion)
}

func (h *handlers) doRollback(w http.ResponseWriter, r *http.Request, auditID string, target int) {
	if auditID == "" {
		writeError(w, http.StatusBadRequest, "audit_id is required")
		return
	}
	if target < 0 {
		writeError(w, http.StatusBadRequest, "target_version must be >= 0")
		return
	}
	out, err := h.svc.Pipeline.Rollback(r.Context(), auditID, target, actorOf(r))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "agent output not found")
	case errors.Is(err, pipeline.ErrRollbackTarget):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		zap.L().Error("rollback", zap.String("audit_id", auditID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "rollback failed")
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *handlers) setEnhancement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"enabled\": true|false}")
		return
	}
	h.svc.Orchestrator.SetEnhancementEnabled(*req.Enabled)
	zap.L().Info("enhancement toggled", zap.Bool("enabled", *req.Enabled), zap.String("actor", actorOf(r)))
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
}

// Tool endpoints take their arguments as a JSON body.

func decodeTool(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func (h *handlers) toolWidgetContent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PageID       string `json:"page_id"`
		WidgetID     string `json:"widget_id"`
		ForceRefresh bool   `json:"force_refresh"`
	}
	if !decodeTool(w, r, &req) {
		return
	}
	if req.PageID == "" || req.WidgetID == "" {
		writeError(w, http.StatusBadRequest, "page_id and widget_id are required")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Pipeline.Get(r.Context(), req.PageID, req.WidgetID, requestContext(r, req.ForceRefresh)))
}

func (h *handlers) toolValidationHealth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LookbackHours int `json:"lookback_hours"`
	}
	if !decodeTool(w, r, &req) {
		return
	}
	if req.LookbackHours <= 0 {
		req.LookbackHours = h.svc.Config.Monitoring.LookbackWindowHours
	}
	h.writeHealth(w, r, req.LookbackHours)
}

func (h *handlers) toolAuditRecords(w http.ResponseWriter, r *http.Request) {
	var filter store.AuditFilter
	if !decodeTool(w, r, &filter) {
		return
	}
	h.writeAudit(w, r, filter)
}

func (h *handlers) toolRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !decodeTool(w, r, &req) {
		return
	}
	h.doRollback(w, r, req.AuditID, req.TargetVersion)
}
