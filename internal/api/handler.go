package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"broadcast-scaler/internal/presence"
	"broadcast-scaler/internal/scaling"
)

var validate = validator.New()

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler exposes the viewer-facing and operator HTTP endpoints.
type Handler struct {
	registry    *presence.Registry
	controller  *scaling.Controller
	broadcaster *scaling.BroadcasterRegistry
	store       Pinger
	log         *slog.Logger
}

// NewHandler returns a Handler over the given components.
func NewHandler(registry *presence.Registry, controller *scaling.Controller, broadcaster *scaling.BroadcasterRegistry, store Pinger, log *slog.Logger) *Handler {
	return &Handler{registry: registry, controller: controller, broadcaster: broadcaster, store: store, log: log}
}

type joinRequest struct {
	ViewerID      string `json:"viewer_id" validate:"required,max=256"`
	ParticipantID string `json:"participant_id" validate:"required,max=256"`
	UnitID        string `json:"unit_id" validate:"max=256"`
	// PreviousUnitID moves the viewer: it is removed from this unit first.
	PreviousUnitID string `json:"previous_unit_id" validate:"max=256"`
}

type joinResponse struct {
	UnitID string `json:"unit_id"`
	Count  int64  `json:"count"`
	IsNew  bool   `json:"is_new"`
}

type viewerRequest struct {
	ViewerID string `json:"viewer_id" validate:"required,max=256"`
	UnitID   string `json:"unit_id" validate:"required,max=256"`
}

type broadcasterRequest struct {
	UnitID        string `json:"unit_id" validate:"required,max=256"`
	ParticipantID string `json:"participant_id" validate:"required,max=256"`
}

// Join handles POST /viewers/join. An empty unit_id is routed to the best
// unit.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}

	unit := presence.UnitID(req.UnitID)
	if unit == "" {
		best, err := h.controller.BestUnitForNewViewer(r.Context())
		if err != nil {
			h.log.Error("route viewer failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		unit = best
	}

	viewer := presence.ViewerID(req.ViewerID)
	if prev := presence.UnitID(req.PreviousUnitID); prev != "" && prev != unit {
		if _, err := h.registry.RecordLeave(r.Context(), viewer, prev); err != nil {
			h.log.Error("leave previous unit failed", slog.String("unit_id", string(prev)), slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
	}

	res, err := h.registry.RecordJoin(r.Context(), viewer, unit, req.ParticipantID)
	if err != nil {
		h.log.Error("join failed", slog.String("unit_id", string(unit)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.log.Debug("viewer joined",
		slog.String("viewer_id", req.ViewerID),
		slog.String("unit_id", string(unit)),
		slog.Int64("count", res.Count),
		slog.Bool("is_new", res.IsNew))
	writeJSON(w, http.StatusOK, joinResponse{UnitID: string(unit), Count: res.Count, IsNew: res.IsNew})
}

// Heartbeat handles POST /viewers/heartbeat. 404 means the viewer must
// join again.
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if !h.decode(w, r, &req) {
		return
	}
	ok, err := h.registry.Heartbeat(r.Context(), presence.ViewerID(req.ViewerID), presence.UnitID(req.UnitID))
	if err != nil {
		h.log.Error("heartbeat failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Leave handles POST /viewers/leave. Leaving twice is not an error.
func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	var req viewerRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.registry.RecordLeave(r.Context(), presence.ViewerID(req.ViewerID), presence.UnitID(req.UnitID))
	if err != nil {
		h.log.Error("leave failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": res.Count, "removed": res.Removed})
}

// WatchDuration handles GET /viewers/duration?viewer_id=&unit_id=.
func (h *Handler) WatchDuration(w http.ResponseWriter, r *http.Request) {
	req := viewerRequest{ViewerID: r.URL.Query().Get("viewer_id"), UnitID: r.URL.Query().Get("unit_id")}
	if err := validate.Struct(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	d, err := h.registry.WatchDuration(r.Context(), presence.ViewerID(req.ViewerID), presence.UnitID(req.UnitID))
	if err != nil {
		h.log.Error("watch duration failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"seconds": int64(d.Seconds())})
}

// ListUnits handles GET /units.
func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	units, err := h.controller.Units(r.Context())
	if err != nil {
		h.log.Error("list units failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, units)
}

// BestUnit handles GET /units/best.
func (h *Handler) BestUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.controller.BestUnitForNewViewer(r.Context())
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unit_id": string(unit)})
}

// UnitViewers handles GET /units/{unit_id}/viewers.
func (h *Handler) UnitViewers(w http.ResponseWriter, r *http.Request) {
	unit := presence.UnitID(chi.URLParam(r, "unit_id"))
	if unit == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	viewers, err := h.registry.ActiveViewers(r.Context(), unit)
	if err != nil {
		h.log.Error("list viewers failed", slog.String("unit_id", string(unit)), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if viewers == nil {
		viewers = []presence.ViewerID{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"unit_id": unit, "count": len(viewers), "viewers": viewers})
}

// RetryReplication handles POST /units/{unit_id}/replication.
func (h *Handler) RetryReplication(w http.ResponseWriter, r *http.Request) {
	unit := presence.UnitID(chi.URLParam(r, "unit_id"))
	outcome, err := h.controller.RetryReplication(r.Context(), unit)
	switch {
	case errors.Is(err, scaling.ErrUnitNotFound):
		w.WriteHeader(http.StatusNotFound)
		return
	case errors.Is(err, scaling.ErrNoBroadcaster):
		w.WriteHeader(http.StatusConflict)
		return
	case err != nil:
		h.log.Warn("replication retry failed", slog.String("unit_id", string(unit)), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]string{"outcome": string(outcome)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// SetBroadcaster handles PUT /broadcaster.
func (h *Handler) SetBroadcaster(w http.ResponseWriter, r *http.Request) {
	var req broadcasterRequest
	if !h.decode(w, r, &req) {
		return
	}
	b, err := h.broadcaster.Set(r.Context(), presence.UnitID(req.UnitID), req.ParticipantID)
	if err != nil {
		h.log.Error("set broadcaster failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// ClearBroadcaster handles DELETE /broadcaster.
func (h *Handler) ClearBroadcaster(w http.ResponseWriter, r *http.Request) {
	if err := h.broadcaster.Clear(r.Context()); err != nil {
		h.log.Error("clear broadcaster failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.log.Warn("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.log.Debug("invalid request body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		h.log.Debug("request validation failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
