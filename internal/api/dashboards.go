package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/db"
	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

// Control frame kinds sent to a user's private room after a mutation, so
// every open tab of that user can refresh its view.
const (
	kindDashboardCreated = "dashboard.created"
	kindDashboardUpdated = "dashboard.updated"
	kindDashboardDeleted = "dashboard.deleted"
	kindWidgetCreated    = "widget.created"
	kindWidgetUpdated    = "widget.updated"
	kindWidgetDeleted    = "widget.deleted"
)

// ControlSender delivers control frames to a user's private room.
// *realtime.Hub implements it.
type ControlSender interface {
	SendToUser(user realtime.UserID, kind string, payload json.RawMessage) int
}

// notify marshals payload and sends it to owner. Failures are logged only;
// the HTTP mutation has already succeeded.
func notify(sender ControlSender, logger *zap.Logger, owner uuid.UUID, kind string, payload any) {
	if sender == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("failed to encode control payload", zap.String("kind", kind), zap.Error(err))
		return
	}
	sender.SendToUser(realtime.UserID(owner.String()), kind, raw)
}

// DashboardHandler groups the dashboard CRUD handlers. Every query is scoped
// to the authenticated owner.
type DashboardHandler struct {
	repo    repositories.DashboardRepository
	widgets repositories.WidgetRepository
	control ControlSender
	logger  *zap.Logger
}

// NewDashboardHandler creates a new DashboardHandler.
func NewDashboardHandler(
	repo repositories.DashboardRepository,
	widgets repositories.WidgetRepository,
	control ControlSender,
	logger *zap.Logger,
) *DashboardHandler {
	return &DashboardHandler{
		repo:    repo,
		widgets: widgets,
		control: control,
		logger:  logger.Named("dashboard_handler"),
	}
}

type dashboardResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Layout      json.RawMessage  `json:"layout"`
	Widgets     []widgetResponse `json:"widgets,omitempty"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

func dashboardToResponse(d *db.Dashboard) dashboardResponse {
	return dashboardResponse{
		ID:          d.ID.String(),
		Name:        d.Name,
		Description: d.Description,
		Layout:      rawOrEmpty(d.Layout),
		CreatedAt:   formatTime(d.CreatedAt),
		UpdatedAt:   formatTime(d.UpdatedAt),
	}
}

func rawOrEmpty(s string) json.RawMessage {
	if s == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}

type listDashboardsResponse struct {
	Items []dashboardResponse `json:"items"`
	Total int64               `json:"total"`
}

// List handles GET /api/v1/dashboards.
func (h *DashboardHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentUserID(w, r)
	if !ok {
		return
	}

	dashboards, total, err := h.repo.ListByOwner(r.Context(), owner, paginationOpts(r))
	if err != nil {
		h.logger.Error("failed to list dashboards", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]dashboardResponse, len(dashboards))
	for i := range dashboards {
		items[i] = dashboardToResponse(&dashboards[i])
	}
	Ok(w, listDashboardsResponse{Items: items, Total: total})
}

type dashboardRequest struct {
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Layout      json.RawMessage `json:"layout"`
}

// apply copies the set fields of req onto d and validates the result.
func (req dashboardRequest) apply(d *db.Dashboard) string {
	if req.Name != nil {
		d.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		d.Description = *req.Description
	}
	if len(req.Layout) > 0 {
		if !json.Valid(req.Layout) {
			return "layout must be valid JSON"
		}
		d.Layout = string(req.Layout)
	}
	if d.Name == "" {
		return "name is required"
	}
	if d.Layout == "" {
		d.Layout = "{}"
	}
	return ""
}

// Create handles POST /api/v1/dashboards.
func (h *DashboardHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var req dashboardRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	dashboard := &db.Dashboard{OwnerID: owner}
	if msg := req.apply(dashboard); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	if err := h.repo.Create(r.Context(), dashboard); err != nil {
		h.logger.Error("failed to create dashboard", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := dashboardToResponse(dashboard)
	notify(h.control, h.logger, owner, kindDashboardCreated, resp)
	Created(w, resp)
}

// GetByID handles GET /api/v1/dashboards/{id}. The response embeds the
// dashboard's widgets.
func (h *DashboardHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.load(w, r)
	if !ok {
		return
	}

	widgets, err := h.widgets.ListByDashboard(r.Context(), dashboard.ID)
	if err != nil {
		h.logger.Error("failed to list widgets", zap.String("dashboard_id", dashboard.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := dashboardToResponse(dashboard)
	resp.Widgets = make([]widgetResponse, len(widgets))
	for i := range widgets {
		resp.Widgets[i] = widgetToResponse(&widgets[i])
	}
	Ok(w, resp)
}

// Update handles PATCH /api/v1/dashboards/{id}.
func (h *DashboardHandler) Update(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.load(w, r)
	if !ok {
		return
	}

	var req dashboardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if msg := req.apply(dashboard); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	if err := h.repo.Update(r.Context(), dashboard); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to update dashboard", zap.String("id", dashboard.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := dashboardToResponse(dashboard)
	notify(h.control, h.logger, dashboard.OwnerID, kindDashboardUpdated, resp)
	Ok(w, resp)
}

// Delete handles DELETE /api/v1/dashboards/{id}. Widgets go with it.
func (h *DashboardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, ok := currentUserID(w, r)
	if !ok {
		return
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), id, owner); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete dashboard", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	notify(h.control, h.logger, owner, kindDashboardDeleted, map[string]string{"id": id.String()})
	NoContent(w)
}

// load resolves the {id} dashboard of the current user, writing 400/401/404
// as appropriate.
func (h *DashboardHandler) load(w http.ResponseWriter, r *http.Request) (*db.Dashboard, bool) {
	owner, ok := currentUserID(w, r)
	if !ok {
		return nil, false
	}
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return nil, false
	}

	dashboard, err := h.repo.GetForOwner(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("failed to get dashboard", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return dashboard, true
}
