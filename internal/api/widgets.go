package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/db"
	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

var widgetKinds = map[string]bool{
	"line":  true,
	"gauge": true,
	"stat":  true,
	"table": true,
}

// WidgetHandler groups the widget handlers. Widgets are addressed through
// their dashboard, whose ownership is checked first.
type WidgetHandler struct {
	dashboards *DashboardHandler
	repo       repositories.WidgetRepository
	control    ControlSender
	logger     *zap.Logger
}

// NewWidgetHandler creates a new WidgetHandler.
func NewWidgetHandler(dashboards *DashboardHandler, repo repositories.WidgetRepository, control ControlSender, logger *zap.Logger) *WidgetHandler {
	return &WidgetHandler{
		dashboards: dashboards,
		repo:       repo,
		control:    control,
		logger:     logger.Named("widget_handler"),
	}
}

type widgetResponse struct {
	ID          string          `json:"id"`
	DashboardID string          `json:"dashboard_id"`
	Kind        string          `json:"kind"`
	Title       string          `json:"title"`
	StreamID    string          `json:"stream_id"`
	Position    int             `json:"position"`
	Config      json.RawMessage `json:"config"`
}

func widgetToResponse(wd *db.Widget) widgetResponse {
	return widgetResponse{
		ID:          wd.ID.String(),
		DashboardID: wd.DashboardID.String(),
		Kind:        wd.Kind,
		Title:       wd.Title,
		StreamID:    wd.StreamID,
		Position:    wd.Position,
		Config:      rawOrEmpty(wd.Config),
	}
}

type widgetRequest struct {
	Kind     *string         `json:"kind"`
	Title    *string         `json:"title"`
	StreamID *string         `json:"stream_id"`
	Position *int            `json:"position"`
	Config   json.RawMessage `json:"config"`
}

func (req widgetRequest) apply(wd *db.Widget) string {
	if req.Kind != nil {
		wd.Kind = *req.Kind
	}
	if req.Title != nil {
		wd.Title = strings.TrimSpace(*req.Title)
	}
	if req.StreamID != nil {
		wd.StreamID = *req.StreamID
	}
	if req.Position != nil {
		wd.Position = *req.Position
	}
	if len(req.Config) > 0 {
		if !json.Valid(req.Config) {
			return "config must be valid JSON"
		}
		wd.Config = string(req.Config)
	}

	if !widgetKinds[wd.Kind] {
		return "kind must be one of line, gauge, stat, table"
	}
	if wd.Title == "" {
		return "title is required"
	}
	if err := realtime.StreamID(wd.StreamID).Validate(); err != nil {
		return "stream_id is not a valid stream identifier"
	}
	if wd.Config == "" {
		wd.Config = "{}"
	}
	return ""
}

// List handles GET /api/v1/dashboards/{id}/widgets.
func (h *WidgetHandler) List(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.dashboards.load(w, r)
	if !ok {
		return
	}

	widgets, err := h.repo.ListByDashboard(r.Context(), dashboard.ID)
	if err != nil {
		h.logger.Error("failed to list widgets", zap.String("dashboard_id", dashboard.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]widgetResponse, len(widgets))
	for i := range widgets {
		items[i] = widgetToResponse(&widgets[i])
	}
	Ok(w, items)
}

// Create handles POST /api/v1/dashboards/{id}/widgets.
func (h *WidgetHandler) Create(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.dashboards.load(w, r)
	if !ok {
		return
	}

	var req widgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	widget := &db.Widget{DashboardID: dashboard.ID}
	if msg := req.apply(widget); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	if err := h.repo.Create(r.Context(), widget); err != nil {
		h.logger.Error("failed to create widget", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := widgetToResponse(widget)
	notify(h.control, h.logger, dashboard.OwnerID, kindWidgetCreated, resp)
	Created(w, resp)
}

// Update handles PATCH /api/v1/dashboards/{id}/widgets/{widgetID}.
func (h *WidgetHandler) Update(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.dashboards.load(w, r)
	if !ok {
		return
	}
	widgetID, ok := parseUUID(w, r, "widgetID")
	if !ok {
		return
	}

	var req widgetRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	widget, err := h.repo.GetByID(r.Context(), widgetID, dashboard.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get widget", zap.String("id", widgetID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if msg := req.apply(widget); msg != "" {
		ErrBadRequest(w, msg)
		return
	}

	if err := h.repo.Update(r.Context(), widget); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to update widget", zap.String("id", widgetID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := widgetToResponse(widget)
	notify(h.control, h.logger, dashboard.OwnerID, kindWidgetUpdated, resp)
	Ok(w, resp)
}

// Delete handles DELETE /api/v1/dashboards/{id}/widgets/{widgetID}.
func (h *WidgetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	dashboard, ok := h.dashboards.load(w, r)
	if !ok {
		return
	}
	widgetID, ok := parseUUID(w, r, "widgetID")
	if !ok {
		return
	}

	if err := h.repo.Delete(r.Context(), widgetID, dashboard.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to delete widget", zap.String("id", widgetID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	notify(h.control, h.logger, dashboard.OwnerID, kindWidgetDeleted, map[string]string{
		"id":           widgetID.String(),
		"dashboard_id": dashboard.ID.String(),
	})
	NoContent(w)
}
