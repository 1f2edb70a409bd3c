package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pulseboard/pulseboard/internal/db"
)

type gormWidgetRepository struct {
	db *gorm.DB
}

// NewWidgetRepository returns a WidgetRepository backed by the provided *gorm.DB.
// Ownership is checked by the caller through the parent dashboard.
func NewWidgetRepository(db *gorm.DB) WidgetRepository {
	return &gormWidgetRepository{db: db}
}

func (r *gormWidgetRepository) Create(ctx context.Context, widget *db.Widget) error {
	if err := r.db.WithContext(ctx).Create(widget).Error; err != nil {
		return fmt.Errorf("widgets: create: %w", err)
	}
	return nil
}

// GetByID retrieves a widget of the given dashboard.
func (r *gormWidgetRepository) GetByID(ctx context.Context, id, dashboardID uuid.UUID) (*db.Widget, error) {
	var widget db.Widget
	err := r.db.WithContext(ctx).
		First(&widget, "id = ? AND dashboard_id = ?", id, dashboardID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("widgets: get: %w", err)
	}
	return &widget, nil
}

func (r *gormWidgetRepository) Update(ctx context.Context, widget *db.Widget) error {
	result := r.db.WithContext(ctx).
		Model(&db.Widget{}).
		Where("id = ? AND dashboard_id = ?", widget.ID, widget.DashboardID).
		Updates(map[string]any{
			"kind":       widget.Kind,
			"title":      widget.Title,
			"stream_id":  widget.StreamID,
			"position":   widget.Position,
			"config":     widget.Config,
			"updated_at": gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if result.Error != nil {
		return fmt.Errorf("widgets: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormWidgetRepository) Delete(ctx context.Context, id, dashboardID uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Where("id = ? AND dashboard_id = ?", id, dashboardID).
		Delete(&db.Widget{})
	if result.Error != nil {
		return fmt.Errorf("widgets: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByDashboard returns the widgets of a dashboard ordered by position.
func (r *gormWidgetRepository) ListByDashboard(ctx context.Context, dashboardID uuid.UUID) ([]db.Widget, error) {
	var widgets []db.Widget
	err := r.db.WithContext(ctx).
		Where("dashboard_id = ?", dashboardID).
		Order("position ASC, created_at ASC").
		Find(&widgets).Error
	if err != nil {
		return nil, fmt.Errorf("widgets: list: %w", err)
	}
	return widgets, nil
}

func (r *gormWidgetRepository) StreamIDs(ctx context.Context, ownerID uuid.UUID) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&db.Widget{}).
		Distinct("widgets.stream_id").
		Joins("JOIN dashboards ON dashboards.id = widgets.dashboard_id").
		Where("dashboards.owner_id = ?", ownerID).
		Order("widgets.stream_id ASC").
		Pluck("widgets.stream_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("widgets: stream ids: %w", err)
	}
	return ids, nil
}
