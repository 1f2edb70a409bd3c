package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pulseboard/pulseboard/internal/db"
)

type gormDashboardRepository struct {
	db *gorm.DB
}

// NewDashboardRepository returns a DashboardRepository backed by the provided *gorm.DB.
func NewDashboardRepository(db *gorm.DB) DashboardRepository {
	return &gormDashboardRepository{db: db}
}

func (r *gormDashboardRepository) Create(ctx context.Context, dashboard *db.Dashboard) error {
	if err := r.db.WithContext(ctx).Create(dashboard).Error; err != nil {
		return fmt.Errorf("dashboards: create: %w", err)
	}
	return nil
}

// GetForOwner retrieves a dashboard only if it belongs to ownerID.
func (r *gormDashboardRepository) GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*db.Dashboard, error) {
	var dashboard db.Dashboard
	err := r.db.WithContext(ctx).
		First(&dashboard, "id = ? AND owner_id = ?", id, ownerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dashboards: get: %w", err)
	}
	return &dashboard, nil
}

// Update writes the mutable fields of dashboard. The owner is part of the
// WHERE clause, so a dashboard cannot be moved to another owner.
func (r *gormDashboardRepository) Update(ctx context.Context, dashboard *db.Dashboard) error {
	result := r.db.WithContext(ctx).
		Model(&db.Dashboard{}).
		Where("id = ? AND owner_id = ?", dashboard.ID, dashboard.OwnerID).
		Updates(map[string]any{
			"name":        dashboard.Name,
			"description": dashboard.Description,
			"layout":      dashboard.Layout,
			"updated_at":  gorm.Expr("CURRENT_TIMESTAMP"),
		})
	if result.Error != nil {
		return fmt.Errorf("dashboards: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a dashboard and, through the foreign key, its widgets.
func (r *gormDashboardRepository) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&db.Dashboard{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		// Explicit for databases opened without foreign key enforcement.
		return tx.Where("dashboard_id = ?", id).Delete(&db.Widget{}).Error
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("dashboards: delete: %w", err)
	}
	return nil
}

// ListByOwner returns a page of ownerID's dashboards, newest first, and the
// total count.
func (r *gormDashboardRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Dashboard, int64, error) {
	var dashboards []db.Dashboard
	var total int64

	q := r.db.WithContext(ctx).Model(&db.Dashboard{}).Where("owner_id = ?", ownerID)
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dashboards: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Limit(opts.limit()).
		Offset(opts.Offset).
		Order("created_at DESC, id DESC").
		Find(&dashboards).Error; err != nil {
		return nil, 0, fmt.Errorf("dashboards: list: %w", err)
	}

	return dashboards, total, nil
}
