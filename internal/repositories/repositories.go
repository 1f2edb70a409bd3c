// Package repositories is the persistence layer for users, refresh tokens,
// dashboards and widgets. Each interface has a single GORM implementation;
// handlers and services depend on the interfaces only.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulseboard/pulseboard/internal/db"
)

// ListOptions contains common pagination options for list queries.
// A Limit of zero or less returns every row.
type ListOptions struct {
	Limit  int
	Offset int
}

func (o ListOptions) limit() int {
	if o.Limit <= 0 {
		return -1
	}
	return o.Limit
}

// -----------------------------------------------------------------------------
// UserRepository
// -----------------------------------------------------------------------------

type UserRepository interface {
	Create(ctx context.Context, user *db.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	Update(ctx context.Context, user *db.User) error
	TouchLogin(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// RefreshTokenRepository
// -----------------------------------------------------------------------------

type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// DashboardRepository
// -----------------------------------------------------------------------------

// DashboardRepository scopes every read and write to an owner. A dashboard
// that exists but belongs to someone else is reported as ErrNotFound.
type DashboardRepository interface {
	Create(ctx context.Context, dashboard *db.Dashboard) error
	GetForOwner(ctx context.Context, id, ownerID uuid.UUID) (*db.Dashboard, error)
	Update(ctx context.Context, dashboard *db.Dashboard) error
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Dashboard, int64, error)
}

// -----------------------------------------------------------------------------
// WidgetRepository
// -----------------------------------------------------------------------------

type WidgetRepository interface {
	Create(ctx context.Context, widget *db.Widget) error
	GetByID(ctx context.Context, id, dashboardID uuid.UUID) (*db.Widget, error)
	Update(ctx context.Context, widget *db.Widget) error
	Delete(ctx context.Context, id, dashboardID uuid.UUID) error
	ListByDashboard(ctx context.Context, dashboardID uuid.UUID) ([]db.Widget, error)

	// StreamIDs returns the distinct stream IDs referenced by the widgets of
	// all of ownerID's dashboards.
	StreamIDs(ctx context.Context, ownerID uuid.UUID) ([]string, error)
}
