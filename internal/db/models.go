package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the fields shared by every model. IDs are UUID v7 so they
// sort by creation time.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate assigns a UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Users & Auth
// -----------------------------------------------------------------------------

// User is a dashboard owner. The ID doubles as the realtime UserID that names
// the user's private control room.
type User struct {
	base
	Email       string          `gorm:"uniqueIndex;not null"`
	Password    EncryptedString `gorm:"type:text;not null"` // Argon2id hash, encrypted at rest
	DisplayName string          `gorm:"not null"`
	IsActive    bool            `gorm:"not null;default:true"`
	LastLoginAt *time.Time
}

// RefreshToken stores the SHA-256 hash of an opaque refresh token. Tokens are
// rotated on every use.
type RefreshToken struct {
	base
	UserID    uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash string    `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time `gorm:"not null;index"`
	RevokedAt *time.Time
}

// -----------------------------------------------------------------------------
// Dashboards
// -----------------------------------------------------------------------------

// Dashboard is a named collection of widgets owned by one user.
// Layout is an opaque JSON document interpreted by the frontend grid.
type Dashboard struct {
	base
	OwnerID     uuid.UUID `gorm:"type:text;not null;index"`
	Name        string    `gorm:"not null"`
	Description string    `gorm:"not null;default:''"`
	Layout      string    `gorm:"type:text;not null;default:'{}'"`
}

// Widget renders one stream on a dashboard. StreamID is the realtime stream
// the frontend subscribes to when the widget is mounted; it is not checked
// against any registry since streams need no registration.
type Widget struct {
	base
	DashboardID uuid.UUID `gorm:"type:text;not null;index"`
	Kind        string    `gorm:"not null"` // "line", "gauge", "stat", "table"
	Title       string    `gorm:"not null"`
	StreamID    string    `gorm:"not null;index"`
	Position    int       `gorm:"not null;default:0"`
	Config      string    `gorm:"type:text;not null;default:'{}'"` // JSON, widget-specific
}
