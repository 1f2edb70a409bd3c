package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist, or exists but is not visible to the caller (for example a
// dashboard owned by someone else).
//
//	dash, err := repo.GetForOwner(ctx, id, ownerID)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example registering an email that already exists.
var ErrConflict = errors.New("record already exists")

// isUniqueViolation reports whether err is a unique constraint failure.
// GORM translates it for postgres; the modernc SQLite driver reports it only
// in the message text.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "SQLSTATE 23505")
}
