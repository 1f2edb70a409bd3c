package api

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/auth"
	"github.com/pulseboard/pulseboard/internal/db"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

// UserHandler serves the current user's profile.
type UserHandler struct {
	repo   repositories.UserRepository
	svc    *auth.AuthService
	logger *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(repo repositories.UserRepository, svc *auth.AuthService, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		repo:   repo,
		svc:    svc,
		logger: logger.Named("user_handler"),
	}
}

// userResponse is the JSON representation of a user. The password hash is
// never exposed.
type userResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	IsActive    bool    `json:"is_active"`
	LastLoginAt *string `json:"last_login_at"`
	CreatedAt   string  `json:"created_at"`
}

func userToResponse(u *db.User) userResponse {
	resp := userResponse{
		ID:          u.ID.String(),
		Email:       u.Email,
		DisplayName: u.DisplayName,
		IsActive:    u.IsActive,
		CreatedAt:   formatTime(u.CreatedAt),
	}
	if u.LastLoginAt != nil {
		s := formatTime(*u.LastLoginAt)
		resp.LastLoginAt = &s
	}
	return resp
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUserID(w, r)
	if !ok {
		return
	}

	user, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get current user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, userToResponse(user))
}

// updateMeRequest is the JSON body for PATCH /api/v1/users/me.
// All fields are optional.
type updateMeRequest struct {
	DisplayName *string `json:"display_name"`
	Password    *string `json:"password"`
}

// UpdateMe handles PATCH /api/v1/users/me. A password change revokes every
// refresh token of the user.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	id, ok := currentUserID(w, r)
	if !ok {
		return
	}

	var req updateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	user, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("failed to get user for self-update", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.DisplayName != nil {
		name := strings.TrimSpace(*req.DisplayName)
		if name == "" {
			ErrBadRequest(w, "display_name cannot be empty")
			return
		}
		user.DisplayName = name
	}
	if req.Password != nil {
		if len(*req.Password) < 8 {
			ErrUnprocessable(w, "password must be at least 8 characters")
			return
		}
		hashed, err := auth.HashPassword(*req.Password)
		if err != nil {
			h.logger.Error("failed to hash password", zap.Error(err))
			ErrInternal(w)
			return
		}
		user.Password = db.EncryptedString(hashed)
	}

	if err := h.repo.Update(r.Context(), user); err != nil {
		h.logger.Error("failed to update current user", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	if req.Password != nil {
		if err := h.svc.LogoutAllSessions(r.Context(), user.ID); err != nil {
			h.logger.Warn("failed to revoke sessions after password change", zap.Error(err))
		}
	}

	Ok(w, userToResponse(user))
}
