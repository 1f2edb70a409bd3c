// Package auth issues and verifies the credentials used by the REST API and
// the realtime hub. Users sign in with email and password; a successful login
// yields a short-lived RS256 access token and a rotating refresh token.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pulseboard/pulseboard/internal/db"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

// refreshTokenDuration defines how long a refresh token remains valid.
const refreshTokenDuration = 7 * 24 * time.Hour

// RegisterRequest holds the fields accepted when creating an account.
type RegisterRequest struct {
	Email       string
	Password    string
	DisplayName string
}

// LoginRequest holds the credentials for an email/password login.
type LoginRequest struct {
	Email    string
	Password string
}

// TokenPair is returned by Login and Refresh.
type TokenPair struct {
	AccessToken           string
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// AuthService is the entry point for all authentication operations.
// The REST API layer depends on AuthService; the realtime hub only sees the
// JWTManager through realtime.TokenVerifier.
type AuthService struct {
	users      repositories.UserRepository
	tokens     repositories.RefreshTokenRepository
	jwtManager *JWTManager
	clock      clockwork.Clock
}

// NewAuthService creates an AuthService. A nil clock means the real clock.
func NewAuthService(
	users repositories.UserRepository,
	tokens repositories.RefreshTokenRepository,
	jwtManager *JWTManager,
	clock clockwork.Clock,
) *AuthService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AuthService{
		users:      users,
		tokens:     tokens,
		jwtManager: jwtManager,
		clock:      clock,
	}
}

// Register creates an active user. The email is normalised to lower case.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*db.User, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLength {
		return nil, ErrWeakPassword
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name, _, _ = strings.Cut(email, "@")
	}

	user := &db.User{
		Email:       email,
		Password:    db.EncryptedString(hash),
		DisplayName: name,
		IsActive:    true,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("auth: creating user: %w", err)
	}
	return user, nil
}

// Login validates email/password and returns a token pair on success.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			// Same error as a wrong password so the endpoint does not reveal
			// which addresses are registered.
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth: fetching user by email: %w", err)
	}

	if !verifyPassword(req.Password, string(user.Password)) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	if err := s.users.TouchLogin(ctx, user.ID, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("auth: recording login: %w", err)
	}

	return s.issueTokenPair(ctx, user)
}

// Refresh validates a refresh token, rotates it, and issues a new token pair.
// The old token is deleted first, so a failure after that point forces a new
// login rather than leaving a replayable token behind.
func (s *AuthService) Refresh(ctx context.Context, rawToken string) (*TokenPair, error) {
	tokenHash := hashRefreshToken(rawToken)

	stored, err := s.tokens.GetByHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrRefreshTokenNotFound
		}
		return nil, fmt.Errorf("auth: fetching refresh token: %w", err)
	}

	if err := s.tokens.DeleteByHash(ctx, tokenHash); err != nil {
		return nil, fmt.Errorf("auth: deleting old refresh token: %w", err)
	}

	if s.clock.Now().After(stored.ExpiresAt) {
		return nil, ErrTokenExpired
	}

	user, err := s.users.GetByID(ctx, stored.UserID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("auth: fetching user for token refresh: %w", err)
	}
	if !user.IsActive {
		return nil, ErrUserDisabled
	}

	return s.issueTokenPair(ctx, user)
}

// Logout invalidates the given refresh token. Unknown tokens are ignored.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	if err := s.tokens.DeleteByHash(ctx, hashRefreshToken(rawToken)); err != nil {
		return fmt.Errorf("auth: revoking refresh token on logout: %w", err)
	}
	return nil
}

// LogoutAllSessions revokes all active refresh tokens for a user.
func (s *AuthService) LogoutAllSessions(ctx context.Context, userID uuid.UUID) error {
	if err := s.tokens.RevokeAllForUser(ctx, userID); err != nil {
		return fmt.Errorf("auth: revoking all sessions for user %s: %w", userID, err)
	}
	return nil
}

// PurgeExpiredTokens deletes refresh tokens past their expiry.
func (s *AuthService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx, s.clock.Now())
}

// ValidateAccessToken parses and verifies a JWT access token.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager, which also serves as the
// hub's token verifier.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}

func (s *AuthService) issueTokenPair(ctx context.Context, user *db.User) (*TokenPair, error) {
	accessToken, err := s.jwtManager.GenerateAccessToken(user.ID.String(), user.Email)
	if err != nil {
		return nil, err
	}

	rawRefresh, err := generateRefreshToken()
	if err != nil {
		return nil, fmt.Errorf("auth: generating refresh token: %w", err)
	}

	expiresAt := s.clock.Now().Add(refreshTokenDuration)
	if err := s.tokens.Create(ctx, &db.RefreshToken{
		UserID:    user.ID,
		TokenHash: hashRefreshToken(rawRefresh),
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, fmt.Errorf("auth: persisting refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:           accessToken,
		RefreshToken:          rawRefresh,
		RefreshTokenExpiresAt: expiresAt,
	}, nil
}

func normalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Address != strings.TrimSpace(raw) {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}
