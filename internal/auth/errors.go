package auth

import "errors"

// Sentinel errors returned by the auth service.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrUserNotFound is returned when no user exists for the given identifier.
	ErrUserNotFound = errors.New("auth: user not found")

	// ErrUserDisabled is returned when the user account is inactive.
	ErrUserDisabled = errors.New("auth: user account is disabled")

	// ErrEmailTaken is returned by Register when the address is already in use.
	ErrEmailTaken = errors.New("auth: email already registered")

	// ErrInvalidEmail is returned by Register for a malformed address.
	ErrInvalidEmail = errors.New("auth: invalid email address")

	// ErrWeakPassword is returned by Register for passwords shorter than
	// minPasswordLength.
	ErrWeakPassword = errors.New("auth: password too short")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the provided refresh token
	// does not exist or has already been rotated out.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")
)
