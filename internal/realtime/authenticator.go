package realtime

import (
	"errors"
	"strings"
)

// ErrCredentialExpired may be returned (or wrapped) by a TokenVerifier to
// tell an expired credential apart from a malformed or forged one.
var ErrCredentialExpired = errors.New("realtime: credential expired")

// TokenVerifier checks a bearer credential and resolves it to a user.
// Signature and expiry validation live behind this interface; see
// auth.JWTManager for the RS256 implementation.
type TokenVerifier interface {
	Verify(token string) (UserID, error)
}

// TokenVerifierFunc adapts a plain function to TokenVerifier.
type TokenVerifierFunc func(token string) (UserID, error)

// Verify implements TokenVerifier.
func (f TokenVerifierFunc) Verify(token string) (UserID, error) { return f(token) }

// Authenticator validates the credential presented at connection time.
type Authenticator struct {
	verifier TokenVerifier
}

// NewAuthenticator creates an Authenticator backed by verifier.
func NewAuthenticator(verifier TokenVerifier) *Authenticator {
	return &Authenticator{verifier: verifier}
}

// Authenticate resolves credential to a UserID. Every failure is an
// *AuthError, so errors.Is(err, ErrAuth) holds.
func (a *Authenticator) Authenticate(credential string) (UserID, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", &AuthError{Reason: ReasonMissingCredential}
	}

	user, err := a.verifier.Verify(credential)
	if err != nil {
		if errors.Is(err, ErrCredentialExpired) {
			return "", &AuthError{Reason: ReasonExpiredCredential, Err: err}
		}
		return "", &AuthError{Reason: ReasonInvalidCredential, Err: err}
	}
	if user == "" {
		return "", &AuthError{Reason: ReasonInvalidCredential}
	}
	return user, nil
}
