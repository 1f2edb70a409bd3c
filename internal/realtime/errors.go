package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the fan-out core.
// Callers should use errors.Is for comparison.
var (
	// ErrAuth is matched by every *AuthError. The connection is refused and
	// no session is registered.
	ErrAuth = errors.New("realtime: authentication failed")

	// ErrState is matched by every *StateError. The request is rejected but
	// the connection stays open.
	ErrState = errors.New("realtime: operation not allowed in current state")

	// ErrInvalidStream is returned when a StreamID fails validation.
	ErrInvalidStream = errors.New("realtime: invalid stream id")

	// ErrRateLimited is returned when a session publishes faster than its
	// configured limit allows.
	ErrRateLimited = errors.New("realtime: publish rate exceeded")

	// ErrUnknownCommand is returned by Session.Handle for a command type it
	// does not understand.
	ErrUnknownCommand = errors.New("realtime: unknown command")

	// ErrHubClosed is returned by Connect after the hub has shut down.
	ErrHubClosed = errors.New("realtime: hub closed")
)

// Reasons carried by AuthError.
const (
	ReasonMissingCredential = "missing_credential"
	ReasonInvalidCredential = "invalid_credential"
	ReasonExpiredCredential = "expired_credential"
)

// AuthError reports why a connection credential was refused.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("realtime: authentication failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("realtime: authentication failed (%s)", e.Reason)
}

// Is makes errors.Is(err, ErrAuth) hold for every AuthError.
func (e *AuthError) Is(target error) bool { return target == ErrAuth }

func (e *AuthError) Unwrap() error { return e.Err }

// StateError reports an operation attempted outside the Active state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("realtime: %s not allowed in state %s", e.Op, e.State)
}

// Is makes errors.Is(err, ErrState) hold for every StateError.
func (e *StateError) Is(target error) bool { return target == ErrState }

// errorReason maps an error from Session.Handle to the machine-readable
// reason sent to the client in an error frame.
func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidStream):
		return "invalid_stream"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownCommand):
		return "unknown_type"
	case errors.Is(err, ErrAuth):
		return "unauthorized"
	default:
		return "internal_error"
	}
}
