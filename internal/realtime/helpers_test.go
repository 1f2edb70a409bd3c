package realtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var errBadToken = errors.New("bad token")

// testVerifier accepts "tok-<user>" and reports "expired" as an expired
// credential.
var testVerifier = TokenVerifierFunc(func(token string) (UserID, error) {
	switch {
	case token == "expired":
		return "", ErrCredentialExpired
	case strings.HasPrefix(token, "tok-"):
		return UserID(strings.TrimPrefix(token, "tok-")), nil
	default:
		return "", errBadToken
	}
})

// verifyNoLeaks must be called before newTestHub so the check runs after
// the hub's own cleanup.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	t.Cleanup(func() { goleak.VerifyNone(t) })
}

func newTestHub(t *testing.T, cfg Config) *Hub {
	t.Helper()
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewFakeClock()
	}
	h := NewHub(cfg, NewAuthenticator(testVerifier), zap.NewNop())
	t.Cleanup(h.Shutdown)
	return h
}

func connect(t *testing.T, h *Hub, user string) *Session {
	t.Helper()
	s, err := h.Connect(context.Background(), "tok-"+user)
	require.NoError(t, err)
	require.Equal(t, StateActive, s.State())
	return s
}

// drain pops every buffered frame without waiting.
func drain(s *Session) []Frame {
	var out []Frame
	for {
		f, ok := s.Queue().Pop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

// dataFrames filters frames down to data frames.
func dataFrames(frames []Frame) []Frame {
	var out []Frame
	for _, f := range frames {
		if f.Type == FrameData {
			out = append(out, f)
		}
	}
	return out
}
