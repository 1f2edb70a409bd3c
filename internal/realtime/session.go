package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the lifecycle state of a Session.
type State int32

const (
	// StateConnecting is entered when the transport accepts a connection.
	StateConnecting State = iota

	// StateAuthenticated means the credential was accepted but the session
	// has not yet joined its private room.
	StateAuthenticated

	// StateActive is the only state in which commands are accepted.
	StateActive

	// StateClosed is terminal.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Close reasons recorded on a session and exported as a metric label.
const (
	ReasonAuthFailed       = "auth_failed"
	ReasonClientDisconnect = "client_disconnect"
	ReasonTransportError   = "transport_error"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonShutdown         = "shutdown"
)

// CommandType identifies a client request handed to Session.Handle.
type CommandType string

const (
	CmdSubscribe   CommandType = "subscribe"
	CmdUnsubscribe CommandType = "unsubscribe"
	CmdPublish     CommandType = "publish"
)

// Command is one decoded client request. Timestamp is optional for
// publish; the zero value means "now".
type Command struct {
	Type      CommandType
	StreamID  StreamID
	Payload   json.RawMessage
	Timestamp time.Time
}

// Session is the server-side state of one live connection.
//
// It owns the outbound Queue and the set of rooms it belongs to. The set is
// changed only by the session's own Subscribe and Unsubscribe, always while
// holding mu and in the same critical section as the Registry update, which
// keeps the two in agreement. Close flips the state first, so a subscribe
// racing a disconnect either finishes before Close collects the rooms or
// observes the closed state and fails: disconnect always wins.
type Session struct {
	id          string
	hub         *Hub
	queue       *Queue
	limiter     *rate.Limiter
	logger      *zap.Logger
	connectedAt time.Time

	mu          sync.Mutex
	state       State
	user        UserID
	rooms       map[RoomKey]struct{}
	closeReason string
	lastActive  time.Time
	onClose     []func(reason string)

	done chan struct{}
}

func newSession(h *Hub, id string) *Session {
	now := h.clock.Now()
	s := &Session{
		id:          id,
		hub:         h,
		queue:       NewQueue(h.cfg.QueueSize),
		logger:      h.logger.With(zap.String("session_id", id)),
		connectedAt: now,
		state:       StateConnecting,
		rooms:       make(map[RoomKey]struct{}),
		lastActive:  now,
		done:        make(chan struct{}),
	}
	if h.cfg.PublishRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(h.cfg.PublishRate), h.cfg.PublishBurst)
	}
	return s
}

// ID returns the session identifier (a UUIDv7 string).
func (s *Session) ID() string { return s.id }

// UserID returns the identity resolved at authentication. It is empty
// before authentication and never changes afterwards.
func (s *Session) UserID() UserID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Queue returns the outbound queue the transport drains.
func (s *Session) Queue() *Queue { return s.queue }

// Done is closed when the session reaches StateClosed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ConnectedAt returns when the transport accepted the connection.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// CloseReason returns why the session was closed, or "" while it is open.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// LastActivity returns the time of the last handled command.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Touch records activity without handling a command, e.g. on a pong.
func (s *Session) Touch() {
	now := s.hub.clock.Now()
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// subscriptions returns the streams the session is subscribed to, sorted.
// The private user room is not included.
func (s *Session) subscriptions() []StreamID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]StreamID, 0, len(s.rooms))
	for key := range s.rooms {
		if key.Kind == RoomStream {
			out = append(out, StreamID(key.Name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// OnClose registers fn to run once the session has closed. If the session
// is already closed fn runs immediately.
func (s *Session) OnClose(fn func(reason string)) {
	s.mu.Lock()
	if s.state == StateClosed {
		reason := s.closeReason
		s.mu.Unlock()
		fn(reason)
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// authenticate moves Connecting → Authenticated, or Connecting → Closed when
// the credential is refused.
func (s *Session) authenticate(a *Authenticator, credential string) error {
	s.mu.Lock()
	if s.state != StateConnecting {
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: "authenticate", State: st}
	}
	s.mu.Unlock()

	user, err := a.Authenticate(credential)
	if err != nil {
		s.Close(ReasonAuthFailed)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnecting {
		return &StateError{Op: "authenticate", State: s.state}
	}
	s.user = user
	s.state = StateAuthenticated
	s.logger = s.logger.With(zap.String("user_id", string(user)))
	return nil
}

// activate joins the private user room and moves Authenticated → Active.
func (s *Session) activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticated {
		return &StateError{Op: "activate", State: s.state}
	}
	key := UserRoom(s.user)
	s.hub.registry.Subscribe(key, s)
	s.rooms[key] = struct{}{}
	s.state = StateActive
	return nil
}

// Handle processes one client command. Acknowledgements and error frames
// are pushed onto the session's own queue; the returned error is the same
// one reported to the client.
func (s *Session) Handle(ctx context.Context, cmd Command) error {
	s.Touch()

	var err error
	switch cmd.Type {
	case CmdSubscribe:
		err = s.Subscribe(cmd.StreamID)
	case CmdUnsubscribe:
		err = s.Unsubscribe(cmd.StreamID)
	case CmdPublish:
		_, err = s.Publish(ctx, cmd.StreamID, cmd.Payload, cmd.Timestamp)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}

	if err != nil {
		s.deliver(Frame{Type: FrameError, Reason: errorReason(err), StreamID: cmd.StreamID})
	}
	return err
}

// Subscribe joins the stream room for id and acknowledges it. Subscribing
// twice has the same effect as once.
func (s *Session) Subscribe(id StreamID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return &StateError{Op: "subscribe", State: s.state}
	}

	key := StreamRoom(id)
	if _, ok := s.rooms[key]; !ok {
		s.hub.registry.Subscribe(key, s)
		s.rooms[key] = struct{}{}
		s.logger.Debug("subscribed", zap.String("stream_id", string(id)))
	}
	s.deliver(Frame{Type: FrameSubscribed, StreamID: id})
	return nil
}

// Unsubscribe leaves the stream room for id and acknowledges it.
// Unsubscribing from a stream the session never joined is a no-op that is
// still acknowledged.
func (s *Session) Unsubscribe(id StreamID) error {
	if err := id.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return &StateError{Op: "unsubscribe", State: s.state}
	}

	key := StreamRoom(id)
	if _, ok := s.rooms[key]; ok {
		s.hub.registry.Unsubscribe(key, s)
		delete(s.rooms, key)
		s.logger.Debug("unsubscribed", zap.String("stream_id", string(id)))
	}
	s.deliver(Frame{Type: FrameUnsubscribed, StreamID: id})
	return nil
}

// Publish fans payload out to the subscribers of id and returns the number
// of sessions it was enqueued to. The publisher need not be subscribed.
func (s *Session) Publish(ctx context.Context, id StreamID, payload json.RawMessage, ts time.Time) (int, error) {
	if st := s.State(); st != StateActive {
		return 0, &StateError{Op: "publish", State: st}
	}
	if s.limiter != nil && !s.limiter.Allow() {
		return 0, ErrRateLimited
	}
	return s.hub.Publish(ctx, id, payload, ts)
}

// deliver pushes f onto the outbound queue. It reports whether the frame
// was accepted; a closed session refuses everything.
func (s *Session) deliver(f Frame) bool {
	accepted, dropped := s.queue.Push(f)
	if dropped {
		s.hub.metrics.FrameDropped()
	}
	return accepted
}

// Enqueue pushes a transport-generated frame, such as a decode error, onto
// the session's queue.
func (s *Session) Enqueue(f Frame) bool { return s.deliver(f) }

// Dropped returns the number of frames discarded by the overflow policy.
func (s *Session) Dropped() uint64 { return s.queue.Dropped() }

// Close moves the session to StateClosed, closes its queue and removes it
// from every room. Only the first call has any effect; it reports whether
// this call performed the transition.
func (s *Session) Close(reason string) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	wasActive := s.state == StateActive
	s.state = StateClosed
	s.closeReason = reason
	keys := make([]RoomKey, 0, len(s.rooms))
	for key := range s.rooms {
		keys = append(keys, key)
	}
	s.rooms = make(map[RoomKey]struct{})
	hooks := s.onClose
	s.onClose = nil
	// The queue closes together with the state change, so a fan-out holding
	// an older snapshot cannot enqueue once StateClosed is observable.
	s.queue.Close()
	s.mu.Unlock()

	s.hub.registry.RemoveSession(s, keys)
	s.hub.forget(s, reason, wasActive)
	close(s.done)

	for _, fn := range hooks {
		fn(reason)
	}
	return true
}
