package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/metrics"
)

const (
	// DefaultQueueSize is the per-session outbound queue capacity used when
	// Config.QueueSize is not set.
	DefaultQueueSize = 256

	// defaultPublishBurst is used when a publish rate is set without a burst.
	defaultPublishBurst = 20

	relayTimeout = 2 * time.Second

	// relayQueueSize bounds the messages waiting to be forwarded. Publishes
	// beyond it are not forwarded and count as relay errors.
	relayQueueSize = 1024
)

// Relay forwards locally published messages to other server instances.
// Forward runs on a dedicated goroutine, never on the publisher's path, and
// receives a context bounded by a short timeout.
type Relay interface {
	Forward(ctx context.Context, msg *Message) error
}

// Config tunes a Hub. The zero value is usable.
type Config struct {
	// QueueSize is the capacity of each session's outbound queue.
	QueueSize int

	// IdleTimeout closes sessions that handled no command and answered no
	// ping for this long. Zero disables the idle sweep.
	IdleTimeout time.Duration

	// PublishRate limits publishes per session per second. Zero disables
	// the limit.
	PublishRate  float64
	PublishBurst int

	// InstanceID identifies this hub to the relay. Generated if empty.
	InstanceID string

	// Clock defaults to the real clock.
	Clock clockwork.Clock

	// Metrics may be nil.
	Metrics *metrics.RealtimeMetrics
}

// Hub is the publish/fan-out engine. It owns the Registry, creates sessions
// for authenticated connections and delivers published messages to the
// queue of every subscriber without blocking on any of them.
//
// Hub is safe for concurrent use. Publish may be called from any goroutine
// (session read loops, HTTP handlers, the gRPC ingest server, the relay).
type Hub struct {
	cfg      Config
	registry *Registry
	auth     *Authenticator
	clock    clockwork.Clock
	logger   *zap.Logger
	metrics  *metrics.RealtimeMetrics

	relay atomic.Pointer[relayForwarder]

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}


// NewHub creates a Hub that authenticates connections with auth.
func NewHub(cfg Config, auth *Authenticator, logger *zap.Logger) *Hub {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PublishRate > 0 && cfg.PublishBurst <= 0 {
		cfg.PublishBurst = defaultPublishBurst
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Hub{
		cfg:      cfg,
		registry: NewRegistry(),
		auth:     auth,
		clock:    cfg.Clock,
		logger:   logger.Named("realtime"),
		metrics:  cfg.Metrics,
		sessions: make(map[string]*Session),
	}
}

// InstanceID returns the identifier stamped on messages published here.
func (h *Hub) InstanceID() string { return h.cfg.InstanceID }

// Registry exposes the subscription registry, mainly for introspection.
func (h *Hub) Registry() *Registry { return h.registry }

// SetRelay installs r as the cross-instance relay and starts its forwarding
// goroutine. Passing nil removes the current relay. Shutdown stops it.
func (h *Hub) SetRelay(r Relay) {
	var next *relayForwarder
	if r != nil {
		next = newRelayForwarder(h, r)
	}
	if prev := h.relay.Swap(next); prev != nil {
		prev.stop()
	}
}

// Connect authenticates credential and returns an Active session. On
// failure the error is an *AuthError and nothing is registered.
func (h *Hub) Connect(ctx context.Context, credential string) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	s := newSession(h, id.String())

	if err := s.authenticate(h.auth, credential); err != nil {
		var ae *AuthError
		if errors.As(err, &ae) {
			h.metrics.AuthFailed(ae.Reason)
		}
		h.logger.Info("connection refused", zap.String("session_id", s.id), zap.Error(err))
		return nil, err
	}

	// Activation happens under h.mu so Shutdown either sees the session in
	// the index or the session sees the hub closed.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.Close(ReasonShutdown)
		return nil, ErrHubClosed
	}
	h.sessions[s.id] = s
	err = s.activate()
	h.mu.Unlock()

	if err != nil {
		s.Close(ReasonShutdown)
		h.logger.Warn("session activation failed", zap.String("session_id", s.id), zap.Error(err))
		return nil, ErrHubClosed
	}
	h.metrics.SessionOpened()

	h.logger.Info("session active",
		zap.String("session_id", s.id),
		zap.String("user_id", string(s.UserID())),
	)
	return s, nil
}

// forget drops s from the session index. Called exactly once by Close.
func (h *Hub) forget(s *Session, reason string, wasActive bool) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()

	h.metrics.SessionClosed(reason, wasActive)
	if wasActive {
		h.logger.Info("session closed",
			zap.String("session_id", s.id),
			zap.String("reason", reason),
			zap.Uint64("dropped_frames", s.queue.Dropped()),
			zap.Duration("session_duration", h.clock.Since(s.connectedAt)),
		)
	}
}

// Publish wraps payload into a Message and enqueues it on every session
// subscribed to id. It returns the number of sessions reached; zero
// subscribers is not an error. A zero ts is replaced by the current time.
// After Shutdown it returns ErrHubClosed.
func (h *Hub) Publish(ctx context.Context, id StreamID, payload json.RawMessage, ts time.Time) (int, error) {
	if err := id.Validate(); err != nil {
		return 0, err
	}
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return 0, ErrHubClosed
	}
	if ts.IsZero() {
		ts = h.clock.Now()
	}

	msg := &Message{
		StreamID:  id,
		Payload:   payload,
		Timestamp: ts,
		Origin:    h.cfg.InstanceID,
	}
	n := h.fanoutMessage(msg)
	h.metrics.Published("local", n)

	if fw := h.relay.Load(); fw != nil {
		fw.enqueue(msg)
	}
	return n, nil
}

// DeliverLocal fans out a message received from another instance. It is
// never forwarded again.
func (h *Hub) DeliverLocal(msg *Message) int {
	if msg == nil || msg.StreamID.Validate() != nil {
		return 0
	}
	n := h.fanoutMessage(msg)
	h.metrics.Published("relay", n)
	return n
}

// fanoutMessage stamps a per-room sequence number on a copy of msg and
// pushes it to every member of the stream room.
func (h *Hub) fanoutMessage(msg *Message) int {
	var n int
	h.registry.fanout(StreamRoom(msg.StreamID), func(seq uint64, members []*Session) {
		m := *msg
		m.Seq = seq
		frame := Frame{Type: FrameData, Message: &m}
		for _, s := range members {
			if s.deliver(frame) {
				n++
			}
		}
	})
	return n
}

// SendToUser delivers a control frame to every session of user through
// their private room. It returns the number of sessions reached.
func (h *Hub) SendToUser(user UserID, kind string, payload json.RawMessage) int {
	var n int
	h.registry.fanout(UserRoom(user), func(_ uint64, members []*Session) {
		frame := Frame{Type: FrameControl, Kind: kind, Payload: payload}
		for _, s := range members {
			if s.deliver(frame) {
				n++
			}
		}
	})
	return n
}

// session returns the open session with the given ID, or nil.
func (h *Hub) session(id string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

// ConnectedCount returns the number of open sessions.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Rooms returns the number of live rooms, private rooms included.
func (h *Hub) Rooms() int { return h.registry.Rooms() }

func (h *Hub) snapshotSessions() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// SweepIdle closes every session whose last activity is older than the
// configured idle timeout and returns how many were closed.
func (h *Hub) SweepIdle() int {
	if h.cfg.IdleTimeout <= 0 {
		return 0
	}

	now := h.clock.Now()
	closed := 0
	for _, s := range h.snapshotSessions() {
		if now.Sub(s.LastActivity()) > h.cfg.IdleTimeout && s.Close(ReasonIdleTimeout) {
			closed++
		}
	}
	if closed > 0 {
		h.logger.Info("idle sessions closed", zap.Int("count", closed))
	}
	return closed
}

// Shutdown closes every session, stops the relay and refuses new
// connections.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	if fw := h.relay.Swap(nil); fw != nil {
		fw.stop()
	}

	sessions := h.snapshotSessions()
	for _, s := range sessions {
		s.Close(ReasonShutdown)
	}
	h.logger.Info("hub shut down", zap.Int("sessions_closed", len(sessions)))
}

// relayForwarder drains a bounded queue of local publishes into a Relay on
// one goroutine, so a slow relay never holds up a publisher.
type relayForwarder struct {
	hub   *Hub
	r     Relay
	queue chan *Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func newRelayForwarder(h *Hub, r Relay) *relayForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	fw := &relayForwarder{
		hub:    h,
		r:      r,
		queue:  make(chan *Message, relayQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go fw.run()
	return fw
}

// enqueue never blocks. A full queue drops msg.
func (fw *relayForwarder) enqueue(msg *Message) {
	select {
	case fw.queue <- msg:
	default:
		fw.hub.metrics.RelayFailed()
		fw.hub.logger.Warn("relay queue full, message not forwarded",
			zap.String("stream_id", string(msg.StreamID)),
		)
	}
}

func (fw *relayForwarder) run() {
	defer close(fw.done)
	for {
		select {
		case <-fw.ctx.Done():
			return
		case msg := <-fw.queue:
			fw.forward(msg)
		}
	}
}

func (fw *relayForwarder) forward(msg *Message) {
	ctx, cancel := context.WithTimeout(fw.ctx, relayTimeout)
	defer cancel()

	if err := fw.r.Forward(ctx, msg); err != nil {
		fw.hub.metrics.RelayFailed()
		fw.hub.logger.Warn("relay forward failed",
			zap.String("stream_id", string(msg.StreamID)),
			zap.Error(err),
		)
	}
}

// stop cancels any in-flight forward, ends the goroutine and waits for it.
// Queued messages are discarded. Safe to call more than once.
func (fw *relayForwarder) stop() {
	fw.cancel()
	<-fw.done
}
