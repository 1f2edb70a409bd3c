package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A stalled client is disconnected instead of blocking the writePump.
	writeWait = 10 * time.Second

	// PongWait is how long the server waits for any frame, pongs included,
	// before treating the connection as dead. A passive subscriber is only
	// seen as active once per ping cycle, so an idle timeout shorter than
	// PongWait would close healthy connections.
	PongWait = 60 * time.Second

	// pingPeriod must be less than PongWait so the client has time to reply.
	pingPeriod = (PongWait * 9) / 10

	// DefaultReadLimit is the maximum size in bytes of one inbound frame
	// unless WithReadLimit says otherwise.
	DefaultReadLimit = 64 * 1024
)

// upgrader performs the HTTP → WebSocket protocol upgrade.
// CheckOrigin always returns true: origin validation is the responsibility
// of the reverse proxy in production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client binds one WebSocket connection to an already authenticated
// realtime.Session. readPump decodes client frames and hands them to the
// session, writePump drains the session queue onto the wire and pingLoop
// keeps the connection alive.
type Client struct {
	session   *realtime.Session
	conn      *websocket.Conn
	logger    *zap.Logger
	readLimit int64
}

// Option configures a Client.
type Option func(*Client)

// WithReadLimit caps the size of one inbound frame. Larger frames close the
// connection. Values <= 0 keep DefaultReadLimit.
func WithReadLimit(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.readLimit = n
		}
	}
}

// NewClient upgrades the HTTP connection for session. The session must be
// Active; authentication happens before the upgrade so a refused credential
// is answered with a plain HTTP 401.
//
// If the upgrade fails the session is closed with a transport error and the
// upgrader has already written the HTTP response.
func NewClient(session *realtime.Session, w http.ResponseWriter, r *http.Request, logger *zap.Logger, opts ...Option) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		session.Close(realtime.ReasonTransportError)
		return nil, err
	}

	c := &Client{
		session: session,
		conn:    conn,
		logger: logger.With(
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("session_id", session.ID()),
		),
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run starts the pumps and blocks until all of them have exited. The
// session is closed by then.
func (c *Client) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop()
	}()
	c.readPump(ctx)
	wg.Wait()
}

// readPump reads client frames until the connection fails or the session is
// closed elsewhere. Every decoded frame goes through Session.Handle, which
// queues the acknowledgement or error frame for writePump.
func (c *Client) readPump(ctx context.Context) {
	reason := realtime.ReasonClientDisconnect
	defer func() {
		c.session.Close(reason)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.readLimit)
	if err := c.conn.SetReadDeadline(time.Now().Add(PongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		reason = realtime.ReasonTransportError
		return
	}

	c.conn.SetPongHandler(func(string) error {
		c.session.Touch()
		return c.conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			reason = closeReason(err)
			if reason == realtime.ReasonTransportError {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(PongWait)); err != nil {
			reason = realtime.ReasonTransportError
			return
		}

		if msgType != websocket.TextMessage {
			c.session.Enqueue(realtime.Frame{Type: realtime.FrameError, Reason: reasonBadFrame})
			continue
		}

		cmd, err := decodeCommand(data)
		if err != nil {
			c.logger.Debug("ws: bad frame", zap.Error(err))
			c.session.Enqueue(realtime.Frame{Type: realtime.FrameError, Reason: reasonBadFrame})
			continue
		}

		if err := c.session.Handle(ctx, cmd); err != nil {
			c.logger.Debug("ws: command rejected",
				zap.String("type", string(cmd.Type)),
				zap.String("stream_id", string(cmd.StreamID)),
				zap.Error(err),
			)
		}
	}
}

// writePump is the only goroutine that writes data frames to conn.
// gorilla/websocket connections are not safe for concurrent writes; pings
// and the close frame go through WriteControl, which is.
func (c *Client) writePump(ctx context.Context) {
	defer c.conn.Close()

	queue := c.session.Queue()
	for {
		f, ok := queue.Next(ctx)
		if !ok {
			break
		}
		if err := c.write(f); err != nil {
			c.logger.Warn("ws: write error", zap.Error(err))
			c.session.Close(realtime.ReasonTransportError)
			return
		}
	}

	// Next stops when the session closes or ctx ends; in the latter case the
	// session is still open and the server is going away.
	c.session.Close(realtime.ReasonShutdown)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		closeMessage(c.session.CloseReason()),
		time.Now().Add(writeWait))
}

// pingLoop sends a ping every pingPeriod until the session closes.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.session.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				c.session.Close(realtime.ReasonTransportError)
				return
			}
		}
	}
}

func (c *Client) write(f realtime.Frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(encodeFrame(f))
}

// closeReason classifies a read error into a session close reason.
func closeReason(err error) string {
	if websocket.IsCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseNormalClosure,
		websocket.CloseNoStatusReceived,
	) {
		return realtime.ReasonClientDisconnect
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return realtime.ReasonIdleTimeout
	}
	return realtime.ReasonTransportError
}

// closeMessage builds the close frame sent when the server ends a session.
func closeMessage(reason string) []byte {
	switch reason {
	case realtime.ReasonShutdown:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	case realtime.ReasonIdleTimeout:
		return websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	case realtime.ReasonClientDisconnect:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	default:
		return websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	}
}
