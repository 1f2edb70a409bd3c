package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/websocket"
)

// WSHandler handles the WebSocket endpoint GET /api/v1/ws.
// Browsers cannot set headers on a native WebSocket, so the access token is
// read from the `token` query parameter; other clients may send a Bearer
// header instead.
//
// Example connection URL:
//
//	ws://host/api/v1/ws?token=<jwt>
type WSHandler struct {
	hub       *realtime.Hub
	readLimit int64
	logger    *zap.Logger
}

// NewWSHandler creates a new WSHandler. readLimit caps one inbound frame;
// zero keeps the transport default.
func NewWSHandler(hub *realtime.Hub, readLimit int64, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:       hub,
		readLimit: readLimit,
		logger:    logger.Named("ws_handler"),
	}
}

// ServeWS authenticates the credential, then upgrades and runs the client
// pumps. It blocks until the connection closes.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = bearerToken(r)
	}

	session, err := h.hub.Connect(r.Context(), token)
	if err != nil {
		var authErr *realtime.AuthError
		switch {
		case errors.As(err, &authErr):
			ErrUnauthorizedReason(w, authErr.Reason)
		case errors.Is(err, realtime.ErrHubClosed):
			ErrServiceUnavailable(w, "server is shutting down")
		default:
			h.logger.Error("ws: connect failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	client, err := websocket.NewClient(session, w, r, h.logger, websocket.WithReadLimit(h.readLimit))
	if err != nil {
		// The upgrader has already written the response.
		h.logger.Warn("ws: upgrade failed",
			zap.String("user_id", string(session.UserID())),
			zap.Error(err),
		)
		return
	}

	session.OnClose(func(reason string) {
		h.logger.Info("ws: client disconnected",
			zap.String("session_id", session.ID()),
			zap.String("user_id", string(session.UserID())),
			zap.String("reason", reason),
			zap.Uint64("frames_dropped", session.Dropped()),
			zap.Duration("session_duration", time.Since(session.ConnectedAt())),
		)
	})

	client.Run(r.Context())
}
