package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

// StreamHandler publishes to streams over HTTP and reports hub statistics.
// It is the entry point for producers that cannot hold a WebSocket open.
type StreamHandler struct {
	hub       *realtime.Hub
	producers ProducerCounter
	logger    *zap.Logger
}

// ProducerCounter reports open gRPC ingest streams.
type ProducerCounter interface {
	Count() int
}

// NewStreamHandler creates a new StreamHandler. producers may be nil.
func NewStreamHandler(hub *realtime.Hub, producers ProducerCounter, logger *zap.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		producers: producers,
		logger:    logger.Named("stream_handler"),
	}
}

type publishRequest struct {
	Payload json.RawMessage `json:"payload"`

	// Timestamp is Unix milliseconds. Absent or zero means now.
	Timestamp int64 `json:"timestamp"`
}

type publishResponse struct {
	Delivered int `json:"delivered"`
}

// Publish handles POST /api/v1/streams/{streamID}/publish.
func (h *StreamHandler) Publish(w http.ResponseWriter, r *http.Request) {
	raw, err := url.PathUnescape(chi.URLParam(r, "streamID"))
	if err != nil {
		ErrBadRequest(w, "invalid stream id")
		return
	}
	streamID := realtime.StreamID(raw)

	var req publishRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Payload) == 0 {
		ErrBadRequest(w, "payload is required")
		return
	}

	var ts time.Time
	if req.Timestamp > 0 {
		ts = time.UnixMilli(req.Timestamp)
	}

	n, err := h.hub.Publish(r.Context(), streamID, req.Payload, ts)
	switch {
	case err == nil:
	case errors.Is(err, realtime.ErrInvalidStream):
		ErrUnprocessable(w, "stream id is not valid")
		return
	case errors.Is(err, realtime.ErrHubClosed):
		ErrServiceUnavailable(w, "server is shutting down")
		return
	default:
		h.logger.Error("publish failed", zap.String("stream_id", raw), zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, publishResponse{Delivered: n})
}

type statsResponse struct {
	InstanceID    string `json:"instance_id"`
	Sessions      int    `json:"sessions"`
	Rooms         int    `json:"rooms"`
	IngestStreams int    `json:"ingest_streams"`
}

// Stats handles GET /api/v1/streams/stats.
func (h *StreamHandler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		InstanceID: h.hub.InstanceID(),
		Sessions:   h.hub.ConnectedCount(),
		Rooms:      h.hub.Rooms(),
	}
	if h.producers != nil {
		resp.IngestStreams = h.producers.Count()
	}
	Ok(w, resp)
}
