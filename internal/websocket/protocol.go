// Package websocket is the gorilla/websocket transport for realtime sessions.
// It decodes client JSON frames into realtime.Command values and writes the
// frames queued on a session back to the peer.
//
// Inbound frames:
//
//	{"type":"subscribe","streamId":"temp-sensor-1"}
//	{"type":"unsubscribe","streamId":"temp-sensor-1"}
//	{"type":"publish","streamId":"temp-sensor-1","payload":{"value":42.3},"timestamp":1700000000000}
//
// Outbound frames:
//
//	{"type":"subscribed","streamId":"temp-sensor-1"}
//	{"type":"unsubscribed","streamId":"temp-sensor-1"}
//	{"type":"data","streamId":"temp-sensor-1","payload":{"value":42.3},"timestamp":1700000000000,"seq":7}
//	{"type":"error","reason":"invalid_state","streamId":"temp-sensor-1"}
//	{"type":"control","kind":"dashboard.updated","payload":{...}}
//
// Timestamps are Unix milliseconds.
package websocket

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

// reasonBadFrame is reported when an inbound frame cannot be decoded.
const reasonBadFrame = "bad_frame"

var (
	errEmptyType      = errors.New("websocket: frame has no type")
	errMissingPayload = errors.New("websocket: publish frame has no payload")
)

// ClientFrame is the JSON shape of a frame sent by the client.
type ClientFrame struct {
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	// Timestamp is optional on publish. Absent or zero means "now".
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ServerFrame is the JSON shape of a frame sent to the client.
type ServerFrame struct {
	Type      realtime.FrameType `json:"type"`
	StreamID  string             `json:"streamId,omitempty"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
	Timestamp int64              `json:"timestamp,omitempty"`
	Seq       uint64             `json:"seq,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Kind      string             `json:"kind,omitempty"`
}

// decodeCommand parses one text frame into a realtime.Command. Unknown
// types are passed through so the session reports them.
func decodeCommand(data []byte) (realtime.Command, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return realtime.Command{}, err
	}
	if f.Type == "" {
		return realtime.Command{}, errEmptyType
	}
	if realtime.CommandType(f.Type) == realtime.CmdPublish && len(f.Payload) == 0 {
		return realtime.Command{}, errMissingPayload
	}

	cmd := realtime.Command{
		Type:     realtime.CommandType(f.Type),
		StreamID: realtime.StreamID(f.StreamID),
		Payload:  f.Payload,
	}
	if f.Timestamp > 0 {
		cmd.Timestamp = time.UnixMilli(f.Timestamp)
	}
	return cmd, nil
}

// encodeFrame converts a queued frame to its wire form.
func encodeFrame(f realtime.Frame) ServerFrame {
	out := ServerFrame{
		Type:     f.Type,
		StreamID: string(f.StreamID),
		Reason:   f.Reason,
		Kind:     f.Kind,
		Payload:  f.Payload,
	}
	if f.Type == realtime.FrameData && f.Message != nil {
		out.StreamID = string(f.Message.StreamID)
		out.Payload = f.Message.Payload
		out.Timestamp = f.Message.Timestamp.UnixMilli()
		out.Seq = f.Message.Seq
	}
	return out
}
