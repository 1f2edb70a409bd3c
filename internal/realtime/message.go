package realtime

import (
	"encoding/json"
	"time"
)

// Message is the envelope for one publish. It is immutable once built: each
// fan-out hands the same *Message to every subscriber queue and the payload
// is never copied per target.
type Message struct {
	StreamID  StreamID
	Payload   json.RawMessage
	Timestamp time.Time

	// Seq is a per-room sequence hint assigned at fan-out time. It restarts
	// when an empty room is garbage-collected and is not comparable across
	// instances.
	Seq uint64

	// Origin is the ID of the hub instance that accepted the publish. The
	// relay uses it to skip its own messages.
	Origin string
}

// FrameType identifies the kind of outbound frame carried by a Frame.
type FrameType string

const (
	// FrameData carries a published Message to a stream subscriber.
	FrameData FrameType = "data"

	// FrameSubscribed acknowledges a successful subscribe.
	FrameSubscribed FrameType = "subscribed"

	// FrameUnsubscribed acknowledges an unsubscribe, including the no-op case.
	FrameUnsubscribed FrameType = "unsubscribed"

	// FrameError reports a rejected command. The connection stays open.
	FrameError FrameType = "error"

	// FrameControl carries a server-to-user notice on the private room.
	FrameControl FrameType = "control"
)

// Frame is one item of a session's outbound queue. Which fields are set
// depends on Type:
//
//	data:          Message
//	subscribed:    StreamID
//	unsubscribed:  StreamID
//	error:         Reason, StreamID (optional)
//	control:       Kind, Payload
type Frame struct {
	Type     FrameType
	Message  *Message
	StreamID StreamID
	Reason   string
	Kind     string
	Payload  json.RawMessage
}
