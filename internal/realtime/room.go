// Package realtime implements the stream fan-out core of the Pulseboard
// server: connection authentication, the subscription registry, the
// per-connection session state machine with its outbound queue, and the hub
// that fans published messages out to subscribers.
//
// The package has no knowledge of the wire. Transports (see
// internal/websocket) decode client frames into Command values, hand them to
// Session.Handle, and drain Session.Queue onto the connection.
//
// # Room keys
//
// Rooms are addressed by typed keys so a stream can never collide with a
// user's private room, even when both carry the same name:
//
//	stream:<stream_id>   public data channel, joined via subscribe
//	user:<user_id>       private control channel, joined automatically
package realtime

import (
	"fmt"
	"unicode"
)

// maxStreamIDLen bounds the length of a StreamID in bytes. Widgets reference
// streams by name, so a generous limit is enough for any realistic key.
const maxStreamIDLen = 256

// StreamID names a logical data channel. Streams need no registration: the
// first subscribe or publish implicitly creates the room.
type StreamID string

// UserID is the stable identity resolved from the connection credential.
type UserID string

// Validate reports whether id can be used as a stream name.
func (id StreamID) Validate() error {
	if id == "" {
		return fmt.Errorf("%w: empty stream id", ErrInvalidStream)
	}
	if len(id) > maxStreamIDLen {
		return fmt.Errorf("%w: stream id longer than %d bytes", ErrInvalidStream, maxStreamIDLen)
	}
	for _, r := range string(id) {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: stream id contains control characters", ErrInvalidStream)
		}
	}
	return nil
}

// RoomKind distinguishes public stream rooms from private user rooms.
type RoomKind uint8

const (
	// RoomStream rooms carry published stream data.
	RoomStream RoomKind = iota + 1

	// RoomUser rooms carry control frames addressed to a single user.
	RoomUser
)

// String implements fmt.Stringer.
func (k RoomKind) String() string {
	switch k {
	case RoomStream:
		return "stream"
	case RoomUser:
		return "user"
	default:
		return "unknown"
	}
}

// RoomKey identifies a broadcast group in the Registry. The zero value is
// not a valid key.
type RoomKey struct {
	Kind RoomKind
	Name string
}

// StreamRoom returns the key of the public room for a stream.
func StreamRoom(id StreamID) RoomKey {
	return RoomKey{Kind: RoomStream, Name: string(id)}
}

// UserRoom returns the key of a user's private room.
func UserRoom(id UserID) RoomKey {
	return RoomKey{Kind: RoomUser, Name: string(id)}
}

// String renders the key as "<kind>:<name>", used in logs and metrics.
func (k RoomKey) String() string {
	return k.Kind.String() + ":" + k.Name
}
