package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    realtime.Command
		wantErr bool
	}{
		{
			name: "subscribe",
			in:   `{"type":"subscribe","streamId":"temp-sensor-1"}`,
			want: realtime.Command{Type: realtime.CmdSubscribe, StreamID: "temp-sensor-1"},
		},
		{
			name: "publish with timestamp",
			in:   `{"type":"publish","streamId":"s","payload":{"v":1},"timestamp":1700000000000}`,
			want: realtime.Command{
				Type:      realtime.CmdPublish,
				StreamID:  "s",
				Payload:   json.RawMessage(`{"v":1}`),
				Timestamp: time.UnixMilli(1700000000000),
			},
		},
		{
			name: "unknown type passes through",
			in:   `{"type":"teleport","streamId":"s"}`,
			want: realtime.Command{Type: "teleport", StreamID: "s"},
		},
		{name: "missing type", in: `{"streamId":"s"}`, wantErr: true},
		{name: "publish without payload", in: `{"type":"publish","streamId":"s"}`, wantErr: true},
		{name: "not json", in: `subscribe s`, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeCommand([]byte(tc.in))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want.Type, got.Type)
			assert.Equal(t, tc.want.StreamID, got.StreamID)
			assert.JSONEq(t, string(orNull(tc.want.Payload)), string(orNull(got.Payload)))
			assert.True(t, tc.want.Timestamp.Equal(got.Timestamp))
		})
	}
}

func orNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func TestEncodeFrame(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	data := encodeFrame(realtime.Frame{
		Type: realtime.FrameData,
		Message: &realtime.Message{
			StreamID:  "temp-sensor-1",
			Payload:   json.RawMessage(`{"value":42.3}`),
			Timestamp: ts,
			Seq:       7,
		},
	})

	raw, err := json.Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"data","streamId":"temp-sensor-1","payload":{"value":42.3},"timestamp":1700000000123,"seq":7}`,
		string(raw))

	raw, err = json.Marshal(encodeFrame(realtime.Frame{Type: realtime.FrameError, Reason: "invalid_state", StreamID: "s"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","reason":"invalid_state","streamId":"s"}`, string(raw))

	raw, err = json.Marshal(encodeFrame(realtime.Frame{
		Type:    realtime.FrameControl,
		Kind:    "dashboard.updated",
		Payload: json.RawMessage(`{"id":"d1"}`),
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control","kind":"dashboard.updated","payload":{"id":"d1"}}`, string(raw))
}
