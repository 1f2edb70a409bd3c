package relay

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	msg := &realtime.Message{
		StreamID:  "temp-sensor-1",
		Payload:   json.RawMessage(`{"value":42.3}`),
		Timestamp: ts,
		Seq:       9,
		Origin:    "instance-a",
	}

	data, err := encode(msg)
	require.NoError(t, err)

	got, err := decode("pulseboard:stream:temp-sensor-1", string(data))
	require.NoError(t, err)
	assert.Equal(t, msg.StreamID, got.StreamID)
	assert.JSONEq(t, `{"value":42.3}`, string(got.Payload))
	assert.True(t, ts.Equal(got.Timestamp))
	assert.Equal(t, "instance-a", got.Origin)
	assert.Zero(t, got.Seq, "sequence numbers are assigned by the receiving instance")
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		channel string
		body    string
	}{
		{"not json", "pulseboard:stream:a", "nope"},
		{"channel mismatch", "pulseboard:stream:a", `{"origin":"x","stream_id":"b","payload":1}`},
		{"foreign channel", "other:a", `{"origin":"x","stream_id":"a","payload":1}`},
		{"no origin", "pulseboard:stream:a", `{"stream_id":"a","payload":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decode(tt.channel, tt.body)
			assert.Error(t, err)
		})
	}
}

func TestNewRedis_BadURL(t *testing.T) {
	_, err := NewRedis("not-a-url://", zap.NewNop())
	assert.Error(t, err)
}

type recorder struct {
	id string

	mu   sync.Mutex
	msgs []*realtime.Message
}

func (r *recorder) InstanceID() string { return r.id }

func (r *recorder) DeliverLocal(msg *realtime.Message) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return 1
}

func (r *recorder) received() []*realtime.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*realtime.Message(nil), r.msgs...)
}

// TestRedis_CrossInstance needs a live server.
func TestRedis_CrossInstance(t *testing.T) {
	url := os.Getenv("PULSEBOARD_TEST_REDIS_URL")
	if url == "" {
		t.Skip("PULSEBOARD_TEST_REDIS_URL not set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := NewRedis(url, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedis(url, zap.NewNop())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Ping(ctx))

	instA := &recorder{id: "a"}
	instB := &recorder{id: "b"}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = a.Run(ctx, instA) }()
	go func() { defer wg.Done(); _ = b.Run(ctx, instB) }()

	// PSubscribe is confirmed inside Run; give both loops time to get there.
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, a.Forward(ctx, &realtime.Message{
		StreamID:  "cpu",
		Payload:   json.RawMessage(`0.5`),
		Timestamp: time.Now(),
		Origin:    "a",
	}))

	require.Eventually(t, func() bool { return len(instB.received()) == 1 }, 2*time.Second, 20*time.Millisecond)
	assert.Equal(t, realtime.StreamID("cpu"), instB.received()[0].StreamID)
	assert.Empty(t, instA.received(), "an instance ignores its own messages")

	cancel()
	wg.Wait()
}
