package realtime

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_CommandsBeforeActiveAreRejected(t *testing.T) {
	h := newTestHub(t, Config{})
	s := newSession(h, "pending")
	require.Equal(t, StateConnecting, s.State())

	err := s.Subscribe("s1")
	require.ErrorIs(t, err, ErrState)
	var se *StateError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "subscribe", se.Op)
	assert.Equal(t, StateConnecting, se.State)

	_, err = s.Publish(context.Background(), "s1", json.RawMessage(`1`), time.Time{})
	assert.ErrorIs(t, err, ErrState)

	assert.ErrorIs(t, s.Unsubscribe("s1"), ErrState)
	assert.Equal(t, 0, h.Registry().Rooms())
}

func TestSession_CommandsAfterCloseAreRejected(t *testing.T) {
	h := newTestHub(t, Config{})
	s := connect(t, h, "alice")

	require.True(t, s.Close(ReasonClientDisconnect))

	assert.ErrorIs(t, s.Subscribe("s1"), ErrState)
	_, err := s.Publish(context.Background(), "s1", json.RawMessage(`1`), time.Time{})
	assert.ErrorIs(t, err, ErrState)
	assert.Equal(t, 0, h.Registry().memberCount(StreamRoom("s1")))
}

func TestSession_HandleReportsErrorsAsFrames(t *testing.T) {
	h := newTestHub(t, Config{})
	s := connect(t, h, "alice")

	err := s.Handle(context.Background(), Command{Type: "dance", StreamID: "s1"})
	require.ErrorIs(t, err, ErrUnknownCommand)

	err = s.Handle(context.Background(), Command{Type: CmdSubscribe, StreamID: ""})
	require.ErrorIs(t, err, ErrInvalidStream)

	frames := drain(s)
	require.Len(t, frames, 2)
	assert.Equal(t, FrameError, frames[0].Type)
	assert.Equal(t, "unknown_type", frames[0].Reason)
	assert.Equal(t, FrameError, frames[1].Type)
	assert.Equal(t, "invalid_stream", frames[1].Reason)

	assert.Equal(t, StateActive, s.State(), "errors must not close the session")
}

func TestSession_SubscribeAcknowledges(t *testing.T) {
	h := newTestHub(t, Config{})
	s := connect(t, h, "alice")

	require.NoError(t, s.Handle(context.Background(), Command{Type: CmdSubscribe, StreamID: "s1"}))
	require.NoError(t, s.Handle(context.Background(), Command{Type: CmdUnsubscribe, StreamID: "s1"}))
	require.NoError(t, s.Handle(context.Background(), Command{Type: CmdUnsubscribe, StreamID: "never"}))

	frames := drain(s)
	require.Len(t, frames, 3)
	assert.Equal(t, Frame{Type: FrameSubscribed, StreamID: "s1"}, frames[0])
	assert.Equal(t, Frame{Type: FrameUnsubscribed, StreamID: "s1"}, frames[1])
	assert.Equal(t, Frame{Type: FrameUnsubscribed, StreamID: "never"}, frames[2])
}

func TestSession_SubscribeUnsubscribeIdempotence(t *testing.T) {
	h := newTestHub(t, Config{})
	s := connect(t, h, "alice")
	key := StreamRoom("s1")

	cases := []struct {
		name string
		ops  []CommandType
		want bool
	}{
		{"subscribe twice", []CommandType{CmdSubscribe, CmdSubscribe}, true},
		{"unsubscribe twice", []CommandType{CmdSubscribe, CmdUnsubscribe, CmdUnsubscribe}, false},
		{"last call wins", []CommandType{CmdUnsubscribe, CmdSubscribe, CmdUnsubscribe, CmdSubscribe}, true},
		{"only unsubscribe", []CommandType{CmdUnsubscribe}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, op := range tc.ops {
				require.NoError(t, s.Handle(context.Background(), Command{Type: op, StreamID: "s1"}))
			}
			if tc.want {
				assert.Equal(t, 1, h.Registry().memberCount(key))
				assert.Equal(t, []StreamID{"s1"}, s.subscriptions())
			} else {
				assert.Equal(t, 0, h.Registry().memberCount(key))
				assert.Empty(t, s.subscriptions())
			}
			// reset for the next case
			require.NoError(t, s.Unsubscribe("s1"))
			drain(s)
		})
	}
}

func TestSession_CloseIsOneShot(t *testing.T) {
	h := newTestHub(t, Config{})
	s := connect(t, h, "alice")
	require.NoError(t, s.Subscribe("s1"))
	require.NoError(t, s.Subscribe("s2"))

	var calls int
	var mu sync.Mutex
	s.OnClose(func(reason string) {
		mu.Lock()
		calls++
		mu.Unlock()
		assert.Equal(t, ReasonTransportError, reason)
	})

	var wg sync.WaitGroup
	results := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- s.Close(ReasonTransportError)
		}()
	}
	wg.Wait()
	close(results)

	var won int
	for ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, ReasonTransportError, s.CloseReason())
	assert.Equal(t, 0, h.Registry().Rooms())
	assert.Nil(t, h.session(s.ID()))

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	// Registered after close: runs immediately.
	ran := false
	s.OnClose(func(string) { ran = true })
	assert.True(t, ran)
}

func TestSession_DisconnectWinsOverSubscribe(t *testing.T) {
	h := newTestHub(t, Config{})

	for i := 0; i < 200; i++ {
		s := connect(t, h, "racer")

		start := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_ = s.Subscribe("contested")
		}()
		go func() {
			defer wg.Done()
			<-start
			s.Close(ReasonClientDisconnect)
		}()
		close(start)
		wg.Wait()

		require.Equal(t, 0, h.Registry().memberCount(StreamRoom("contested")), "iteration %d", i)
		require.Empty(t, s.subscriptions())
	}
	assert.Equal(t, 0, h.Registry().Rooms())
}

func TestSession_NoDeliveryOnceClosedIsVisible(t *testing.T) {
	h := newTestHub(t, Config{})

	for i := 0; i < 200; i++ {
		s := connect(t, h, "leaver")
		require.NoError(t, s.Subscribe("contested"))

		counts := make(chan int, 1)
		go func() {
			for s.State() != StateClosed {
				runtime.Gosched()
			}
			n, err := h.Publish(context.Background(), "contested", json.RawMessage(`1`), time.Time{})
			if err != nil {
				n = -1
			}
			counts <- n
		}()
		s.Close(ReasonClientDisconnect)

		require.Equal(t, 0, <-counts, "iteration %d", i)
		_, ok := s.Queue().Pop()
		require.False(t, ok)
	}
}

func TestSession_PublishRateLimit(t *testing.T) {
	h := newTestHub(t, Config{PublishRate: 1, PublishBurst: 2})
	s := connect(t, h, "alice")

	payload := json.RawMessage(`{"v":1}`)
	_, err := s.Publish(context.Background(), "s1", payload, time.Time{})
	require.NoError(t, err)
	_, err = s.Publish(context.Background(), "s1", payload, time.Time{})
	require.NoError(t, err)

	err = s.Handle(context.Background(), Command{Type: CmdPublish, StreamID: "s1", Payload: payload})
	require.ErrorIs(t, err, ErrRateLimited)

	frames := drain(s)
	require.Len(t, frames, 1)
	assert.Equal(t, "rate_limited", frames[0].Reason)
	assert.Equal(t, StreamID("s1"), frames[0].StreamID)
}

func TestSession_HandleTouchesActivity(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newTestHub(t, Config{Clock: clock})
	s := connect(t, h, "alice")
	before := s.LastActivity()

	clock.Advance(time.Minute)
	require.NoError(t, s.Handle(context.Background(), Command{Type: CmdSubscribe, StreamID: "s1"}))

	assert.Equal(t, time.Minute, s.LastActivity().Sub(before))
}
