package websocket

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/realtime"
)

var errBadToken = errors.New("bad token")

type testServer struct {
	hub *realtime.Hub
	srv *httptest.Server
	wg  sync.WaitGroup
}

// newTestServer serves a hub on /ws, authenticating "tok-<user>" from the
// token query parameter.
func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	verifier := realtime.TokenVerifierFunc(func(token string) (realtime.UserID, error) {
		if user, ok := strings.CutPrefix(token, "tok-"); ok {
			return realtime.UserID(user), nil
		}
		return "", errBadToken
	})

	ts := &testServer{
		hub: realtime.NewHub(realtime.Config{QueueSize: 16}, realtime.NewAuthenticator(verifier), zap.NewNop()),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.wg.Add(1)
		defer ts.wg.Done()
		session, err := ts.hub.Connect(r.Context(), r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		client, err := NewClient(session, w, r, zap.NewNop(), opts...)
		if err != nil {
			return
		}
		client.Run(r.Context())
	}))

	t.Cleanup(func() {
		ts.hub.Shutdown()
		ts.wg.Wait()
		ts.srv.Close()
	})
	return ts
}

// verifyNoLeaks checks for goroutine leaks after every later cleanup has run.
func verifyNoLeaks(t *testing.T) {
	t.Helper()
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })
}

func (ts *testServer) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var f ServerFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func TestClient_SubscribePublishDeliver(t *testing.T) {
	verifyNoLeaks(t)
	ts := newTestServer(t)

	sub := ts.dial(t, "tok-alice")
	pub := ts.dial(t, "tok-bob")

	require.NoError(t, sub.WriteJSON(ClientFrame{Type: "subscribe", StreamID: "temp-sensor-1"}))
	ack := readFrame(t, sub)
	assert.Equal(t, realtime.FrameSubscribed, ack.Type)
	assert.Equal(t, "temp-sensor-1", ack.StreamID)

	require.NoError(t, pub.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"publish","streamId":"temp-sensor-1","payload":{"value":42.3},"timestamp":1700000000000}`)))

	got := readFrame(t, sub)
	assert.Equal(t, realtime.FrameData, got.Type)
	assert.Equal(t, "temp-sensor-1", got.StreamID)
	assert.JSONEq(t, `{"value":42.3}`, string(got.Payload))
	assert.Equal(t, int64(1700000000000), got.Timestamp)
	assert.Equal(t, uint64(1), got.Seq)

	require.NoError(t, sub.WriteJSON(ClientFrame{Type: "unsubscribe", StreamID: "temp-sensor-1"}))
	assert.Equal(t, realtime.FrameUnsubscribed, readFrame(t, sub).Type)
}

func TestClient_BadFrames(t *testing.T) {
	verifyNoLeaks(t)
	ts := newTestServer(t)
	conn := ts.dial(t, "tok-alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f := readFrame(t, conn)
	assert.Equal(t, realtime.FrameError, f.Type)
	assert.Equal(t, reasonBadFrame, f.Reason)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	assert.Equal(t, reasonBadFrame, readFrame(t, conn).Reason)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "teleport", StreamID: "s"}))
	assert.Equal(t, "unknown_type", readFrame(t, conn).Reason)

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "subscribe", StreamID: ""}))
	assert.Equal(t, "invalid_stream", readFrame(t, conn).Reason)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"publish","streamId":"ok"}`)))
	assert.Equal(t, reasonBadFrame, readFrame(t, conn).Reason)

	// The connection survives every rejected frame.
	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "subscribe", StreamID: "ok"}))
	assert.Equal(t, realtime.FrameSubscribed, readFrame(t, conn).Type)
}

func TestClient_RejectsBadCredentialBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws?token=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, ts.hub.ConnectedCount())
}

func TestClient_DisconnectCleansUp(t *testing.T) {
	verifyNoLeaks(t)
	ts := newTestServer(t)
	conn := ts.dial(t, "tok-alice")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "subscribe", StreamID: "s"}))
	readFrame(t, conn)
	require.Equal(t, 1, ts.hub.ConnectedCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return ts.hub.ConnectedCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, ts.hub.Registry().SubscribersOf(realtime.StreamRoom("s")))
}

func TestClient_ShutdownSendsGoingAway(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "tok-alice")

	require.NoError(t, conn.WriteJSON(ClientFrame{Type: "subscribe", StreamID: "s"}))
	readFrame(t, conn)

	ts.hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestClient_ReadLimit(t *testing.T) {
	verifyNoLeaks(t)
	ts := newTestServer(t, WithReadLimit(64))
	conn := ts.dial(t, "tok-alice")

	big := `{"type":"publish","streamId":"s","payload":"` + strings.Repeat("x", 128) + `"}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(big)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Eventually(t, func() bool { return ts.hub.ConnectedCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestCloseReason(t *testing.T) {
	assert.Equal(t, realtime.ReasonClientDisconnect,
		closeReason(&websocket.CloseError{Code: websocket.CloseNormalClosure}))
	assert.Equal(t, realtime.ReasonClientDisconnect,
		closeReason(&websocket.CloseError{Code: websocket.CloseGoingAway}))
	assert.Equal(t, realtime.ReasonTransportError,
		closeReason(&websocket.CloseError{Code: websocket.CloseAbnormalClosure}))
	assert.Equal(t, realtime.ReasonTransportError, closeReason(errors.New("boom")))
}
