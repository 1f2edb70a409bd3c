package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pulseboard/pulseboard/internal/auth"
	"github.com/pulseboard/pulseboard/internal/db"
	"github.com/pulseboard/pulseboard/internal/metrics"
	"github.com/pulseboard/pulseboard/internal/realtime"
	"github.com/pulseboard/pulseboard/internal/repositories"
)

type testEnv struct {
	srv  *httptest.Server
	hub  *realtime.Hub
	jwt  *auth.JWTManager
	reg  *prometheus.Registry
	http *http.Client
}

func newTestEnv(t *testing.T, opts ...func(*RouterConfig)) *testEnv {
	t.Helper()
	require.NoError(t, db.InitEncryption([]byte("0123456789abcdef0123456789abcdef")))

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	database, err := db.New(db.Config{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", name),
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	sqlDB, err := database.DB()
	require.NoError(t, err)

	jwtMgr, err := auth.NewJWTManagerGenerated("pulseboard-test")
	require.NoError(t, err)

	users := repositories.NewUserRepository(database)
	svc := auth.NewAuthService(users, repositories.NewRefreshTokenRepository(database), jwtMgr, nil)

	reg := prometheus.NewRegistry()
	hub := realtime.NewHub(realtime.Config{QueueSize: 32}, realtime.NewAuthenticator(jwtMgr), zap.NewNop())

	routerCfg := RouterConfig{
		AuthService:    svc,
		Hub:            hub,
		Logger:         zap.NewNop(),
		Users:          users,
		Dashboards:     repositories.NewDashboardRepository(database),
		Widgets:        repositories.NewWidgetRepository(database),
		DB:             sqlDB,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
	}
	for _, opt := range opts {
		opt(&routerCfg)
	}
	router := NewRouter(routerCfg)

	env := &testEnv{
		srv: httptest.NewServer(router),
		hub: hub,
		jwt: jwtMgr,
		reg: reg,
	}
	env.http = env.srv.Client()
	env.http.Jar, err = cookiejar.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		hub.Shutdown()
		env.srv.Close()
		_ = db.Close(database)
	})
	return env
}

// do sends a JSON request and decodes the "data" field of the response into
// out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.http.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && resp.StatusCode < 300 {
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &env), string(raw))
		require.NoError(t, json.Unmarshal(env.Data, out), string(raw))
	}
	return resp
}

// signup registers and logs in a user, returning the access token and ID.
func (e *testEnv) signup(t *testing.T, email string) (token, userID string) {
	t.Helper()
	var user userResponse
	resp := e.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]string{
		"email": email, "password": "correct horse",
	}, &user)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var login loginResponse
	resp = e.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": email, "password": "correct horse",
	}, &login)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, login.AccessToken)
	return login.AccessToken, user.ID
}

// drain pops every frame currently queued on s.
func drain(s *realtime.Session) []realtime.Frame {
	var out []realtime.Frame
	for {
		f, ok := s.Queue().Pop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}
