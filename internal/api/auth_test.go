package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	token, userID := env.signup(t, "ada@example.com")

	var me userResponse
	resp := env.do(t, http.MethodGet, "/api/v1/users/me", token, nil, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, userID, me.ID)
	assert.Equal(t, "ada@example.com", me.Email)
	assert.NotNil(t, me.LastLoginAt)

	var refreshed loginResponse
	resp = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, &refreshed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, refreshed.AccessToken)

	resp = env.do(t, http.MethodPost, "/api/v1/auth/logout", refreshed.AccessToken, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ada@example.com")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"duplicate email", map[string]string{"email": "ada@example.com", "password": "correct horse"}, http.StatusConflict},
		{"missing password", map[string]string{"email": "bob@example.com"}, http.StatusBadRequest},
		{"bad email", map[string]string{"email": "bob", "password": "correct horse"}, http.StatusUnprocessableEntity},
		{"short password", map[string]string{"email": "bob@example.com", "password": "short"}, http.StatusUnprocessableEntity},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/v1/auth/register", "", tc.body, nil)
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ada@example.com")

	resp := env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong horse",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/api/v1/users/me", "/api/v1/dashboards", "/api/v1/streams/stats"} {
		resp := env.do(t, http.MethodGet, path, "", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)

		resp = env.do(t, http.MethodGet, path, "garbage", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestUpdateMe(t *testing.T) {
	env := newTestEnv(t)
	token, _ := env.signup(t, "ada@example.com")

	var me userResponse
	resp := env.do(t, http.MethodPatch, "/api/v1/users/me", token, map[string]string{"display_name": "Ada L."}, &me)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Ada L.", me.DisplayName)

	resp = env.do(t, http.MethodPatch, "/api/v1/users/me", token, map[string]string{"password": "a much better one"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The password change revoked the refresh token from signup.
	resp = env.do(t, http.MethodPost, "/api/v1/auth/refresh", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "a much better one",
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
