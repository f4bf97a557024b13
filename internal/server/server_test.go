package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagenthq/superagent/internal/auth"
	"github.com/superagenthq/superagent/internal/logger"
)

func TestShouldSkipJWT(t *testing.T) {
	e := echo.New()
	cases := []struct {
		path string
		skip bool
	}{
		{"/ping", true},
		{"/metrics", true},
		{"/gateway/health", true},
		{"/gateway/send", false},
		{"/gateway/subscribe", false},
		{"/memory/search", false},
		{"/fleet", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		c := e.NewContext(req, httptest.NewRecorder())
		assert.Equal(t, tc.skip, shouldSkipJWT(c), tc.path)
	}
}

type okHandler struct{}

func (okHandler) Register(e *echo.Echo) {
	e.GET("/gateway/bots", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"bots": []string{}})
	})
}

func TestProtectedRouteRequiresToken(t *testing.T) {
	s := New(logger.L, ":0", "test-secret", okHandler{})

	req := httptest.NewRequest(http.MethodGet, "/gateway/bots", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, _, err := auth.GenerateToken("ops", "test-secret", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/gateway/bots", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPingIsOpen(t *testing.T) {
	s := New(logger.L, ":0", "test-secret", okHandler{})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	// No ping handler registered here, but the JWT layer must not 401 it.
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestNilHandlersSkipped(t *testing.T) {
	require.NotPanics(t, func() {
		New(logger.L, "", "", nil, okHandler{})
	})
}
