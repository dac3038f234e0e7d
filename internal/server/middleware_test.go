package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/keywatch/internal/app"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/handlers"
)

func newTestServer(environment string) *Server {
	cfg := common.NewDefaultConfig()
	cfg.Environment = environment
	return &Server{app: &app.App{Config: cfg, Logger: common.GetLogger()}}
}

func captureIdentity(captured *int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*captured = handlers.UserID(r)
		w.WriteHeader(http.StatusOK)
	})
}

func TestIdentityMiddleware_ParsesHeader(t *testing.T) {
	s := newTestServer("production")
	var userID int64

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("X-User-ID", "42")
	rec := httptest.NewRecorder()
	s.identityMiddleware(captureIdentity(&userID)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), userID)
}

func TestIdentityMiddleware_MissingHeaderInProduction(t *testing.T) {
	s := newTestServer("production")
	var userID int64

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	s.identityMiddleware(captureIdentity(&userID)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, userID)
}

func TestIdentityMiddleware_DevelopmentDefaultsToUserOne(t *testing.T) {
	s := newTestServer("development")
	var userID int64

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	s.identityMiddleware(captureIdentity(&userID)).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), userID)
}

func TestIdentityMiddleware_RejectsGarbageHeader(t *testing.T) {
	s := newTestServer("development")
	var userID int64

	for _, header := range []string{"abc", "-5", "0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		req.Header.Set("X-User-ID", header)
		rec := httptest.NewRecorder()
		s.identityMiddleware(captureIdentity(&userID)).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, "header %q", header)
	}
}

func TestCORSMiddleware_HandlesPreflight(t *testing.T) {
	s := newTestServer("development")

	req := httptest.NewRequest(http.MethodOptions, "/api/jobs", nil)
	rec := httptest.NewRecorder()
	called := false
	s.corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
