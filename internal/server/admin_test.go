package server_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/allyourbase/jobq/internal/config"
	"github.com/allyourbase/jobq/internal/testutil"
)

func withPassword(pw string) func(*config.Config) {
	return func(c *config.Config) { c.Admin.Password = pw }
}

func TestAdminStatusNoPassword(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/admin/status", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	testutil.False(t, decode[map[string]bool](t, w)["auth"])
}

func TestAdminStatusWithPassword(t *testing.T) {
	env := newTestEnv(t, withPassword("secret123"))
	w := env.do(t, http.MethodGet, "/api/admin/status", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
	testutil.True(t, decode[map[string]bool](t, w)["auth"])
}

func TestAdminLoginWrongPassword(t *testing.T) {
	env := newTestEnv(t, withPassword("right"))
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/admin/auth", strings.NewReader(`{"password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	env.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)
}

func TestAdminLoginWithoutPasswordConfigured(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/admin/auth", `{"password":"x"}`)
	testutil.StatusCode(t, http.StatusNotFound, w.Code)
}

func TestQueueRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, withPassword("pw"))

	req := httptest.NewRequest(http.MethodGet, "/api/admin/queues", nil)
	w := httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/queues", nil)
	req.Header.Set("Authorization", "Bearer not-the-token")
	w = httptest.NewRecorder()
	env.srv.Router().ServeHTTP(w, req)
	testutil.StatusCode(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodGet, "/api/admin/queues", "")
	testutil.StatusCode(t, http.StatusOK, w.Code)
}
