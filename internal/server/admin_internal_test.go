package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/allyourbase/jobq/internal/testutil"
)

func TestAdminTokenIsPerBoot(t *testing.T) {
	t.Parallel()
	a := newAdminAuth("secret")

	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte("jobq-admin"))
	testutil.Equal(t, hex.EncodeToString(mac.Sum(nil)), a.token())
	testutil.Equal(t, a.token(), a.token())

	// Same password, new secret: tokens from a previous run stop working.
	restarted := newAdminAuth("secret")
	testutil.True(t, a.token() != restarted.token(), "token should change with the boot secret")
	testutil.False(t, restarted.validateToken(a.token()), "stale token must be rejected")
}

func TestAdminValidatePassword(t *testing.T) {
	t.Parallel()
	a := newAdminAuth("hunter2")
	testutil.True(t, a.validatePassword("hunter2"), "correct password")
	testutil.False(t, a.validatePassword("hunter"), "prefix")
	testutil.False(t, a.validatePassword(""), "empty")
}

func TestRequireAdminTokenGuardsQueueRoutes(t *testing.T) {
	t.Parallel()
	reached := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	auth := newAdminAuth("secret")

	tests := []struct {
		name   string
		auth   *adminAuth
		method string
		path   string
		header string
		want   int
	}{
		{name: "open when no password", auth: nil, method: http.MethodGet, path: "/api/admin/queues", want: http.StatusNoContent},
		{name: "valid token lists queues", auth: auth, method: http.MethodGet, path: "/api/admin/queues", header: "Bearer " + auth.token(), want: http.StatusNoContent},
		{name: "valid token empties queue", auth: auth, method: http.MethodPost, path: "/api/admin/queues/emails/empty", header: "Bearer " + auth.token(), want: http.StatusNoContent},
		{name: "wrong token", auth: auth, method: http.MethodDelete, path: "/api/admin/queues/emails/jobs/1", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "missing header", auth: auth, method: http.MethodPost, path: "/api/admin/queues/emails/pause", want: http.StatusUnauthorized},
		{name: "not a bearer token", auth: auth, method: http.MethodGet, path: "/api/admin/logs", header: "Basic " + auth.token(), want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := &Server{adminAuth: tt.auth}
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			s.requireAdminToken(reached).ServeHTTP(w, req)

			testutil.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusUnauthorized {
				testutil.Contains(t, w.Body.String(), "admin authentication required")
			}
		})
	}
}
