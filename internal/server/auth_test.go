package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func testUsers(t *testing.T) map[string]string {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	return map[string]string{"alex": string(hash)}
}

func testMux(t *testing.T) *http.ServeMux {
	t.Helper()

	return NewMux(MuxConfig{
		Users: testUsers(t),
		MCPHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "hello "+RequestUser(r.Context()))
		}),
		Logger: slog.New(slog.DiscardHandler),
	})
}

func serve(mux http.Handler, user, password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	if user != "" || password != "" {
		req.SetBasicAuth(user, password)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	return rec
}

func TestBasicAuth_Valid(t *testing.T) {
	rec := serve(testMux(t), "alex", "secret")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello alex", rec.Body.String())
}

func TestBasicAuth_Rejects(t *testing.T) {
	mux := testMux(t)

	tests := []struct {
		name     string
		user     string
		password string
	}{
		{"no credentials", "", ""},
		{"wrong password", "alex", "nope"},
		{"unknown user", "sam", "secret"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(mux, tt.user, tt.password)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
		})
	}
}

func TestBasicAuth_RateLimited(t *testing.T) {
	mux := testMux(t)

	for range maxFailures {
		assert.Equal(t, http.StatusUnauthorized, serve(mux, "alex", "wrong").Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, serve(mux, "alex", "secret").Code)
}

func TestFailureLimiter_WindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newFailureLimiter()
	l.now = func() time.Time { return now }

	for range maxFailures {
		l.record("ip")
	}

	assert.True(t, l.limited("ip"))

	now = now.Add(failureWindow + time.Second)
	assert.False(t, l.limited("ip"))
	assert.Empty(t, l.failures)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	testMux(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
