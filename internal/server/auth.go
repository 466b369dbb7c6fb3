package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const ctxUser contextKey = iota

const (
	failureWindow  = 5 * time.Minute
	maxFailures    = 10
	pruneThreshold = 1000
)

// dummyHash is compared against when the username is unknown so a miss
// costs the same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("bep-sync"), bcrypt.DefaultCost)

// RequestUser returns the authenticated username from the context, or "".
func RequestUser(ctx context.Context) string {
	v, _ := ctx.Value(ctxUser).(string)
	return v
}

// BasicAuth returns middleware that checks HTTP basic credentials against
// bcrypt hashes. An address with too many recent failures gets 429 until
// the window passes.
func BasicAuth(users map[string]string, logger *slog.Logger) func(http.Handler) http.Handler {
	limiter := newFailureLimiter()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			if limiter.limited(ip) {
				logger.Warn("auth: rate limited", slog.String("ip", ip))
				http.Error(w, "too many failed attempts", http.StatusTooManyRequests)

				return
			}

			user, password, ok := r.BasicAuth()
			if !ok {
				logger.Debug("auth: no credentials", slog.String("ip", ip), slog.String("path", r.URL.Path))
				unauthorized(w)

				return
			}

			hash, known := users[user]
			if !known {
				hash = string(dummyHash)
			}

			if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil || !known {
				limiter.record(ip)
				logger.Info("auth: invalid credentials", slog.String("user", user), slog.String("ip", ip))
				unauthorized(w)

				return
			}

			logger.Debug("auth: authenticated", slog.String("user", user), slog.String("ip", ip))

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUser, user)))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="bep-sync", charset="UTF-8"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// failureLimiter tracks failed attempts per address with a sliding window.
type failureLimiter struct {
	mu       sync.Mutex
	failures map[string][]time.Time
	now      func() time.Time
}

func newFailureLimiter() *failureLimiter {
	return &failureLimiter{failures: make(map[string][]time.Time), now: time.Now}
}

func (l *failureLimiter) limited(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-failureWindow)

	if len(l.failures) > pruneThreshold {
		for k, times := range l.failures {
			if len(times) == 0 || times[len(times)-1].Before(cutoff) {
				delete(l.failures, k)
			}
		}
	}

	recent := l.failures[ip][:0]
	for _, t := range l.failures[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) == 0 {
		delete(l.failures, ip)
		return false
	}

	l.failures[ip] = recent

	return len(recent) >= maxFailures
}

func (l *failureLimiter) record(ip string) {
	l.mu.Lock()
	l.failures[ip] = append(l.failures[ip], l.now())
	l.mu.Unlock()
}
