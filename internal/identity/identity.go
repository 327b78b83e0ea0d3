// Package identity attributes API requests to a candidate.
package identity

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
)

const (
	// CandidateHeaderName carries the candidate's identity, injected by the
	// authenticating edge in front of this service.
	CandidateHeaderName = "X-Candidate-ID"
)

type contextKey int

const candidateIDKey contextKey = iota

var candidateIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// CandidateIDFromContext extracts the candidate ID from the request context.
func CandidateIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(candidateIDKey).(string); ok {
		return v
	}
	return ""
}

func sanitizeCandidateID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || !candidateIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// Middleware injects the caller's candidate identity into the request
// context. Requests without a valid identity are rejected; every interview
// route needs attribution.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			candidateID := sanitizeCandidateID(r.Header.Get(CandidateHeaderName))
			if candidateID == "" {
				slog.Warn("Rejecting request without candidate identity",
					"remote_ip", IPFromRequest(r), "path", r.URL.Path)
				http.Error(w, `{"error":"missing or invalid candidate identity"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), candidateIDKey, candidateID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
