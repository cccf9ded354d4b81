// Package middleware holds the HTTP middleware shared by every route.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/unioslo/spine/internal/session"
)

// SessionLookup resolves bearer tokens to live sessions.
type SessionLookup interface {
	Lookup(token string) (*session.Session, error)
}

type sessionContextKey struct{}

// WithSession returns ctx carrying s.
func WithSession(ctx context.Context, s *session.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

// SessionFromContext returns the session stored by RequireSession.
func SessionFromContext(ctx context.Context) (*session.Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*session.Session)
	return s, ok && s != nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireSession rejects requests without a valid bearer token and stores
// the session in the request context otherwise. Looking the session up
// counts as activity.
func RequireSession(sessions SessionLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="spine"`)
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			s, err := sessions.Lookup(token)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="spine", error="invalid_token"`)
				http.Error(w, "invalid or expired session", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), s)))
		})
	}
}
