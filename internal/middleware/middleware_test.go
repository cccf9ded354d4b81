package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unioslo/spine/internal/session"
)

type lookupFunc func(token string) (*session.Session, error)

func (f lookupFunc) Lookup(token string) (*session.Session, error) { return f(token) }

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc123", want: "abc123", ok: true},
		{header: "bearer abc123", want: "abc123", ok: true},
		{header: "Basic dXNlcjpwYXNz"},
		{header: "Bearer "},
		{header: ""},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(r)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRequireSession(t *testing.T) {
	sess := &session.Session{}
	lookup := lookupFunc(func(token string) (*session.Session, error) {
		if token == "good" {
			return sess, nil
		}
		return nil, session.ErrNoSession
	})

	var seen *session.Session
	handler := RequireSession(lookup)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer good", status: http.StatusNoContent},
		{name: "unknown token", header: "Bearer bad", status: http.StatusUnauthorized},
		{name: "missing header", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/session", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusNoContent {
				assert.Same(t, sess, seen)
			} else {
				assert.Nil(t, seen)
				assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestSessionFromContext_Empty(t *testing.T) {
	_, ok := SessionFromContext(context.Background())
	assert.False(t, ok)
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)

	r := chi.NewRouter()
	r.Use(RequestLogger(log, nil))
	r.Get("/things/{id}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, errors.New("boom").Error(), http.StatusInternalServerError)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/things/7", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	out := buf.String()
	assert.Contains(t, out, `"route":"/things/{id}"`)
	assert.Contains(t, out, `"status":500`)
	assert.Contains(t, out, `"level":"error"`)
}
