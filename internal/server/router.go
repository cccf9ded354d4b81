// Package server exposes sessions, transactions and the entity graph over
// HTTP.
package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/unioslo/spine/internal/graph"
	"github.com/unioslo/spine/internal/middleware"
	"github.com/unioslo/spine/internal/telemetry"
)

// RouterOptions controls the construction of the HTTP router.
type RouterOptions struct {
	Sessions      Sessions
	Registry      *graph.Registry
	Logger        zerolog.Logger
	Metrics       *telemetry.ServerMetrics
	CORSOptions   *cors.Options
	Middleware    []func(http.Handler) http.Handler
	HealthHandler http.HandlerFunc
}

// DefaultCORSOptions returns the shared development CORS policy.
func DefaultCORSOptions() cors.Options {
	return cors.Options{
		AllowedOrigins: []string{
			"http://localhost:5173",
			"http://127.0.0.1:5173",
		},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewRouter assembles a chi.Router with shared middleware, CORS policy and
// the handlers mounted.
func NewRouter(opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(opts.Logger, opts.Metrics))
	r.Use(chimw.Recoverer)

	corsCfg := DefaultCORSOptions()
	if opts.CORSOptions != nil {
		corsCfg = *opts.CORSOptions
	}
	r.Use(cors.Handler(corsCfg))

	for _, mw := range opts.Middleware {
		if mw != nil {
			r.Use(mw)
		}
	}

	healthHandler := opts.HealthHandler
	if healthHandler == nil {
		healthHandler = defaultHealthHandler
	}
	r.Get("/health", healthHandler)

	if opts.Sessions == nil {
		return r
	}

	h := NewHandlers(opts.Sessions, opts.Registry)
	r.Post("/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireSession(opts.Sessions))

		r.Post("/logout", h.Logout)
		r.Get("/session", h.GetSession)
		r.Put("/session/encoding", h.SetEncoding)

		r.Route("/transactions", func(r chi.Router) {
			r.Post("/", h.CreateTransaction)
			r.Get("/", h.ListTransactions)

			r.Route("/{txn}", func(r chi.Router) {
				r.Post("/commit", h.Commit)
				r.Post("/rollback", h.Rollback)

				r.Route("/entities/{id}", func(r chi.Router) {
					r.Get("/", h.GetEntity)
					r.Get("/attributes/{attr}", h.GetAttribute)
					r.Put("/attributes/{attr}", h.SetAttribute)
					r.Get("/lock", h.GetLock)
					r.Post("/lock", h.AcquireLock)
					r.Delete("/lock", h.ReleaseLock)
					r.Get("/parents", h.Parents)
					r.Get("/children", h.Children)
					r.Get("/descendants", h.Descendants)
				})
			})
		})
	})

	return r
}

// NewH2CHandler wraps the router with an h2c server to serve HTTP/2 over
// cleartext.
func NewH2CHandler(opts RouterOptions) http.Handler {
	return h2c.NewHandler(NewRouter(opts), &http2.Server{})
}
