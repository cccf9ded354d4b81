package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/unioslo/spine/internal/telemetry"
)

// RequestLogger logs one line per request and records request metrics.
// It replaces chi's stdlib-based Logger so request logs share the zerolog
// output.
func RequestLogger(log zerolog.Logger, metrics *telemetry.ServerMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				route := r.URL.Path
				if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
					route = rctx.RoutePattern()
				}
				elapsed := time.Since(start)
				metrics.RecordRequest(r.Context(), r.Method, route, strconv.Itoa(status), float64(elapsed.Microseconds())/1000)

				ev := log.Info()
				if status >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("request_id", chimw.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("route", route).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", elapsed).
					Msg("request")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
