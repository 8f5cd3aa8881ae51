package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lvonguyen/threatpulse/internal/observability"
)

// RequestMetrics records per-route request counts and latency. Routes
// are labeled by chi pattern, not raw path, to keep label cardinality
// bounded.
func RequestMetrics(metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			pattern := chi.RouteContext(r.Context()).RoutePattern()
			if pattern == "" {
				pattern = "unmatched"
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			metrics.RequestsTotal.
				WithLabelValues(r.Method, pattern, strconv.Itoa(status)).Inc()
			metrics.RequestDuration.
				WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		})
	}
}
