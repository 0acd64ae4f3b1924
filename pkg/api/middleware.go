package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/nais/promote/pkg/metrics"
)

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	if pattern := rctx.RoutePattern(); len(pattern) > 0 {
		return pattern
	}
	return "unmatched"
}

// Instrument records request counts and latency partitioned by status code, method and route.
func Instrument(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		metrics.HTTPRequest(ww.Status(), r.Method, routePattern(r), time.Since(start))
	}
	return http.HandlerFunc(fn)
}

func RequestLogFields(r *http.Request) log.Fields {
	return log.Fields{
		"request_id":     chi_middleware.GetReqID(r.Context()),
		"method":         r.Method,
		"path":           r.URL.Path,
		"remote_address": r.RemoteAddr,
	}
}

func RequestLogger(next http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		fields := RequestLogFields(r)
		fields["status"] = ww.Status()
		fields["duration"] = time.Since(start).String()
		log.WithFields(fields).Debugf("%s %s", r.Method, r.URL.Path)
	}
	return http.HandlerFunc(fn)
}
