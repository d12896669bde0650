package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/nais/rollout/pkg/metrics"
)

func requestLogFields(r *http.Request) log.Fields {
	return log.Fields{
		"remote_addr":    r.RemoteAddr,
		"request_uri":    r.RequestURI,
		"request_method": r.Method,
		"request_id":     chi_middleware.GetReqID(r.Context()),
	}
}

// RequestLogger logs every request and observes its duration.
func RequestLogger() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chi_middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPRequest(r.Method, route, status, start)

			logger := log.WithFields(requestLogFields(r)).WithFields(log.Fields{
				"status":   status,
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			})
			if status >= http.StatusInternalServerError {
				logger.Warnf("%s %s", r.Method, r.URL.Path)
			} else {
				logger.Debugf("%s %s", r.Method, r.URL.Path)
			}
		}
		return http.HandlerFunc(fn)
	}
}
