// Package api serves the deployment tracker over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"

	"github.com/nais/rollout/pkg/metrics"
	"github.com/nais/rollout/pkg/record"
)

var requestTimeout = time.Second * 10

// Tracker is the part of the deployment tracker exposed over HTTP.
type Tracker interface {
	Deploy(ctx context.Context, service, requester string, opts record.Options) (string, error)
	Get(ctx context.Context, id string) (*record.Record, error)
	List(ctx context.Context, filter record.Filter) ([]*record.Record, error)
	Cancel(ctx context.Context, id string) (*record.Record, error)
	Subscribe(ctx context.Context, id string, onUpdate func(*record.Record)) (func(), error)
}

type Config struct {
	Tracker     Tracker
	MetricsPath string
}

func New(cfg Config) chi.Router {
	handler := &DeploymentHandler{Tracker: cfg.Tracker}

	router := chi.NewRouter()
	router.Use(
		chi_middleware.RequestID,
		RequestLogger(),
		chi_middleware.StripSlashes,
	)

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if len(cfg.MetricsPath) > 0 {
		router.Get(cfg.MetricsPath, metrics.Handler().ServeHTTP)
	}

	router.Route("/api/v1/deployments", func(r chi.Router) {
		// Event streams stay open until the deployment ends.
		r.Get("/{id}/events", handler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chi_middleware.Timeout(requestTimeout))
			r.With(chi_middleware.AllowContentType("application/json")).Post("/", handler.Deploy)
			r.Get("/", handler.List)
			r.Get("/{id}", handler.Get)
			r.Post("/{id}/cancel", handler.Cancel)
		})
	})

	return router
}
