// Package api serves environment state and release history over HTTP, and
// lets operators abort deployments.
package api

import (
	"time"

	"github.com/go-chi/chi"
	chi_middleware "github.com/go-chi/chi/middleware"

	"github.com/nais/promote/pkg/config"
	"github.com/nais/promote/pkg/engine"
	"github.com/nais/promote/pkg/environment"
	"github.com/nais/promote/pkg/metrics"
	"github.com/nais/promote/pkg/recorder"
)

var requestTimeout = time.Second * 10

type Config struct {
	Engine       *engine.Engine
	Policies     config.Environments
	Environments environment.Store
	Deployments  engine.DeploymentStore
	Recorder     recorder.Recorder
	MetricsPath  string
}

func New(cfg Config) chi.Router {
	handler := &Handler{
		engine:       cfg.Engine,
		policies:     cfg.Policies,
		environments: cfg.Environments,
		deployments:  cfg.Deployments,
		recorder:     cfg.Recorder,
	}

	router := chi.NewRouter()
	router.Use(
		chi_middleware.RequestID,
		RequestLogger,
		Instrument,
		chi_middleware.StripSlashes,
	)

	if len(cfg.MetricsPath) > 0 {
		router.Get(cfg.MetricsPath, metrics.Handler().ServeHTTP)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(chi_middleware.Timeout(requestTimeout))

		r.Get("/environments", handler.ListEnvironments)
		r.Get("/environments/{name}", handler.GetEnvironment)
		r.Get("/records", handler.Records)
		r.With(chi_middleware.AllowContentType("application/json")).
			Post("/deployments/{id}/abort", handler.Abort)
	})

	return router
}
