package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CollectPath is where clients post tracking events.
const CollectPath = "/api/collect"

func NewRouter(collect *CollectHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Get("/health", HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post(CollectPath, collect.HandleCollect)
	r.Options(CollectPath, Preflight)

	return r
}

// NewProcessorRouter serves health and metrics for the event processor.
func NewProcessorRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}
