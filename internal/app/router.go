// Package app wires application components and startup helpers.
//
// It provides dependency injection and application initialization.
// The package coordinates between different layers and provides
// a clean application bootstrap process.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/scrapctl/dispatcher/internal/adapter/httpserver"
	"github.com/scrapctl/dispatcher/internal/adapter/observability"
	"github.com/scrapctl/dispatcher/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP Surface's handler: Job enqueue, Job
// summary, and the worker-facing pull/result endpoints (spec §4.6),
// fronted by the teacher's instrumentation middleware stack.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "X-Api-Key", "X-Client-Id", "X-Account", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Coarse per-IP ceiling ahead of the per-tenant token bucket enforced
	// inside each handler; protects login from unauthenticated abuse.
	r.Use(httprate.LimitByIP(cfg.TenantDefaultRPM*4, time.Minute))

	r.Post("/api/auth/login", srv.LoginHandler())
	r.Post("/ext/followings/enqueue", srv.EnqueueFollowingsHandler())
	r.Post("/ext/analyze/enqueue", srv.EnqueueAnalyzeHandler())
	r.Get("/jobs/{job_id}/summary", srv.JobSummaryHandler())
	r.Post("/api/send/pull", srv.PullHandler())
	r.Post("/api/send/result", srv.ResultHandler())

	r.Get("/healthz", srv.HealthzHandler())
	r.Get("/readyz", srv.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	return httpserver.SecurityHeaders(r)
}
