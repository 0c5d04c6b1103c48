// Package app wires configuration, adapters, and usecases into runnable
// server and worker processes.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veriskill/veriskill/internal/adapter/httpserver"
	"github.com/veriskill/veriskill/internal/adapter/observability"
	"github.com/veriskill/veriskill/internal/config"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input allows all origins.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middleware and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server, readyz http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/candidate", func(cr chi.Router) {
		cr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		cr.Post("/login", srv.Login)
		cr.Group(func(ar chi.Router) {
			ar.Use(srv.CandidateAuth)
			ar.Get("/assessment/{id}/readiness", srv.Readiness)
			ar.Post("/assessment/{id}/start", srv.Start)
			ar.Get("/assessment/{id}/questions/page", srv.QuestionsPage)
			ar.Get("/assessment/{id}/timer", srv.Timer)
			ar.Post("/assessment/{id}/event", srv.RecordEvent)
			ar.Post("/assessment/{id}/submit", srv.Submit)
			ar.Post("/assessment/{id}/code/run", srv.RunCode)
		})
	})

	if cfg.AdminEnabled() {
		r.Route("/admin", func(ad chi.Router) {
			ad.Use(srv.AdminBasicAuth)
			ad.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			ad.Post("/tests/initiate", srv.InitiateTest)
			ad.Post("/questions", srv.AddQuestion)
			ad.Post("/questions/check-duplicate", srv.CheckDuplicate)
			ad.Get("/submissions/{id}", srv.SubmissionStatus)
			ad.Get("/submissions/{id}/report", srv.SubmissionReport)
			ad.Post("/submissions/{id}/rescore", srv.Rescore)
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", readyz)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpserver.SecurityHeaders(r)
}
