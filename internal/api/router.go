package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(apiHandler *APIHandler, reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	if reg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Form schemas and per-form overrides
			r.Get("/forms", apiHandler.ListFormsHandler)
			r.Put("/forms/{formID}", apiHandler.SaveFormHandler)
			r.Get("/forms/{formID}", apiHandler.GetFormHandler)
			r.Get("/forms/{formID}/settings", apiHandler.GetFormSettingsHandler)
			r.Put("/forms/{formID}/settings", apiHandler.PutFormSettingsHandler)
			r.Post("/forms/{formID}/entries", apiHandler.SubmitEntryHandler)

			// Entry analysis
			r.Get("/entries/{entryID}/analysis", apiHandler.GetAnalysisHandler)
			r.Post("/entries/{entryID}/analysis", apiHandler.AnalyzeHandler)
			r.Delete("/entries/{entryID}/analysis", apiHandler.DeleteAnalysisHandler)
			r.Get("/entries/{entryID}/report", apiHandler.ReportHandler)

			// Global settings and credential
			r.Get("/settings", apiHandler.GetSettingsHandler)
			r.Put("/settings", apiHandler.PutSettingsHandler)
			r.Get("/credential", apiHandler.GetCredentialHandler)
			r.Put("/credential", apiHandler.PutCredentialHandler)
			r.Delete("/credential", apiHandler.DeleteCredentialHandler)
			r.Post("/test-connection", apiHandler.TestConnectionHandler)

			// Audit log
			r.Get("/logs", apiHandler.ListLogsHandler)
			r.Get("/logs/{logID}", apiHandler.GetLogHandler)
			r.Delete("/logs", apiHandler.ClearLogsHandler)
		})
	})

	return r
}
