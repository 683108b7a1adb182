// Package api exposes the control surface over HTTP: automation
// lifecycle, A/B test operations, and metrics/alert reads.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/automations", func(r chi.Router) {
			r.Post("/", h.HandleCreateAutomation)
			r.Route("/{automationID}", func(r chi.Router) {
				r.Get("/", h.HandleGetAutomation)
				r.Post("/activate", h.HandleActivate)
				r.Post("/pause", h.HandlePause)
				r.Post("/archive", h.HandleArchive)
				r.Post("/test", h.HandleTestRun)
				r.Get("/executions", h.HandleListExecutions)
			})
		})

		r.Post("/events", h.HandleSubscriberEvent)
		r.Post("/engagement", h.HandleEngagementEvent)

		r.Route("/ab-tests", func(r chi.Router) {
			r.Post("/", h.HandleCreateTest)
			r.Route("/{testID}", func(r chi.Router) {
				r.Post("/start", h.HandleStartTest)
				r.Post("/select-winner", h.HandleSelectWinner)
				r.Get("/results", h.HandleGetResults)
				r.Get("/significance", h.HandleGetSignificance)
			})
		})

		r.Route("/metrics", func(r chi.Router) {
			r.Get("/summary", h.HandleGetSummary)
			r.Get("/alerts", h.HandleActiveAlerts)
			r.Post("/alerts/{alertID}/acknowledge", h.HandleAcknowledgeAlert)
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
