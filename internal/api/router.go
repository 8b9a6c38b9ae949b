// Package api builds the HTTP router for the askbase server.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/askbase/askbase/internal/api/handlers"
	"github.com/askbase/askbase/internal/api/middleware"
	"github.com/askbase/askbase/internal/config"
)

// NewRouter creates the HTTP router with all API routes. widgetWS and
// widgetScript serve the embeddable widget surface; both authenticate
// with embed keys rather than staff API keys.
func NewRouter(cfg *config.Config, h *handlers.Handlers, widgetWS, widgetScript http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.WorkspaceExtractor)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Workspace-Id", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAPIKeyAuth(cfg.Auth.APIKeys).Middleware)

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Workspaces (tenants)
		r.Route("/workspaces", func(r chi.Router) {
			r.Get("/", h.ListWorkspaces)
			r.Post("/", h.CreateWorkspace)
			r.Get("/{workspaceId}", h.GetWorkspace)
		})
		r.Get("/usage", h.GetUsage)

		// Documents (the knowledge base)
		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Post("/", h.UploadDocument)
			r.Route("/{documentId}", func(r chi.Router) {
				r.Get("/", h.GetDocument)
				r.Delete("/", h.DeleteDocument)
				r.Post("/retry", h.RetryDocument)
			})
		})

		// Query surface
		r.Post("/query", h.Query)
		r.Post("/query/stream", h.QueryStream)
		r.Post("/search", h.Search)

		// Chat sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", h.ListSessions)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Get("/messages", h.ListSessionMessages)
				r.Post("/messages/{messageId}/flag", h.FlagMessage)
				r.Post("/end", h.EndSession)
			})
		})

		// Embed codes (widget credentials)
		r.Route("/embeds", func(r chi.Router) {
			r.Get("/", h.ListEmbedCodes)
			r.Post("/", h.CreateEmbedCode)
			r.Route("/{embedId}", func(r chi.Router) {
				r.Post("/rotate", h.RotateEmbedCode)
				r.Post("/deactivate", h.DeactivateEmbedCode)
			})
		})
	})

	// Widget surface — embed key auth, public paths
	r.Handle("/widget/ws", widgetWS)
	r.Handle("/widget.js", widgetScript)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "askbase",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "askbase",
		})
	}
}
