package api

import (
	"encoding/json"
	"net/http"

	"github.com/groundplane/groundplane/internal/api/handlers"
	"github.com/groundplane/groundplane/internal/api/middleware"
	"github.com/groundplane/groundplane/internal/config"
	"github.com/groundplane/groundplane/pkg/contracts"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes. Every route except
// sign-in, token refresh, health and version sits behind the bearer-token
// middleware.
func NewRouter(cfg *config.Config, h *handlers.Handlers, verifier contracts.TokenVerifier) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.BearerAuth(verifier))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Identity
	r.Route("/auth", func(r chi.Router) {
		r.Post("/sign-in/credentials", h.SignIn)
		r.Post("/token/refresh", h.RefreshToken)
		r.Get("/validate", h.ValidateToken)
		r.Post("/sign-out", h.SignOut)
	})

	// Query engines & builds
	r.Route("/engines", func(r chi.Router) {
		r.Get("/", h.ListEngines)
		r.Post("/", h.StartBuild)
		r.Route("/{engineID}", func(r chi.Router) {
			r.Get("/", h.GetEngine)
			r.Delete("/", h.ArchiveEngine)
			r.Post("/query", h.QueryEngine)
		})
	})

	r.Route("/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", h.GetJob)
		r.Post("/cancel", h.CancelJob)
	})

	// Chats
	r.Route("/chats", func(r chi.Router) {
		r.Get("/", h.ListChats)
		r.Post("/", h.CreateChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.GetChat)
			r.Delete("/", h.DeleteChat)
			r.Post("/generate", h.GenerateChat)
		})
	})

	// Agents
	r.Route("/agents", func(r chi.Router) {
		r.Get("/", h.ListAgents)
		r.Post("/{agentName}/run", h.RunAgent)
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "groundplane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "groundplane",
		})
	}
}
