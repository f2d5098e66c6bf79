package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hearthlink/hearthlink/gateway/internal/api/middleware"
	"github.com/hearthlink/hearthlink/gateway/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		// Plugin lifecycle
		r.Route("/plugins", func(r chi.Router) {
			r.Get("/", h.ListPlugins)
			r.Post("/", h.RegisterPlugin)
			r.Route("/{pluginID}", func(r chi.Router) {
				r.Get("/", h.GetPlugin)
				r.Post("/approve", h.ApprovePlugin)
				r.Post("/reject", h.RejectPlugin)
				r.Post("/quarantine/clear", h.ClearPluginQuarantine)
				r.Post("/benchmark", h.Benchmark)

				// Permissions scoped to a plugin
				r.Route("/permissions", func(r chi.Router) {
					r.Get("/", h.ListGrants)
					r.Post("/", h.RequestPermissions)
					r.Post("/revoke", h.RevokePermissions)
				})
			})
		})

		// Pending permission decisions
		r.Route("/permissions", func(r chi.Router) {
			r.Get("/pending", h.ListPendingPermissions)
			r.Post("/{requestID}/approve", h.ApprovePermissions)
			r.Post("/{requestID}/deny", h.DenyPermissions)
		})

		// Execution
		r.Post("/execute", h.Execute)
		r.Get("/sandbox/limits", h.SandboxLimits)

		// Traffic
		r.Route("/traffic", func(r chi.Router) {
			r.Get("/metrics", h.TrafficMetrics)
			r.Put("/allocations", h.UpdateAllocation)
		})

		// Security
		r.Route("/security", func(r chi.Router) {
			r.Get("/report", h.SecurityReport)
			r.Get("/dashboard", h.SecurityDashboard)
			r.Post("/events", h.ReportEvent)
			r.Post("/killswitch", h.KillSwitch)
			r.Post("/override", h.OverrideEvent)
			r.Route("/quarantine", func(r chi.Router) {
				r.Get("/", h.ListQuarantine)
				r.Post("/{origin}/clear", h.ClearQuarantine)
			})
		})

		// Audit
		r.Route("/audit", func(r chi.Router) {
			r.Get("/", h.ListAudit)
			r.Get("/export", h.ExportAudit)
			r.Post("/archive", h.ArchiveSecurityAudit)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "hearthlink-gateway",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "hearthlink-gateway",
		})
	}
}
