/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, forwarded to cycle.RequestContext
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /healthz              Liveness
  /api/programs/*       Program registry and cycle creation
  /api/cycles/*         Cycle operations and queries

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Company-ID"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Program routes
		r.Route("/programs", func(r chi.Router) {
			r.Get("/", h.ListPrograms)
			r.Post("/", h.CreateProgram)
			r.Get("/{id}", h.GetProgram)
			r.Get("/{id}/cycles", h.ListCycles)
			r.Post("/{id}/cycles", h.CreateCycle)
			r.Post("/{id}/beneficiaries", h.EnrollProgramMembers)
		})

		// Cycle routes
		r.Route("/cycles/{id}", func(r chi.Router) {
			r.Get("/", h.GetCycle)
			r.Get("/beneficiaries", h.ListBeneficiaries)
			r.Post("/beneficiaries", h.AddBeneficiaries)
			r.Post("/copy_beneficiaries", h.CopyBeneficiaries)
			r.Post("/check_eligibility", h.CheckEligibility)
			r.Get("/entitlements", h.ListEntitlements)
			r.Get("/entitlements/form", h.EntitlementsForm)
			r.Get("/events", h.ListEvents)
			r.Post("/{operation}", h.ApplyOperation)
		})
	})

	return r
}
