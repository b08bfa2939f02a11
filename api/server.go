/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging, routed into the service's slog logger
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dashboard

ROUTE GROUPS:
  /api/items/*          Item registry, per-item balance and history
  /api/balances         All balances
  /api/transactions/*   Record, correct, reverse, paginate
  /api/audit            Audit log
  /healthz              Dependency checks

SECURITY NOTE:
  No authentication middleware. The X-Actor header is trusted; deploy
  behind a gateway that authenticates and sets it.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(h.Log.Handler(), slog.LevelInfo),
		NoColor: true,
	}))
	r.Use(middleware.Recoverer)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", actorHeader, "Idempotency-Key"},
			ExposedHeaders:   []string{"Retry-After"},
			AllowCredentials: true,
		}))
	}

	r.Get("/healthz", h.Health)

	r.Route("/api", func(r chi.Router) {
		// Item routes
		r.Route("/items", func(r chi.Router) {
			r.Get("/", h.ListItems)
			r.Post("/", h.CreateItem)
			r.Get("/{id}", h.GetItem)
			r.Patch("/{id}", h.UpdateItem)
			r.Post("/{id}/deactivate", h.DeactivateItem)
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/transactions", h.GetItemTransactions)
		})

		r.Get("/balances", h.ListBalances)

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/", h.ListTransactions)
			r.Post("/", h.RecordTransaction)
			r.Get("/{id}", h.GetTransaction)
			r.Patch("/{id}", h.UpdateTransaction)
			r.Post("/{id}/reverse", h.ReverseTransaction)
			r.Post("/{id}/undo-reverse", h.UndoReverseTransaction)
			r.Get("/{id}/reversals", h.ListReversals)
		})

		r.Get("/audit", h.ListAudit)
	})

	return r
}
