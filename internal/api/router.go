/**
 * @description
 * HTTP router setup for the referral service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers referral-engine routes.
func NewRouter(h *Handler, internalKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Referral service is healthy"))
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/referrals", h.handleBuildReferral)
		r.Get("/referrals/{userID}/chain", h.handleGetChain)
		r.Post("/earnings", h.handleRecordEarnings)
		r.Post("/settlement/run", h.handleRunSettlement)
		r.Post("/retries/sweep", h.handleRunRetrySweep)
		r.Get("/retries/dead-letter", h.handleListDeadLetter)
		r.Post("/retries/{id}/replay", h.handleReplayDeadLetter)
		r.Get("/retries/stats", h.handleRetryStats)
	})

	return r
}
