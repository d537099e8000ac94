/**
 * @description
 * This file sets up the HTTP router for the wizard-service. Clients open a wizard
 * session, drive it step by step and read the receipt once it completes.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the web client.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new Chi router and registers the wizard routes.
func NewRouter(h *Handlers, verifier *TokenVerifier, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Wizard service is healthy"))
	})
	r.Get("/flows", h.handleListFlows)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuthMiddleware(verifier))

		r.Post("/wizards", h.handleOpen)
		r.Route("/wizards/{id}", func(r chi.Router) {
			r.Get("/", h.handleGet)
			r.Delete("/", h.handleClose)
			r.Put("/fields/{key}", h.handleSetField)
			r.Post("/advance", h.handleAdvance)
			r.Post("/retreat", h.handleRetreat)
			r.Post("/verify", h.handleVerify)
			r.Post("/submit", h.handleSubmit)
			r.Post("/retry", h.handleRetry)
			r.Post("/reset", h.handleReset)
		})

		r.Get("/receipts", h.handleListReceipts)
		r.Get("/receipts/{id}", h.handleGetReceipt)
	})

	return r
}
