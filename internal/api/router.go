/**
 * @description
 * This file sets up the HTTP router for the wallet-service. It defines the
 * webhook, health and operational endpoints and applies the standard
 * middleware stack.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes creates and returns the router for the wallet service.
func Routes(h *WebhookHandlers) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.HealthHandler)

	r.Post("/webhook", h.WhatsAppWebhookHandler)
	r.Post("/webhook/bitnob", h.BitnobWebhookHandler)

	r.Get("/api/stats", h.StatsHandler)
	r.Post("/admin/cleanup", h.CleanupHandler)

	return r
}
