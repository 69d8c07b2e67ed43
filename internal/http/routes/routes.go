package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"wafilter/internal/http/handler"
	"wafilter/internal/http/middleware"
	"wafilter/internal/infra/config"
	pkglogger "wafilter/pkg/logger"
)

// Router holds all route handlers and dependencies
type Router struct {
	ingressHandler *handler.IngressHandler
	adminHandler   *handler.AdminHandler
	healthHandler  *handler.HealthHandler
	metricsHandler http.Handler
	config         *config.Config
	logger         pkglogger.Logger
}

// NewRouter creates a new router with all handlers
func NewRouter(
	ingressHandler *handler.IngressHandler,
	adminHandler *handler.AdminHandler,
	healthHandler *handler.HealthHandler,
	metricsHandler http.Handler,
	cfg *config.Config,
	logger pkglogger.Logger,
) *Router {
	return &Router{
		ingressHandler: ingressHandler,
		adminHandler:   adminHandler,
		healthHandler:  healthHandler,
		metricsHandler: metricsHandler,
		config:         cfg,
		logger:         logger,
	}
}

// SetupRoutes configures all routes and middleware
func (rt *Router) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RecoveryMiddleware(rt.logger))
	r.Use(middleware.RequestIDMiddleware())
	r.Use(middleware.LoggingMiddleware(rt.logger))
	r.Use(middleware.IPAllowListMiddleware(rt.config.Server.AllowedIPs, rt.logger))

	// Health and metrics (no auth)
	r.Get("/health", rt.healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", rt.metricsHandler)

	// Ingress
	r.Post("/filter", rt.ingressHandler.Receive)
	r.Post("/filter/{event}", rt.ingressHandler.ReceiveNamed)

	// Admin API behind basic auth
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.BasicAuthMiddleware(
			rt.config.Server.AdminUsername,
			rt.config.Server.AdminPassword,
			rt.logger,
		))

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", rt.adminHandler.ListContacts)
			r.Post("/", rt.adminHandler.AddContact)
			r.Put("/{phone}", rt.adminHandler.UpdateContact)
			r.Delete("/{phone}", rt.adminHandler.DeleteContact)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", rt.adminHandler.ListGroups)
			r.Post("/", rt.adminHandler.AddGroup)
			r.Put("/{groupId}", rt.adminHandler.UpdateGroup)
			r.Delete("/{groupId}", rt.adminHandler.DeleteGroup)
		})

		r.Route("/config", func(r chi.Router) {
			r.Get("/", rt.adminHandler.GetConfig)
			r.Put("/webhook", rt.adminHandler.SetWebhook)
			r.Put("/type-webhooks", rt.adminHandler.SetTypeWebhooks)
			r.Put("/custom-types", rt.adminHandler.SetCustomTypes)
		})

		r.Get("/stats", rt.adminHandler.GetStats)
		r.Get("/events", rt.adminHandler.GetEvents)

		r.Route("/webhook", func(r chi.Router) {
			r.Get("/health", rt.adminHandler.GetWebhookHealth)
			r.Post("/test", rt.adminHandler.TestWebhook)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", rt.adminHandler.ListMessageSources)
			r.Get("/{sourceId}", rt.adminHandler.GetMessages)
			r.Delete("/{sourceId}", rt.adminHandler.DeleteMessages)
		})

		r.Get("/media/{handle}", rt.adminHandler.GetMedia)
		r.Get("/connection", rt.adminHandler.GetConnection)
		r.Get("/qr", rt.adminHandler.GetQR)
		r.Post("/send", rt.adminHandler.SendMessage)
	})

	return r
}
