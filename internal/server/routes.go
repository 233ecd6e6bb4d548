package server

import (
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/namelens/symscan/internal/config"
	"github.com/namelens/symscan/internal/observability"
	"github.com/namelens/symscan/internal/server/handlers"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Get("/metrics", MetricsHandler)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/scans", s.api.TriggerScan)
		r.Get("/scans", s.api.ScanStatus)
		r.Get("/scans/history", s.api.ScanHistory)
		r.Get("/assets", s.api.ListAssets)
		r.Get("/assets/{base}/{quote}", s.api.GetAsset)
		r.Get("/gateway/stats", s.api.GatewayStatsHandler)
		r.Get("/events", s.api.StreamEvents)
	})

	s.registerAdminEndpoint()
}

// registerAdminEndpoint mounts the signal endpoint when SYMSCAN_ADMIN_TOKEN
// is set.
func (s *Server) registerAdminEndpoint() {
	tokenVar := config.EnvPrefix + "ADMIN_TOKEN"
	adminToken := os.Getenv(tokenVar)
	logger := observability.ServerLogger

	if adminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + tokenVar + " set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
