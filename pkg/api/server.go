// Package api exposes the relay over HTTP: differential sync, live
// listeners, chain event reads, and notification management. All routes
// except health and metrics require a bearer token and pass through the
// shared rate limiter.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskmesh/relay/pkg/api/middleware"
	"github.com/taskmesh/relay/pkg/bus"
	"github.com/taskmesh/relay/pkg/chains"
	"github.com/taskmesh/relay/pkg/delta"
	"github.com/taskmesh/relay/pkg/eventstore"
	"github.com/taskmesh/relay/pkg/notify"
	"github.com/taskmesh/relay/pkg/ratelimit"
)

// Server is the HTTP API server.
type Server struct {
	config *Config
	logger *zap.Logger

	sync     *delta.Service
	events   *eventstore.Store
	notify   *notify.Service
	registry *chains.Registry
	limiter  *ratelimit.Limiter
	topic    *bus.Bus
	auth     middleware.Authenticator

	router *chi.Mux
	server *http.Server
}

// NewServer creates the API server. A nil authenticator falls back to the
// static token map from the config.
func NewServer(
	config *Config,
	syncSvc *delta.Service,
	events *eventstore.Store,
	notifySvc *notify.Service,
	registry *chains.Registry,
	limiter *ratelimit.Limiter,
	topic *bus.Bus,
	auth middleware.Authenticator,
	logger *zap.Logger,
) (*Server, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if auth == nil {
		auth = &middleware.StaticTokenAuthenticator{Tokens: config.Tokens}
	}

	s := &Server{
		config:   config,
		logger:   logger.Named("api"),
		sync:     syncSvc,
		events:   events,
		notify:   notifySvc,
		registry: registry,
		limiter:  limiter,
		topic:    topic,
		auth:     auth,
		router:   chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         config.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s, nil
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recovery(s.logger))
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))

	// CORS headers go on ALL responses, before auth so preflight requests
	// need no token
	if s.config.EnableCORS {
		s.router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				origin := r.Header.Get("Origin")
				if origin == "" {
					origin = "*"
				}

				allowed := false
				for _, allowedOrigin := range s.config.AllowedOrigins {
					if allowedOrigin == "*" || allowedOrigin == origin {
						allowed = true
						break
					}
				}

				if allowed {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, Upgrade, Connection")
					w.Header().Set("Access-Control-Max-Age", "300")
				}

				if r.Method == http.MethodOptions {
					w.WriteHeader(http.StatusOK)
					return
				}

				next.ServeHTTP(w, r)
			})
		})
	}

	openPaths := map[string]bool{
		"/health":  true,
		"/metrics": true,
	}
	s.router.Use(middleware.BearerAuth(s.auth, openPaths, s.logger))

	if s.limiter != nil {
		s.router.Use(middleware.RateLimit(s.limiter, middleware.RateLimitConfig{
			UserLimit: s.config.UserRateLimit,
			IPLimit:   s.config.IPRateLimit,
			Window:    s.config.RateLimitWindow,
		}, s.logger))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Post("/sync", s.handleSync)
	s.router.Post("/listeners/setup", s.handleListenersSetup)
	s.router.Get("/listeners/stream", s.handleListenersStream)

	s.router.Get("/blockchain/events", s.handleBlockchainEvents)

	s.router.Route("/notifications", func(r chi.Router) {
		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)
		r.Post("/device-token", s.handleRegisterDeviceToken)
		r.Delete("/device-token", s.handleRemoveDeviceToken)
		r.Get("/history", s.handleNotificationHistory)
		r.Put("/{id}/read", s.handleMarkRead)
	})
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("starting api server", zap.String("address", s.config.Address()))

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping api server")
	return s.server.Shutdown(ctx)
}
