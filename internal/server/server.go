// Package server provides the HTTP servers for the sync API and metrics.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/contextfs/syncd/internal/config"
	apierrors "github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/handler"
	"github.com/contextfs/syncd/internal/health"
	"github.com/contextfs/syncd/internal/metrics"
	"github.com/contextfs/syncd/internal/middleware"
)

// Server represents the HTTP server.
type Server struct {
	router        *mux.Router
	httpServer    *http.Server
	handlers      *handler.SyncHandler
	healthCheck   *health.HealthChecker
	authenticator *middleware.Authenticator
	errorHandler  *apierrors.Handler
	metrics       *metrics.Metrics
	logger        *zap.Logger
	cfg           *config.Config
}

// NewServer creates a new HTTP server and configures its routes.
func NewServer(
	cfg *config.Config,
	handlers *handler.SyncHandler,
	healthCheck *health.HealthChecker,
	authenticator *middleware.Authenticator,
	errorHandler *apierrors.Handler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:        router,
		handlers:      handlers,
		healthCheck:   healthCheck,
		authenticator: authenticator,
		errorHandler:  errorHandler,
		metrics:       m,
		logger:        logger,
		cfg:           cfg,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.GetHandler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

func (s *Server) setupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.errorHandler, s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	}

	if s.cfg.RateLimiter.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			s.cfg.RateLimiter.RequestsPerSecond,
			s.cfg.RateLimiter.BurstSize,
			s.errorHandler,
			s.logger,
		)
		middlewareChain = append(middlewareChain, rateLimiter.Limit)
	}

	middlewareChain = append(middlewareChain,
		middleware.MaxBody(s.cfg.Server.MaxBodyBytes),
		middleware.Timeout(s.cfg.Server.RequestTimeout),
	)

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	s.router.HandleFunc("/health", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/sync").Subrouter()
	api.Use(s.authenticator.Authenticate)

	api.HandleFunc("/register", s.handlers.Register).Methods(http.MethodPost)
	api.HandleFunc("/push", s.handlers.Push).Methods(http.MethodPost)
	api.HandleFunc("/pull", s.handlers.Pull).Methods(http.MethodPost)
	api.HandleFunc("/diff", s.handlers.Diff).Methods(http.MethodPost)
	api.HandleFunc("/fetch", s.handlers.Fetch).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handlers.Status).Methods(http.MethodPost)

	// the subrouter answers its own mismatches, otherwise they fall through as 404
	for _, router := range []*mux.Router{s.router, api} {
		router.NotFoundHandler = http.HandlerFunc(s.notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)
	}
}

func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.HTTPCodeInvalidRequest, "endpoint not found", r.Header.Get("X-Request-ID"))
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.HTTPCodeInvalidRequest, "method not allowed", r.Header.Get("X-Request-ID"))
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server. CORS wraps the router
// so preflight requests are answered before method matching.
func (s *Server) GetHandler() http.Handler {
	return middleware.CORS([]string{"*"})(s.router)
}

// NewMetricsServer serves the registry's metrics on the configured port and path.
func NewMetricsServer(cfg config.MetricsConfig, gatherer prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: mux,
	}
}
