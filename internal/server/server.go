// Package server exposes an orchestrator over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JohnPlummer/llm-orchestrator/internal/config"
	"github.com/JohnPlummer/llm-orchestrator/metrics"
	"github.com/JohnPlummer/llm-orchestrator/orchestrator"
)

// Server represents the HTTP server
type Server struct {
	orch     *orchestrator.Orchestrator
	gatherer prometheus.Gatherer
	config   config.ServerConfig
	logger   *slog.Logger
	router   *chi.Mux
	server   *http.Server
}

// New creates a server routing requests to orch. gatherer backs /metrics.
func New(orch *orchestrator.Orchestrator, gatherer prometheus.Gatherer, cfg config.ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	s := &Server{
		orch:     orch,
		gatherer: gatherer,
		config:   cfg,
		logger:   logger,
		router:   chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "The requested resource was not found")
	})

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(s.gatherer))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/complete", s.handleComplete)

		r.Route("/batch", func(r chi.Router) {
			r.Post("/", s.handleBatchSubmit)
			r.Get("/", s.handleBatchList)
			r.Delete("/", s.handleBatchClear)
			r.Get("/{id}", s.handleBatchStatus)
		})
	})
}

// requestLogger logs one line per request through slog
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start listens on the configured address until Shutdown is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: s.config.RequestTimeout + 5*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Starting HTTP server", "addr", s.config.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for testing
func (s *Server) Handler() http.Handler {
	return s.router
}
