// Package api is the manager's HTTP surface: submission and query endpoints
// under /api/v1, plus /health and /metrics. Handlers are thin shells that
// bind and validate requests, call the manager service, and map its errors
// to HTTP status codes.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sublate/sublate/pkg/manager"
	"github.com/sublate/sublate/pkg/models"
)

// SubtitleService is the manager surface the handlers call.
// *manager.Service implements it; tests substitute a stub.
type SubtitleService interface {
	SubmitDownload(ctx context.Context, input manager.SubmitDownloadInput) (*manager.SubmitResult, error)
	SubmitTranslation(ctx context.Context, input manager.SubmitTranslationInput) (*manager.SubmitResult, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	GetEvents(ctx context.Context, jobID string, limit int) ([]json.RawMessage, error)
	ListJobs(ctx context.Context, limit int) ([]*models.Job, error)
	Health(ctx context.Context) manager.Health
}

// Options configures the API server.
type Options struct {
	Addr     string
	Service  SubtitleService
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server hosts the manager HTTP endpoints.
type Server struct {
	service  SubtitleService
	registry *prometheus.Registry
	logger   *slog.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
}

// NewServer builds the gin engine, registers routes and middleware, and
// prepares (but does not start) the underlying http.Server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), SecurityHeaders(), RequestLogger(logger))

	s := &Server{
		service:  opts.Service,
		registry: opts.Registry,
		logger:   logger,
		engine:   engine,
	}
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              opts.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.healthHandler)
	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	api := s.engine.Group("/api/v1")
	{
		api.POST("/subtitles/download", s.submitDownloadHandler)
		api.POST("/subtitles/translate", s.submitTranslationHandler)
		api.GET("/jobs", s.listJobsHandler)
		api.GET("/jobs/:id", s.getJobHandler)
		api.GET("/jobs/:id/events", s.getJobEventsHandler)
	}
}

// Handler exposes the engine for tests and in-process wiring.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
