package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sublate/sublate/pkg/version"
)

// OpsOptions configures the minimal HTTP surface carried by headless
// services: the workers and the event consumer.
type OpsOptions struct {
	Addr     string
	Service  string
	Registry *prometheus.Registry
	// Ready reports dependency connectivity. Nil means always healthy.
	Ready  func(ctx context.Context) error
	Logger *slog.Logger
}

// OpsServer serves /health and /metrics for services that expose no public
// API of their own.
type OpsServer struct {
	service string
	ready   func(ctx context.Context) error
	logger  *slog.Logger
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewOpsServer builds the listener; Start serves it.
func NewOpsServer(opts OpsOptions) *OpsServer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), SecurityHeaders(), RequestLogger(logger))

	s := &OpsServer{
		service: opts.Service,
		ready:   opts.Ready,
		logger:  logger,
		engine:  engine,
	}

	engine.GET("/health", s.healthHandler)
	if opts.Registry != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

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

func (s *OpsServer) healthHandler(c *gin.Context) {
	if s.ready != nil {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.ready(reqCtx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  healthStatusUnhealthy,
				"service": s.service,
				"version": version.GitCommit,
				"error":   err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  healthStatusHealthy,
		"service": s.service,
		"version": version.GitCommit,
	})
}

// Handler exposes the engine for tests.
func (s *OpsServer) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *OpsServer) Start() error {
	s.logger.Info("Ops server listening", "addr", s.httpSrv.Addr, "service", s.service)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *OpsServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
