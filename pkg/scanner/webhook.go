package scanner

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sublate/sublate/pkg/api"
	"github.com/sublate/sublate/pkg/events"
	"github.com/sublate/sublate/pkg/version"
)

// Webhook events and item types the scanner acts on. Everything else is
// acknowledged and ignored so the media server never sees an error for
// traffic we simply do not care about.
const (
	webhookEventItemAdded   = "library.item.added"
	webhookEventItemUpdated = "library.item.updated"
)

var webhookItemTypes = map[string]struct{}{
	"Movie":   {},
	"Episode": {},
}

// Webhook statuses.
const (
	webhookStatusReceived = "received"
	webhookStatusIgnored  = "ignored"
	webhookStatusError    = "error"
)

// WebhookPayload is the notification body posted by the media server.
type WebhookPayload struct {
	Event       string `json:"event" binding:"required"`
	ItemType    string `json:"item_type"`
	ItemName    string `json:"item_name"`
	ItemPath    string `json:"item_path,omitempty"`
	ItemID      string `json:"item_id,omitempty"`
	LibraryName string `json:"library_name,omitempty"`
	VideoURL    string `json:"video_url,omitempty"`
}

// WebhookResponse acknowledges a notification.
type WebhookResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// WebhookOptions configures the scanner's HTTP listener.
type WebhookOptions struct {
	Addr      string
	Submitter *Submitter
	// Media resolves item ids to paths for notifications that carry no
	// locator. Optional.
	Media    *MediaServerClient
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// WebhookServer hosts the media-server notification endpoint plus /health
// and /metrics.
type WebhookServer struct {
	submitter *Submitter
	media     *MediaServerClient
	registry  *prometheus.Registry
	logger    *slog.Logger
	engine    *gin.Engine
	httpSrv   *http.Server
}

// NewWebhookServer builds the gin engine and prepares (but does not start)
// the underlying http.Server.
func NewWebhookServer(opts WebhookOptions) *WebhookServer {
	if opts.Submitter == nil {
		panic("scanner.NewWebhookServer: Submitter must not be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), api.SecurityHeaders(), api.RequestLogger(logger))

	s := &WebhookServer{
		submitter: opts.Submitter,
		media:     opts.Media,
		registry:  opts.Registry,
		logger:    logger,
		engine:    engine,
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

func (s *WebhookServer) routes() {
	s.engine.GET("/health", s.healthHandler)
	if s.registry != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	s.engine.POST("/webhooks/jellyfin", s.webhookHandler)
}

// Handler exposes the engine for tests and in-process wiring.
func (s *WebhookServer) Handler() http.Handler {
	return s.engine
}

// Start serves HTTP until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *WebhookServer) Start() error {
	s.logger.Info("Webhook listener listening", "addr", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *WebhookServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *WebhookServer) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "scanner",
		"version": version.GitCommit,
	})
}

// webhookHandler handles POST /webhooks/jellyfin. Only library item
// additions and updates for movies and episodes become submissions; every
// other notification is answered with status "ignored".
func (s *WebhookServer) webhookHandler(c *gin.Context) {
	var payload WebhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, WebhookResponse{
			Status:  webhookStatusError,
			Message: err.Error(),
		})
		return
	}

	if payload.Event != webhookEventItemAdded && payload.Event != webhookEventItemUpdated {
		c.JSON(http.StatusOK, WebhookResponse{
			Status:  webhookStatusIgnored,
			Message: "event not handled",
		})
		return
	}
	if _, ok := webhookItemTypes[payload.ItemType]; !ok {
		c.JSON(http.StatusOK, WebhookResponse{
			Status:  webhookStatusIgnored,
			Message: "item type not handled",
		})
		return
	}

	locator, err := s.resolveLocator(c.Request.Context(), payload)
	if err != nil {
		c.JSON(http.StatusBadGateway, WebhookResponse{
			Status:  webhookStatusError,
			Message: err.Error(),
		})
		return
	}
	if locator == "" {
		c.JSON(http.StatusBadRequest, WebhookResponse{
			Status:  webhookStatusError,
			Message: "notification carries no video locator",
		})
		return
	}

	outcome, err := s.submitter.Submit(c.Request.Context(), Submission{
		VideoURL: locator,
		ItemName: payload.ItemName,
		Trigger:  events.TriggerWebhook,
	})
	if err != nil {
		s.logger.Error("Failed to submit webhook item",
			"item", payload.ItemName, "error", err)
		c.JSON(http.StatusBadGateway, WebhookResponse{
			Status:  webhookStatusError,
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{
		Status: webhookStatusReceived,
		JobID:  outcome.JobID,
	})
}

// resolveLocator picks the video locator out of the payload, asking the
// media server for the item's path as a last resort.
func (s *WebhookServer) resolveLocator(ctx context.Context, payload WebhookPayload) (string, error) {
	if payload.VideoURL != "" {
		return payload.VideoURL, nil
	}
	if payload.ItemPath != "" {
		return payload.ItemPath, nil
	}
	if payload.ItemID != "" && s.media != nil {
		item, err := s.media.GetItem(ctx, payload.ItemID)
		if err != nil {
			return "", err
		}
		return item.Path, nil
	}
	return "", nil
}
