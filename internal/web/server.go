package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ecovision/trapsync/internal/config"
	"github.com/ecovision/trapsync/internal/logger"
	"github.com/ecovision/trapsync/internal/pipeline"
	"github.com/ecovision/trapsync/internal/state"
	"github.com/ecovision/trapsync/internal/telemetry"
)

// TrackUploader triggers an upload of one recorded track.
type TrackUploader interface {
	SendTrack(ctx context.Context, sessionID string, trackID int) error
}

// Server exposes the running pipeline over a small local HTTP API.
type Server struct {
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	pipeline   *pipeline.Pipeline
	stateMgr   *state.Manager
	collector  *telemetry.Collector
	uploader   TrackUploader // optional
	sessionID  func() string // current session ID, empty when idle
	startTime  time.Time
}

// ServerConfig wires the server's collaborators.
type ServerConfig struct {
	Web       *config.WebConfig
	Pipeline  *pipeline.Pipeline
	StateMgr  *state.Manager
	Collector *telemetry.Collector
	Uploader  TrackUploader
	SessionID func() string
}

// NewServer creates the web server.
func NewServer(cfg ServerConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	return &Server{
		config:    cfg.Web,
		logger:    log,
		router:    router,
		pipeline:  cfg.Pipeline,
		stateMgr:  cfg.StateMgr,
		collector: cfg.Collector,
		uploader:  cfg.Uploader,
		sessionID: cfg.SessionID,
		startTime: time.Now(),
	}
}

// Start starts the HTTP server in the background.
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("Web server is disabled")
		return nil
	}

	s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.logger.Info("Starting web server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", "error", err, "address", addr)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all API routes.
func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/status", s.handleStatus)
		api.GET("/sessions", s.handleListSessions)
		api.GET("/records", s.handleListRecords)
		api.POST("/upload/:track_id", s.handleUploadTrack)
	}
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}
