package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hpe-storage/truenas-csp/internal/backend"
	"github.com/hpe-storage/truenas-csp/internal/config"
	"github.com/hpe-storage/truenas-csp/internal/csp"
	"github.com/hpe-storage/truenas-csp/internal/handlers"
	"github.com/hpe-storage/truenas-csp/pkg/logging"
	"github.com/hpe-storage/truenas-csp/pkg/metrics"
)

// Server represents the CSP HTTP facade
type Server struct {
	server *http.Server
	cfg    *config.Config
	logger *logging.Logger
}

// Config holds the server configuration
type Config struct {
	Cfg      *config.Config
	Logger   *logging.Logger
	Exporter *metrics.Exporter
}

// NewServer creates the CSP facade with the full middleware stack
func NewServer(config Config) (*Server, error) {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(config.Logger))
	router.Use(rateLimitMiddleware())
	if config.Exporter != nil {
		router.Use(metricsMiddleware(config.Exporter))
	}

	server := &Server{
		cfg:    config.Cfg,
		logger: config.Logger,
	}

	var recorder backend.Recorder
	var observer csp.LockObserver
	if config.Exporter != nil {
		recorder = config.Exporter
		observer = config.Exporter
	}

	api := handlers.NewAPIHandlers(config.Cfg, config.Logger, observer)
	server.setupRoutes(router, api, handlers.TokenMiddleware(config.Cfg, config.Logger, recorder))

	server.server = &http.Server{
		Addr:           config.Cfg.Server.Listen,
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   config.Cfg.Server.RequestTimeout + 30*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return server, nil
}

// Start starts the CSP facade
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting CSP server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("CSP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the CSP facade
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping CSP server")
	return s.server.Shutdown(ctx)
}

// setupRoutes configures the CSP surface
func (s *Server) setupRoutes(router *gin.Engine, api *handlers.APIHandlers, token gin.HandlerFunc) {
	router.GET("/health", s.healthHandler)
	router.GET("/ready", s.readyHandler)

	v1 := router.Group("/containers/v1", token)
	{
		v1.POST("/tokens", api.PostToken)
		v1.DELETE("/tokens/:token_id", api.DeleteToken)

		v1.POST("/hosts", api.PostHost)
		v1.DELETE("/hosts/:host_id", api.DeleteHost)

		v1.GET("/volumes", api.GetVolumes)
		v1.POST("/volumes", api.PostVolume)
		v1.GET("/volumes/:volume_id", api.GetVolume)
		v1.PUT("/volumes/:volume_id", api.PutVolume)
		v1.DELETE("/volumes/:volume_id", api.DeleteVolume)
		v1.PUT("/volumes/:volume_id/actions/publish", api.PublishVolume)
		v1.PUT("/volumes/:volume_id/actions/unpublish", api.UnpublishVolume)

		v1.POST("/snapshots", api.PostSnapshot)
		v1.GET("/snapshots", api.GetSnapshots)
		v1.GET("/snapshots/:snapshot_id", api.GetSnapshot)
		v1.DELETE("/snapshots/:snapshot_id", api.DeleteSnapshot)
	}
}

// healthHandler handles health check requests
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// readyHandler handles readiness check requests. Appliances are bound
// per request, so readiness covers the process only.
func (s *Server) readyHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now().UTC(),
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, X-Auth-Token, X-Array-IP")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// loggingMiddleware logs HTTP requests, correlated by the request ID
// the preceding middleware assigned
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		requestLogger := &logging.Logger{Logger: logger.WithRequestID(c.GetString("request_id"))}
		requestLogger.LogAPIRequest(c.Request.Method, c.Request.URL.Path, c.ClientIP(),
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// rateLimitMiddleware implements rate limiting
func rateLimitMiddleware() gin.HandlerFunc {
	// 100 requests per minute; CSI drivers retry aggressively when a
	// cluster churns
	limiter := rate.NewLimiter(rate.Every(time.Minute/100), 100)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": "60s",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// metricsMiddleware records request metrics
func metricsMiddleware(exporter *metrics.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		exporter.ObserveRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
