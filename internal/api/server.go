// Package api serves the read surface of coordination runs over HTTP:
// task, agent, decision, appeal, election, message, and audit queries
// backed by PostgreSQL, a live websocket feed of mirrored bus traffic,
// and control endpoints that relay pause/resume/cancel commands to the
// process running the team.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/cadreworks/cadre/internal/db"
	"github.com/cadreworks/cadre/internal/metrics"
)

// ControlSender relays control commands to wherever the team runs. The
// NATS bridge satisfies it.
type ControlSender interface {
	SendControl(taskID, command, reason string) error
}

// Config contains server configuration. DB and Control may each be nil;
// the affected endpoints answer 503 instead.
type Config struct {
	Host         string
	Port         int
	ControlToken string
	DB           *db.DB
	Control      ControlSender
	RateLimits   *RateLimiterConfig
}

// Server is the REST and websocket server
type Server struct {
	router  *gin.Engine
	db      *db.DB
	audits  *db.AuditStore
	hub     *Hub
	control ControlSender
	limits  *RateLimiterMiddleware
	addr    string
	server  *http.Server
}

// NewServer creates an API server. Nothing listens until Start.
func NewServer(config Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		router:  router,
		db:      config.DB,
		hub:     NewHub(),
		control: config.Control,
		limits:  NewRateLimiterMiddleware(config.RateLimits),
		addr:    fmt.Sprintf("%s:%d", config.Host, config.Port),
	}
	if config.DB != nil {
		s.audits = db.NewAuditStore(config.DB)
	}

	s.setupRoutes(config.ControlToken)
	return s
}

// Hub returns the websocket hub so callers can feed it mirrored traffic
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the hub and the HTTP server. It blocks until the server
// stops.
func (s *Server) Start() error {
	go s.hub.Run()
	s.limits.StartCleanupWorker(5 * time.Minute)

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully stops the HTTP server and the websocket hub
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	s.hub.Stop()
	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs every request with latency and status
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logEvent := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}

// MetricsMiddleware records every request for Prometheus, labelled by
// route template. Unmatched requests fall back to the raw path.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		metrics.RecordAPIRequest(
			c.Request.Method,
			path,
			strconv.Itoa(c.Writer.Status()),
			float64(time.Since(start).Milliseconds()),
		)
	}
}
