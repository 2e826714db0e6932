// Package api exposes the council over HTTP. Deliberations stream as
// server-sent events; everything else is plain JSON. The handlers hold
// no business logic of their own.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quorumlabs/quorum/pkg/council"
)

// Server is the HTTP surface over the council pipeline.
type Server struct {
	pipeline *council.Pipeline
	council  *council.Council
	db       *sql.DB
	logger   *slog.Logger
}

// NewServer creates the API server. db may be nil when the service runs
// without persistence; the health check then skips the database probe.
func NewServer(pipeline *council.Pipeline, c *council.Council, db *sql.DB, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{pipeline: pipeline, council: c, db: db, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.Health)

	v1 := router.Group("/api/v1")
	v1.POST("/council/ask", s.Ask)
	v1.POST("/council/title", s.Title)

	return router
}

// Health handles GET /healthz.
func (s *Server) Health(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "database": "up"})
}

// requestLogger logs one line per request after it completes.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request handled",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
