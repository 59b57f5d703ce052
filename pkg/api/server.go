// Package api exposes the HTTP surface: session lifecycle endpoints, menu
// item search, the per-session WebSocket stream, health and metrics.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirie0319/menu-sense-backend-sub000/pkg/database"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/events"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/pipeline"
	"github.com/kirie0319/menu-sense-backend-sub000/pkg/store"
)

// Server hosts the HTTP API.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server

	store          *store.SessionStore
	orchestrator   *pipeline.Orchestrator
	manager        *events.ConnectionManager
	db             *sql.DB
	allowedOrigins []string
}

// NewServer wires the routes. registry backs the /metrics endpoint.
func NewServer(host string, port int, allowedOrigins []string,
	st *store.SessionStore, orch *pipeline.Orchestrator,
	manager *events.ConnectionManager, db *sql.DB,
	registry *prometheus.Registry) *Server {

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), corsMiddleware(allowedOrigins))

	s := &Server{
		engine:         engine,
		store:          st,
		orchestrator:   orch,
		manager:        manager,
		db:             db,
		allowedOrigins: allowedOrigins,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))

	engine.POST("/sessions", s.createSession)
	engine.GET("/sessions", s.listSessions)
	engine.GET("/sessions/:id", s.getSession)
	engine.GET("/sessions/:id/progress", s.getProgress)
	engine.GET("/sessions/:id/stream", s.streamSession)
	engine.POST("/sessions/:id/cancel", s.cancelSession)
	engine.GET("/sessions/:id/items/:item_id/providers", s.getItemProviders)
	engine.GET("/menu-items/search", s.searchItems)
	engine.GET("/ws", s.handleWS)

	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthz(c *gin.Context) {
	status, err := database.Health(c.Request.Context(), s.db)
	if err != nil || status.Status != "healthy" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": status,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"database":    status,
		"connections": s.manager.ActiveConnections(),
	})
}
