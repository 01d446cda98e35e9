package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/insight-agent/server/internal/core"
	logx "github.com/insight-agent/server/pkg/logger"
)

// Config controls the HTTP listener.
type Config struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port string `envconfig:"SERVER_PORT" default:"8080"`
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	engine *gin.Engine
	server *http.Server
}

// New builds the router and registers all routes.
func New(cfg Config, env core.Environment, handler *Handler) *Server {
	if env.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", handler.Health)

	api := engine.Group("/api")
	{
		api.POST("/query", handler.Query)
		api.POST("/query/stream", handler.QueryStream)

		api.GET("/conversations", handler.ListConversations)
		api.GET("/conversations/:id/history", handler.GetHistory)
		api.DELETE("/conversations/:id", handler.DeleteConversation)

		api.GET("/datasets", handler.ListDatasets)

		api.GET("/cache/stats", handler.CacheStats)
		api.POST("/cache/sweep", handler.CacheSweep)
	}

	return &Server{
		engine: engine,
		server: &http.Server{
			Addr:              cfg.Host + ":" + cfg.Port,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	logx.Info().Str("addr", s.server.Addr).Msg("http server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
