// Package server assembles the daemon's HTTP surface: the sandbox channel
// endpoint, the management API and the observability endpoints.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scriptgate/scriptgate/internal/config"
	"github.com/scriptgate/scriptgate/internal/grant"
	"github.com/scriptgate/scriptgate/internal/logging"
	"github.com/scriptgate/scriptgate/internal/script"
	"github.com/scriptgate/scriptgate/internal/ws"
)

// Server wraps the HTTP server and its route dependencies.
type Server struct {
	cfg     *config.Config
	router  *gin.Engine
	httpSrv *http.Server
	logger  *logging.Logger

	gate    *grant.Gate
	scripts *script.Registry
}

// New creates the server and registers all routes.
func New(
	cfg *config.Config,
	channel *ws.Handler,
	gate *grant.Gate,
	scripts *script.Registry,
	logger *logging.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{
		cfg:     cfg,
		router:  router,
		logger:  logger,
		gate:    gate,
		scripts: scripts,
	}

	router.GET("/ws", channel.Serve)
	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/scripts", s.listScripts)
	router.POST("/scripts", s.registerScript)
	router.DELETE("/scripts/:id", s.removeScript)

	router.POST("/permissions", s.addPermission)
	router.DELETE("/permissions", s.resetPermission)

	s.httpSrv = &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
