package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/domain/service"
	"github.com/loopgate/loopgate/internal/infrastructure/catalog"
	"github.com/loopgate/loopgate/internal/infrastructure/invoker"
	"github.com/loopgate/loopgate/internal/infrastructure/llm"
	"github.com/loopgate/loopgate/internal/infrastructure/metrics"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	"github.com/loopgate/loopgate/internal/interfaces/http/handlers"
	"github.com/loopgate/loopgate/internal/interfaces/ws"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
	"github.com/loopgate/loopgate/pkg/safego"
)

// Server is the proxy's HTTP front.
type Server struct {
	server *http.Server
	logger *zap.Logger
}

// Config selects the bind address and gin mode.
type Config struct {
	Host string
	Port int
	Mode string // debug, release
}

// Deps are the components the HTTP surface is built from.
type Deps struct {
	Upstream    *llm.Client
	Pipeline    *service.Pipeline
	Registry    *toolserver.Registry
	Catalog     *catalog.Catalog
	Invoker     *invoker.Invoker
	Hub         *ws.Hub
	ServersPath string
	Version     string
}

// NewServer builds the router and handlers.
func NewServer(cfg Config, deps Deps, logger *zap.Logger) *Server {
	if cfg.Mode == "release" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	var feed handlers.Feed
	if deps.Hub != nil {
		feed = deps.Hub
	}
	chatHandler := handlers.NewChatHandler(deps.Upstream, deps.Pipeline, feed, logger)
	adminHandler := handlers.NewAdminHandler(deps.Registry, deps.Catalog, deps.Invoker, deps.ServersPath, logger)
	infoHandler := handlers.NewInfoHandler(deps.Registry, deps.Upstream.Model(), deps.Version)

	setupRoutes(router, chatHandler, adminHandler, infoHandler, deps.Hub)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
		// No WriteTimeout: completion streams stay open for minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		server: server,
		logger: logger.With(zap.String("component", "http")),
	}
}

// Start binds the listener synchronously, so callers can fail fast on a
// taken port, then serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConfigInvalid,
			fmt.Sprintf("bind %s", s.server.Addr), err)
	}

	s.logger.Info("Starting HTTP server", zap.String("address", s.server.Addr))
	safego.Go(s.logger, "http-serve", func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	})
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	return s.server.Shutdown(ctx)
}

func setupRoutes(router *gin.Engine, chat *handlers.ChatHandler, admin *handlers.AdminHandler, info *handlers.InfoHandler, hub *ws.Hub) {
	router.GET("/", info.Root)
	router.GET("/health", info.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if hub != nil {
		router.GET("/ws/events", gin.WrapF(hub.ServeWS))
	}

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions", chat.ChatCompletions)
		v1.GET("/models", info.Models)
	}

	adminGroup := router.Group("/admin")
	{
		adminGroup.GET("/servers", admin.ListServers)
		adminGroup.POST("/servers", admin.AddServer)
		adminGroup.DELETE("/servers/:name", admin.RemoveServer)
		adminGroup.POST("/servers/:name/refresh", admin.RefreshServer)
		adminGroup.GET("/catalog", admin.CatalogSummary)
		adminGroup.GET("/catalog/tools", admin.SearchTools)
		adminGroup.GET("/stats", admin.Stats)
	}
}

// requestLogger logs each request and feeds the HTTP metrics.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(latency.Seconds())

		logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", status),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
