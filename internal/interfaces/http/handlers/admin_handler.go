package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loopgate/loopgate/internal/infrastructure/catalog"
	"github.com/loopgate/loopgate/internal/infrastructure/config"
	"github.com/loopgate/loopgate/internal/infrastructure/invoker"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
	apperrors "github.com/loopgate/loopgate/pkg/errors"
)

// AdminHandler exposes the operator surface: fleet management, catalog
// inspection, and runtime stats.
type AdminHandler struct {
	registry    *toolserver.Registry
	catalog     *catalog.Catalog
	invoker     *invoker.Invoker
	serversPath string
	logger      *zap.Logger
}

// NewAdminHandler creates the admin handler. serversPath is the fleet file
// mutations are persisted to; empty disables persistence.
func NewAdminHandler(registry *toolserver.Registry, cat *catalog.Catalog, inv *invoker.Invoker, serversPath string, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		registry:    registry,
		catalog:     cat,
		invoker:     inv,
		serversPath: serversPath,
		logger:      logger.With(zap.String("component", "admin")),
	}
}

// ListServers handles GET /admin/servers.
func (h *AdminHandler) ListServers(c *gin.Context) {
	servers := h.registry.List()
	c.JSON(http.StatusOK, gin.H{
		"servers": servers,
		"total":   len(servers),
	})
}

// AddServer handles POST /admin/servers: validate, register, persist.
func (h *AdminHandler) AddServer(c *gin.Context) {
	var entry config.ServerEntry
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := entry.ToServerConfig()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.Register(cfg); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if h.serversPath != "" {
		if err := config.AddServerEntry(h.serversPath, cfg); err != nil {
			// Registered but not persisted: keep serving, tell the operator.
			h.logger.Warn("Server registered but not persisted",
				zap.String("server", cfg.Name), zap.Error(err))
		}
	}

	h.logger.Info("Server added via admin API", zap.String("server", cfg.Name))
	c.JSON(http.StatusCreated, gin.H{
		"status": "registered",
		"server": cfg.Name,
	})
}

// RemoveServer handles DELETE /admin/servers/:name.
func (h *AdminHandler) RemoveServer(c *gin.Context) {
	name := c.Param("name")

	if err := h.registry.Unregister(name); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if h.serversPath != "" {
		if err := config.RemoveServerEntry(h.serversPath, name); err != nil {
			h.logger.Warn("Server removed but fleet file not updated",
				zap.String("server", name), zap.Error(err))
		}
	}

	h.logger.Info("Server removed via admin API", zap.String("server", name))
	c.JSON(http.StatusOK, gin.H{
		"status": "removed",
		"server": name,
	})
}

// RefreshServer handles POST /admin/servers/:name/refresh: immediate
// re-discovery, ignoring the freshness window.
func (h *AdminHandler) RefreshServer(c *gin.Context) {
	name := c.Param("name")

	if _, err := h.registry.Get(name); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if err := h.catalog.RefreshServer(c.Request.Context(), name); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "refreshed",
		"server": name,
		"tools":  len(h.catalog.ToolsForServer(name)),
	})
}

// CatalogSummary handles GET /admin/catalog.
func (h *AdminHandler) CatalogSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Summarize())
}

// SearchTools handles GET /admin/catalog/tools?query=. An empty query lists
// everything.
func (h *AdminHandler) SearchTools(c *gin.Context) {
	query := c.Query("query")

	var tools []catalog.ToolEntry
	if query == "" {
		tools = h.catalog.Tools()
	} else {
		tools = h.catalog.Search(query, false)
	}

	c.JSON(http.StatusOK, gin.H{
		"query": query,
		"tools": tools,
		"total": len(tools),
	})
}

// Stats handles GET /admin/stats.
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"registry": h.registry.Stats(),
		"catalog":  h.catalog.Summarize(),
		"cache":    h.invoker.CacheStats(),
		"strategy": h.invoker.Strategy(),
		"usage":    h.catalog.UsageStatistics(),
	})
}

// statusFor maps application error codes onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case apperrors.IsNotFound(err):
		return http.StatusNotFound
	case apperrors.IsAlreadyExists(err):
		return http.StatusConflict
	case apperrors.IsConfigInvalid(err), apperrors.IsInvalidInput(err):
		return http.StatusBadRequest
	case apperrors.IsServerUnhealthy(err), apperrors.IsNoServer(err):
		return http.StatusBadGateway
	case apperrors.IsTimeout(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
