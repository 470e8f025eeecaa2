package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loopgate/loopgate/internal/domain/entity"
	"github.com/loopgate/loopgate/internal/infrastructure/toolserver"
)

// InfoHandler serves the unauthenticated informational endpoints.
type InfoHandler struct {
	registry *toolserver.Registry
	model    string
	version  string
	started  time.Time
}

// NewInfoHandler creates the info handler. model is the configured upstream
// model, reported as this proxy's single synthetic model.
func NewInfoHandler(registry *toolserver.Registry, model, version string) *InfoHandler {
	return &InfoHandler{
		registry: registry,
		model:    model,
		version:  version,
		started:  time.Now(),
	}
}

// Health handles GET /health.
func (h *InfoHandler) Health(c *gin.Context) {
	stats := h.registry.Stats()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"servers_connected": stats.Connected,
		"servers_total":     stats.TotalServers,
		"uptime_seconds":    int64(time.Since(h.started).Seconds()),
		"time":              time.Now().Unix(),
	})
}

// Models handles GET /v1/models: one entry mirroring the upstream model so
// OpenAI clients can point at the proxy unchanged.
func (h *InfoHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, entity.ModelList{
		Object: "list",
		Data: []entity.ModelInfo{
			{
				ID:      h.model,
				Object:  "model",
				Created: h.started.Unix(),
				OwnedBy: "loopgate",
			},
		},
	})
}

// Root handles GET /.
func (h *InfoHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    "loopgate",
		"version": h.version,
		"endpoints": []string{
			"POST /v1/chat/completions",
			"GET /v1/models",
			"GET /health",
			"GET /metrics",
			"GET /ws/events",
			"GET /admin/servers",
		},
	})
}
