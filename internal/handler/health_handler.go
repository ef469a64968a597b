// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/config"
	"instrument-service/internal/registry"
	"instrument-service/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	registry  *registry.Registry
	config    *config.Config
	logger    *utils.ServiceLogger
	startTime time.Time
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Version     string    `json:"version"`
	Uptime      string    `json:"uptime"`
	Instruments int       `json:"instruments"`
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(reg *registry.Registry, cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		registry:  reg,
		config:    cfg,
		logger:    utils.NewServiceLogger(logger, "health-handler"),
		startTime: time.Now(),
	}
}

// HealthCheck reports service health and registry size.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:      "healthy",
		Timestamp:   time.Now(),
		Service:     h.config.App.Name,
		Version:     h.config.App.Version,
		Uptime:      time.Since(h.startTime).String(),
		Instruments: len(h.registry.Identifiers()),
	}
	c.JSON(http.StatusOK, health)
}

// LivenessCheck reports that the process is running.
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// ReadinessCheck reports that the registry is loaded and serving.
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
