// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"instrument-service/internal/discovery"
	"instrument-service/internal/utils"
)

// DiscoveryHandler exposes attached-hardware enumeration
type DiscoveryHandler struct {
	scanners *discovery.ScannerManager
	logger   *zap.Logger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(scanners *discovery.ScannerManager, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		scanners: scanners,
		logger:   logger,
	}
}

// ScanPorts handles GET /api/v1/discovery
func (h *DiscoveryHandler) ScanPorts(c *gin.Context) {
	scannerType := c.Query("type")

	if scannerType != "" {
		ports, err := h.scanners.ScanByType(c.Request.Context(), scannerType)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Scan failed", err)
			return
		}
		utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
			"ports": ports,
			"count": len(ports),
		})
		return
	}

	ports := h.scanners.ScanAll(c.Request.Context())
	utils.SuccessResponse(c, http.StatusOK, "Scan completed", gin.H{
		"ports": ports,
		"count": len(ports),
	})
}
