// internal/handler/discovery_handler.go
package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"raw-uart-service/internal/service"
	"raw-uart-service/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// RegisterRoutes registers discovery routes
func (h *DiscoveryHandler) RegisterRoutes(router *gin.RouterGroup) {
	discovery := router.Group("/discovery")
	{
		discovery.GET("/scan", h.ScanDevices)
		discovery.GET("/scanners", h.GetScanners)
		discovery.POST("/auto-setup", h.AutoSetupDevices)
	}
}

// ScanDevices scans for radio module adapters
// @Summary Scan for adapters
// @Description Scan serial ports and the USB bus for radio module adapters
// @Tags Discovery
// @Produce json
// @Param type query string false "Scan type" Enums(all, serial, usb) default(all)
// @Param timeout query string false "Scan timeout" default(30s)
// @Success 200 {object} utils.APIResponse{data=object{devices_found=int,devices=[]discovery.DiscoveredDevice}} "Device scan completed"
// @Failure 500 {object} utils.APIResponse "Scan failed"
// @Router /discovery/scan [get]
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	req := &service.ScanRequest{
		ScanType: c.DefaultQuery("type", "all"),
		Timeout:  c.DefaultQuery("timeout", "30s"),
	}

	devices, err := h.discoveryService.ScanDevices(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("Failed to scan devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(devices),
		"devices":       devices,
	})
}

// GetScanners lists the scanners available on this host
// @Summary List scanners
// @Tags Discovery
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]string}
// @Router /discovery/scanners [get]
func (h *DiscoveryHandler) GetScanners(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Scanners retrieved", h.discoveryService.Scanners())
}

// AutoSetupDevices registers discovered adapters as devices
// @Summary Auto-setup devices
// @Description Add every supported adapter that no device uses yet
// @Tags Discovery
// @Accept json
// @Produce json
// @Param request body service.AutoSetupRequest false "Auto-setup request"
// @Success 200 {object} utils.APIResponse{data=service.AutoSetupResult} "Auto-setup completed"
// @Failure 400 {object} utils.APIResponse "Invalid request"
// @Failure 500 {object} utils.APIResponse "Auto-setup failed"
// @Router /discovery/auto-setup [post]
func (h *DiscoveryHandler) AutoSetupDevices(c *gin.Context) {
	var req service.AutoSetupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	result, err := h.discoveryService.AutoSetupDevices(c.Request.Context(), &req)
	if err != nil {
		h.logger.Error("Failed to auto-setup devices", zap.Error(err))
		utils.ErrorResponse(c, http.StatusInternalServerError, "Failed to auto-setup devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Auto-setup completed", result)
}
