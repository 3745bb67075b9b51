// internal/handler/device_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"raw-uart-service/internal/service"
	"raw-uart-service/internal/uart"
	"raw-uart-service/internal/utils"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// GpioRequest sets the lines named in Lines, or the bits of Mask to Values
type GpioRequest struct {
	Mask   *uint8          `json:"mask"`
	Values uint8           `json:"values"`
	Lines  map[string]bool `json:"lines"`
}

// PriorityRequest changes the priority of a connection
type PriorityRequest struct {
	Priority *uint32 `json:"priority" binding:"required"`
}

// RegisterRoutes registers device-related routes
func (h *DeviceHandler) RegisterRoutes(router *gin.RouterGroup) {
	devices := router.Group("/devices")
	{
		devices.GET("", h.ListDevices)

		deviceRoutes := devices.Group("/:name")
		{
			deviceRoutes.GET("", h.GetDevice)
			deviceRoutes.DELETE("", h.RemoveDevice)
			deviceRoutes.POST("/reset", h.ResetDevice)
			deviceRoutes.GET("/gpio", h.GetGpio)
			deviceRoutes.PUT("/gpio", h.SetGpio)
			deviceRoutes.GET("/connections", h.ListConnections)
			deviceRoutes.PUT("/connections/:id/priority", h.SetPriority)
			deviceRoutes.GET("/history", h.GetHistory)
		}
	}
}

// ListDevices lists registered devices
// @Summary List devices
// @Tags Devices
// @Produce json
// @Success 200 {object} utils.APIResponse{data=[]service.DeviceStatus}
// @Router /devices [get]
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	devices := h.deviceService.ListDevices()
	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices": devices,
		"total":   len(devices),
	})
}

// GetDevice returns status and counters of one device
// @Summary Get device
// @Tags Devices
// @Produce json
// @Param name path string true "Device name"
// @Success 200 {object} utils.APIResponse{data=service.DeviceStatus}
// @Failure 404 {object} utils.APIResponse
// @Router /devices/{name} [get]
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	status, err := h.deviceService.GetDevice(c.Param("name"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Device not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", status)
}

// RemoveDevice unregisters a device
// @Summary Remove device
// @Tags Devices
// @Param name path string true "Device name"
// @Success 200 {object} utils.APIResponse
// @Failure 404 {object} utils.APIResponse
// @Router /devices/{name} [delete]
func (h *DeviceHandler) RemoveDevice(c *gin.Context) {
	name := c.Param("name")
	if err := h.deviceService.RemoveDevice(name); err != nil {
		utils.DeviceErrorResponse(c, "Failed to remove device", err)
		return
	}

	h.logger.Info("Device removed via API", zap.String("device", name))
	utils.SuccessResponse(c, http.StatusOK, "Device removed successfully", nil)
}

// ResetDevice resets the radio module
// @Summary Reset radio module
// @Description Fails with 409 when more than max_open clients are connected
// @Tags Devices
// @Param name path string true "Device name"
// @Param max_open query int false "Allowed open connections"
// @Success 200 {object} utils.APIResponse
// @Failure 409 {object} utils.APIResponse
// @Failure 501 {object} utils.APIResponse
// @Router /devices/{name}/reset [post]
func (h *DeviceHandler) ResetDevice(c *gin.Context) {
	maxOpen := -1
	if v := c.Query("max_open"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			utils.ValidationErrorResponse(c, map[string]string{"max_open": "must be a non-negative integer"})
			return
		}
		maxOpen = n
	}

	name := c.Param("name")
	if err := h.deviceService.ResetDevice(c.Request.Context(), name, maxOpen); err != nil {
		utils.DeviceErrorResponse(c, "Reset failed", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Radio module reset", nil)
}

// GetGpio returns the auxiliary line state
// @Summary Get gpio lines
// @Tags Devices
// @Param name path string true "Device name"
// @Success 200 {object} utils.APIResponse{data=service.GpioState}
// @Router /devices/{name}/gpio [get]
func (h *DeviceHandler) GetGpio(c *gin.Context) {
	state, err := h.deviceService.GetGpio(c.Param("name"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to read gpio", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Gpio state retrieved", state)
}

// SetGpio drives auxiliary lines
// @Summary Set gpio lines
// @Tags Devices
// @Accept json
// @Param name path string true "Device name"
// @Param request body GpioRequest true "Lines to set"
// @Success 200 {object} utils.APIResponse{data=service.GpioState}
// @Failure 501 {object} utils.APIResponse
// @Router /devices/{name}/gpio [put]
func (h *DeviceHandler) SetGpio(c *gin.Context) {
	var req GpioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var mask, values uart.LineMask
	if req.Mask != nil {
		mask, values = uart.LineMask(*req.Mask), uart.LineMask(req.Values)
	}
	for name, on := range req.Lines {
		line, err := uart.ParseLine(name)
		if err != nil {
			utils.ValidationErrorResponse(c, map[string]string{"lines": err.Error()})
			return
		}
		mask |= line.Mask()
		if on {
			values |= line.Mask()
		} else {
			values &^= line.Mask()
		}
	}
	if mask == 0 {
		utils.ValidationErrorResponse(c, map[string]string{"mask": "no lines selected"})
		return
	}

	state, err := h.deviceService.SetGpio(c.Param("name"), mask, values)
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to set gpio", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Gpio updated", state)
}

// ListConnections lists open client connections
// @Summary List connections
// @Tags Devices
// @Param name path string true "Device name"
// @Success 200 {object} utils.APIResponse{data=[]service.ConnectionInfo}
// @Router /devices/{name}/connections [get]
func (h *DeviceHandler) ListConnections(c *gin.Context) {
	conns, err := h.deviceService.Connections(c.Param("name"))
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to list connections", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Connections retrieved successfully", conns)
}

// SetPriority changes the transmit priority of a connection
// @Summary Set connection priority
// @Tags Devices
// @Accept json
// @Param name path string true "Device name"
// @Param id path string true "Connection ID"
// @Param request body PriorityRequest true "New priority"
// @Success 200 {object} utils.APIResponse
// @Router /devices/{name}/connections/{id}/priority [put]
func (h *DeviceHandler) SetPriority(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid connection ID", err)
		return
	}

	var req PriorityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.deviceService.SetPriority(c.Param("name"), id, *req.Priority); err != nil {
		utils.DeviceErrorResponse(c, "Failed to set priority", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Priority updated", gin.H{"id": id, "priority": *req.Priority})
}

// GetHistory returns recent device events
// @Summary Device history
// @Tags Devices
// @Param name path string true "Device name"
// @Param limit query int false "Maximum entries" default(100)
// @Success 200 {object} utils.APIResponse{data=[]model.DeviceEvent}
// @Router /devices/{name}/history [get]
func (h *DeviceHandler) GetHistory(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			utils.ValidationErrorResponse(c, map[string]string{"limit": "must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := h.deviceService.History(c.Request.Context(), c.Param("name"), limit)
	if err != nil {
		utils.DeviceErrorResponse(c, "Failed to load history", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "History retrieved successfully", events)
}
