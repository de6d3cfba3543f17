package handler

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/transitlab/fleet-telemetry-go/internal/service"
	"github.com/transitlab/fleet-telemetry-go/pkg/response"
)

// LocationHandler handles HTTP requests for vehicle location reads
type LocationHandler struct {
	locationService *service.LocationService
}

// NewLocationHandler creates a new location handler
func NewLocationHandler(locationService *service.LocationService) *LocationHandler {
	return &LocationHandler{
		locationService: locationService,
	}
}

// GetLastKnownLocation handles GET /api/v1/vehicles/:vehicleNumber/location
func (h *LocationHandler) GetLastKnownLocation(c *gin.Context) {
	vehicleNumber := c.Param("vehicleNumber")

	loc, err := h.locationService.GetLastKnownLocation(vehicleNumber)
	if err != nil {
		if errors.Is(err, service.ErrUnknownVehicle) {
			response.NotFound(c, "No known location for vehicle "+vehicleNumber)
			return
		}
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, loc)
}

// GetHistory handles GET /api/v1/vehicles/:vehicleNumber/history
func (h *LocationHandler) GetHistory(c *gin.Context) {
	vehicleNumber := c.Param("vehicleNumber")

	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		response.BadRequest(c, "Invalid limit parameter")
		return
	}

	history, err := h.locationService.GetHistory(vehicleNumber, limit)
	if err != nil {
		if errors.Is(err, service.ErrUnknownVehicle) {
			response.NotFound(c, "Vehicle not found")
			return
		}
		response.InternalError(c, err.Error())
		return
	}

	response.Success(c, history)
}
