package handler

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
	"github.com/transitlab/fleet-telemetry-go/internal/service"
	"github.com/transitlab/fleet-telemetry-go/pkg/response"
)

// IngestHandler handles HTTP requests for telemetry ingestion
type IngestHandler struct {
	ingestService *service.IngestService
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(ingestService *service.IngestService) *IngestHandler {
	return &IngestHandler{
		ingestService: ingestService,
	}
}

// Ingest handles POST /api/v1/locations
func (h *IngestHandler) Ingest(c *gin.Context) {
	var req models.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request body")
		return
	}

	report, err := h.ingestService.Ingest(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidReport):
			response.BadRequest(c, err.Error())
		case errors.Is(err, service.ErrUnknownVehicle):
			response.NotFound(c, err.Error())
		default:
			response.InternalError(c, err.Error())
		}
		return
	}

	response.Accepted(c, report)
}
