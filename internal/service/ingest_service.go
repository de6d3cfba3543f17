package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/s2"
	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
	"github.com/transitlab/fleet-telemetry-go/internal/repository"
)

// Sentinel errors the handler maps onto HTTP statuses.
var (
	ErrInvalidReport    = errors.New("invalid location report")
	ErrUnknownVehicle   = errors.New("unknown vehicle")
	ErrQueueUnavailable = errors.New("location queue unavailable")
)

// IngestService validates inbound reports and publishes them to the
// broker keyed by vehicle number. It never touches the database beyond
// the registry lookup; persistence is the stream processor's job.
type IngestService struct {
	vehicleRepo *repository.VehicleRepository
	queue       broker.Broker
}

// NewIngestService creates a new ingest service
func NewIngestService(vehicleRepo *repository.VehicleRepository, queue broker.Broker) *IngestService {
	return &IngestService{
		vehicleRepo: vehicleRepo,
		queue:       queue,
	}
}

// Ingest accepts one report. On success the report has been published
// with a server-assigned timestamp and the caller can acknowledge
// immediately; nothing waits on persistence or fan-out.
func (s *IngestService) Ingest(ctx context.Context, req models.IngestRequest) (*models.LocationReport, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	vehicle, err := s.vehicleRepo.GetByNumber(req.VehicleNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to look up vehicle: %w", err)
	}
	if vehicle == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVehicle, req.VehicleNumber)
	}

	report := models.LocationReport{
		VehicleNumber: req.VehicleNumber,
		Latitude:      *req.Latitude,
		Longitude:     *req.Longitude,
		SpeedKph:      req.SpeedKph,
		HeadingDeg:    req.HeadingDeg,
		RecordedAt:    time.Now().UTC(),
	}

	body, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}

	if err := s.queue.Publish(ctx, report.VehicleNumber, body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	return &report, nil
}

// validate checks field constraints. Coordinate ranges go through s2,
// which rejects latitudes outside ±90° and longitudes outside ±180°.
func validate(req models.IngestRequest) error {
	if req.VehicleNumber == "" {
		return fmt.Errorf("%w: vehicleNumber is required", ErrInvalidReport)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return fmt.Errorf("%w: latitude and longitude are required", ErrInvalidReport)
	}
	if !s2.LatLngFromDegrees(*req.Latitude, *req.Longitude).IsValid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidReport)
	}
	if req.SpeedKph != nil && *req.SpeedKph < 0 {
		return fmt.Errorf("%w: speedKph must be non-negative", ErrInvalidReport)
	}
	if req.HeadingDeg != nil && (*req.HeadingDeg < 0 || *req.HeadingDeg > 359) {
		return fmt.Errorf("%w: headingDeg must be within 0..359", ErrInvalidReport)
	}
	return nil
}
