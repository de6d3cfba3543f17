package service

import (
	"fmt"

	"github.com/transitlab/fleet-telemetry-go/internal/models"
	"github.com/transitlab/fleet-telemetry-go/internal/repository"
)

// LocationService serves the dashboard read paths: the last-known fast
// path and recent history.
type LocationService struct {
	vehicleRepo  *repository.VehicleRepository
	locationRepo *repository.LocationRepository
}

// NewLocationService creates a new location service
func NewLocationService(vehicleRepo *repository.VehicleRepository, locationRepo *repository.LocationRepository) *LocationService {
	return &LocationService{
		vehicleRepo:  vehicleRepo,
		locationRepo: locationRepo,
	}
}

// GetLastKnownLocation returns a vehicle's last-known location.
func (s *LocationService) GetLastKnownLocation(vehicleNumber string) (*models.LastKnownLocation, error) {
	loc, err := s.vehicleRepo.GetLastKnownLocation(vehicleNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to get last known location: %w", err)
	}
	if loc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVehicle, vehicleNumber)
	}
	return loc, nil
}

// GetHistory returns a vehicle's most recent history rows, newest first.
func (s *LocationService) GetHistory(vehicleNumber string, limit int) (*models.LocationHistoryResponse, error) {
	vehicle, err := s.vehicleRepo.GetByNumber(vehicleNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to look up vehicle: %w", err)
	}
	if vehicle == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVehicle, vehicleNumber)
	}

	records, err := s.locationRepo.GetHistory(vehicle.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get location history: %w", err)
	}

	return &models.LocationHistoryResponse{
		VehicleNumber: vehicleNumber,
		Data:          records,
		Count:         len(records),
	}, nil
}
