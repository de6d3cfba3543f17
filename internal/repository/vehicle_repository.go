package repository

import (
	"database/sql"
	"fmt"

	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// VehicleRepository handles database operations for the vehicles registry
type VehicleRepository struct {
	db *sql.DB
}

// NewVehicleRepository creates a new vehicle repository
func NewVehicleRepository(db *sql.DB) *VehicleRepository {
	return &VehicleRepository{db: db}
}

// GetByNumber retrieves a vehicle by its external vehicle number.
// Returns nil without error when no such vehicle exists.
func (r *VehicleRepository) GetByNumber(number string) (*models.Vehicle, error) {
	query := `SELECT id, vehicle_number, last_latitude, last_longitude, last_recorded_at
		FROM vehicles WHERE vehicle_number = ?`

	var v models.Vehicle
	err := r.db.QueryRow(query, number).Scan(
		&v.ID, &v.VehicleNumber, &v.LastLatitude, &v.LastLongitude, &v.LastRecordedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get vehicle: %w", err)
	}

	return &v, nil
}

// Create registers a vehicle number. The admin surface normally owns
// registration; this exists for seeding and tests.
func (r *VehicleRepository) Create(number string) (*models.Vehicle, error) {
	result, err := r.db.Exec("INSERT INTO vehicles (vehicle_number) VALUES (?)", number)
	if err != nil {
		return nil, fmt.Errorf("failed to create vehicle: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read vehicle id: %w", err)
	}

	return &models.Vehicle{ID: id, VehicleNumber: number}, nil
}

// GetLastKnownLocation returns the fast-path last-known columns for a
// vehicle. Returns nil without error when the vehicle is unknown or has
// no location yet.
func (r *VehicleRepository) GetLastKnownLocation(number string) (*models.LastKnownLocation, error) {
	v, err := r.GetByNumber(number)
	if err != nil {
		return nil, err
	}
	if v == nil || v.LastLatitude == nil || v.LastLongitude == nil || v.LastRecordedAt == nil {
		return nil, nil
	}

	return &models.LastKnownLocation{
		Latitude:   *v.LastLatitude,
		Longitude:  *v.LastLongitude,
		RecordedAt: *v.LastRecordedAt,
	}, nil
}
