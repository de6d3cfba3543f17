package repository

import (
	"database/sql"
	"fmt"

	"github.com/transitlab/fleet-telemetry-go/internal/database"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// LocationRepository handles database operations for location history
type LocationRepository struct {
	db *sql.DB
}

// NewLocationRepository creates a new location repository
func NewLocationRepository(db *sql.DB) *LocationRepository {
	return &LocationRepository{db: db}
}

// FlushBatch writes one vehicle's buffered reports in arrival order and
// overwrites the vehicle's last-known columns from the batch's final
// entry, all within a single transaction. Inserts are duplicate-tolerant
// because broker delivery is at-least-once.
func (r *LocationRepository) FlushBatch(vehicleID int64, batch []models.LocationReport) error {
	if len(batch) == 0 {
		return nil
	}

	return database.TransactionOn(r.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO location_history
			(vehicle_id, latitude, longitude, speed_kph, heading_deg, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare history insert: %w", err)
		}
		defer stmt.Close()

		for _, report := range batch {
			_, err := stmt.Exec(
				vehicleID, report.Latitude, report.Longitude,
				report.SpeedKph, report.HeadingDeg, report.RecordedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert history row: %w", err)
			}
		}

		last := batch[len(batch)-1]
		_, err = tx.Exec(`UPDATE vehicles
			SET last_latitude = ?, last_longitude = ?, last_recorded_at = ?
			WHERE id = ?`,
			last.Latitude, last.Longitude, last.RecordedAt, vehicleID,
		)
		if err != nil {
			return fmt.Errorf("failed to update last known location: %w", err)
		}

		return nil
	})
}

// GetHistory retrieves a vehicle's most recent history rows, newest first
func (r *LocationRepository) GetHistory(vehicleID int64, limit int) ([]models.LocationHistoryRecord, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT id, vehicle_id, latitude, longitude, speed_kph, heading_deg, recorded_at
		FROM location_history WHERE vehicle_id = ?
		ORDER BY recorded_at DESC LIMIT ?`

	rows, err := r.db.Query(query, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query location history: %w", err)
	}
	defer rows.Close()

	var records []models.LocationHistoryRecord
	for rows.Next() {
		var rec models.LocationHistoryRecord
		err := rows.Scan(
			&rec.ID, &rec.VehicleID, &rec.Latitude, &rec.Longitude,
			&rec.SpeedKph, &rec.HeadingDeg, &rec.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		records = append(records, rec)
	}

	return records, nil
}
