package models

import "time"

// Vehicle is a row in the vehicles registry. Only the columns this
// pipeline touches are mapped; the admin surface owns the rest.
type Vehicle struct {
	ID             int64      `json:"id" db:"id"`
	VehicleNumber  string     `json:"vehicleNumber" db:"vehicle_number"`
	LastLatitude   *float64   `json:"lastLatitude,omitempty" db:"last_latitude"`
	LastLongitude  *float64   `json:"lastLongitude,omitempty" db:"last_longitude"`
	LastRecordedAt *time.Time `json:"lastRecordedAt,omitempty" db:"last_recorded_at"`
}
