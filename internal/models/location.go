package models

import "time"

// LocationReport is a single in-flight position report for one vehicle.
// It is the broker payload: produced by the ingestion gateway with a
// server-assigned ingest timestamp, consumed by the stream processor.
type LocationReport struct {
	VehicleNumber string    `json:"vehicleNumber"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	SpeedKph      *float64  `json:"speedKph,omitempty"`
	HeadingDeg    *int      `json:"headingDeg,omitempty"`
	RecordedAt    time.Time `json:"timestamp"`
}

// IngestRequest is the HTTP body accepted by POST /api/v1/locations.
type IngestRequest struct {
	VehicleNumber string   `json:"vehicleNumber" binding:"required"`
	Latitude      *float64 `json:"latitude" binding:"required"`
	Longitude     *float64 `json:"longitude" binding:"required"`
	SpeedKph      *float64 `json:"speedKph"`
	HeadingDeg    *int     `json:"headingDeg"`
}

// LocationHistoryRecord is one append-only row in location_history.
type LocationHistoryRecord struct {
	ID         int64     `json:"id" db:"id"`
	VehicleID  int64     `json:"vehicleId" db:"vehicle_id"`
	Latitude   float64   `json:"latitude" db:"latitude"`
	Longitude  float64   `json:"longitude" db:"longitude"`
	SpeedKph   *float64  `json:"speedKph,omitempty" db:"speed_kph"`
	HeadingDeg *int      `json:"headingDeg,omitempty" db:"heading_deg"`
	RecordedAt time.Time `json:"recordedAt" db:"recorded_at"`
}

// LastKnownLocation is the fast-path read stored on the vehicle row,
// overwritten on every successful flush.
type LastKnownLocation struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recordedAt"`
}

// LocationHistoryResponse is a limited, newest-first slice of history rows.
type LocationHistoryResponse struct {
	VehicleNumber string                  `json:"vehicleNumber"`
	Data          []LocationHistoryRecord `json:"data"`
	Count         int                     `json:"count"`
}
