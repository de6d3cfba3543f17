package hub

import (
	"time"

	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// Client → server message types.
const (
	typeSubscribe   = "subscribe_vehicle"
	typeUnsubscribe = "unsubscribe_vehicle"
	typePing        = "ping"
)

// Server → client message types.
const (
	typeConnectionEstablished   = "connection_established"
	typeSubscriptionConfirmed   = "subscription_confirmed"
	typeUnsubscriptionConfirmed = "unsubscription_confirmed"
	typeLocationUpdate          = "location_update"
	typePong                    = "pong"
	typeError                   = "error"
)

// inboundMessage is what observers send over the socket.
type inboundMessage struct {
	Type          string `json:"type"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
}

// outboundMessage is what the hub pushes to observers. Fields are
// populated per message type.
type outboundMessage struct {
	Type          string        `json:"type"`
	ClientID      string        `json:"clientId,omitempty"`
	VehicleNumber string        `json:"vehicleNumber,omitempty"`
	Data          *locationData `json:"data,omitempty"`
	Timestamp     *time.Time    `json:"timestamp,omitempty"`
	Message       string        `json:"message,omitempty"`
}

// locationData is the location_update payload.
type locationData struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	SpeedKph   *float64  `json:"speedKph,omitempty"`
	HeadingDeg *int      `json:"headingDeg,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func locationUpdate(vehicleNumber string, report models.LocationReport) outboundMessage {
	return outboundMessage{
		Type:          typeLocationUpdate,
		VehicleNumber: vehicleNumber,
		Data: &locationData{
			Lat:        report.Latitude,
			Lng:        report.Longitude,
			SpeedKph:   report.SpeedKph,
			HeadingDeg: report.HeadingDeg,
			Timestamp:  report.RecordedAt,
		},
	}
}
