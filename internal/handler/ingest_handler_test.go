package handler

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	_ "modernc.org/sqlite"

	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/database"
	"github.com/transitlab/fleet-telemetry-go/internal/repository"
	"github.com/transitlab/fleet-telemetry-go/internal/service"
)

func setupIngestRouter(t *testing.T) (*gin.Engine, *broker.MemoryBroker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := database.NewMigrationManager(db).RunMigrations(); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	repo := repository.NewVehicleRepository(db)
	if _, err := repo.Create("MH12AB1234"); err != nil {
		t.Fatalf("failed to seed vehicle: %v", err)
	}

	queue := broker.NewMemoryBroker(16)
	t.Cleanup(func() { queue.Close() })

	r := gin.New()
	r.POST("/api/v1/locations", NewIngestHandler(service.NewIngestService(repo, queue)).Ingest)
	return r, queue
}

func postJSON(t *testing.T, r *gin.Engine, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/locations", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIngestEndpointStatusCodes(t *testing.T) {
	r, _ := setupIngestRouter(t)

	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid report accepted",
			body:       `{"vehicleNumber":"MH12AB1234","latitude":19.0760,"longitude":72.8777,"speedKph":32,"headingDeg":90}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "malformed json",
			body:       `{"vehicleNumber":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing coordinates",
			body:       `{"vehicleNumber":"MH12AB1234"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "latitude out of range",
			body:       `{"vehicleNumber":"MH12AB1234","latitude":95,"longitude":72.8777}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown vehicle",
			body:       `{"vehicleNumber":"ZZ99ZZ9999","latitude":19.0760,"longitude":72.8777}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, r, tt.body)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestIngestEndpointEchoesQueuedPayload(t *testing.T) {
	r, _ := setupIngestRouter(t)

	w := postJSON(t, r, `{"vehicleNumber":"MH12AB1234","latitude":19.0760,"longitude":72.8777}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	var envelope struct {
		Data struct {
			VehicleNumber string  `json:"vehicleNumber"`
			Latitude      float64 `json:"latitude"`
			Timestamp     string  `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if envelope.Data.VehicleNumber != "MH12AB1234" || envelope.Data.Latitude != 19.0760 {
		t.Errorf("response does not echo the queued payload: %+v", envelope.Data)
	}
	if envelope.Data.Timestamp == "" {
		t.Error("response missing the server-assigned timestamp")
	}
}

func TestIngestEndpointQueueFailure(t *testing.T) {
	r, queue := setupIngestRouter(t)
	queue.Close()

	w := postJSON(t, r, `{"vehicleNumber":"MH12AB1234","latitude":19.0760,"longitude":72.8777}`)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 when the queue is down", w.Code)
	}
}
