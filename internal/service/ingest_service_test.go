package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/database"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
	"github.com/transitlab/fleet-telemetry-go/internal/repository"
)

func testVehicleRepo(t *testing.T) *repository.VehicleRepository {
	t.Helper()

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
	return repo
}

func validRequest() models.IngestRequest {
	lat, lng := 19.0760, 72.8777
	return models.IngestRequest{
		VehicleNumber: "MH12AB1234",
		Latitude:      &lat,
		Longitude:     &lng,
	}
}

func TestIngestPublishesKeyedReport(t *testing.T) {
	repo := testVehicleRepo(t)
	queue := broker.NewMemoryBroker(16)
	svc := NewIngestService(repo, queue)

	var mu sync.Mutex
	var got []broker.Message
	if err := queue.Subscribe(func(msg broker.Message) error {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}

	before := time.Now().UTC()
	report, err := svc.Ingest(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	queue.Close()

	if report.RecordedAt.Before(before) {
		t.Error("ingest timestamp not server-assigned")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("published %d messages, want 1", len(got))
	}
	if got[0].Key != "MH12AB1234" {
		t.Errorf("message key = %q, want the vehicle number", got[0].Key)
	}

	var decoded models.LocationReport
	if err := json.Unmarshal(got[0].Body, &decoded); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if decoded.Latitude != 19.0760 || decoded.Longitude != 72.8777 {
		t.Errorf("payload coordinates = (%v, %v)", decoded.Latitude, decoded.Longitude)
	}
}

func TestIngestValidation(t *testing.T) {
	repo := testVehicleRepo(t)
	queue := broker.NewMemoryBroker(16)
	defer queue.Close()
	svc := NewIngestService(repo, queue)

	tests := []struct {
		name   string
		mutate func(*models.IngestRequest)
	}{
		{"empty vehicle number", func(r *models.IngestRequest) { r.VehicleNumber = "" }},
		{"missing latitude", func(r *models.IngestRequest) { r.Latitude = nil }},
		{"missing longitude", func(r *models.IngestRequest) { r.Longitude = nil }},
		{"latitude too large", func(r *models.IngestRequest) { *r.Latitude = 90.5 }},
		{"latitude too small", func(r *models.IngestRequest) { *r.Latitude = -91 }},
		{"longitude too large", func(r *models.IngestRequest) { *r.Longitude = 180.5 }},
		{"longitude too small", func(r *models.IngestRequest) { *r.Longitude = -181 }},
		{"negative speed", func(r *models.IngestRequest) { s := -1.0; r.SpeedKph = &s }},
		{"heading too large", func(r *models.IngestRequest) { h := 360; r.HeadingDeg = &h }},
		{"heading negative", func(r *models.IngestRequest) { h := -1; r.HeadingDeg = &h }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)

			_, err := svc.Ingest(context.Background(), req)
			if !errors.Is(err, ErrInvalidReport) {
				t.Errorf("Ingest() error = %v, want ErrInvalidReport", err)
			}
		})
	}
}

func TestIngestBoundaryCoordinatesAccepted(t *testing.T) {
	repo := testVehicleRepo(t)
	queue := broker.NewMemoryBroker(16)
	defer queue.Close()
	svc := NewIngestService(repo, queue)

	req := validRequest()
	*req.Latitude = 90
	*req.Longitude = -180

	if _, err := svc.Ingest(context.Background(), req); err != nil {
		t.Errorf("Ingest() rejected boundary coordinates: %v", err)
	}
}

func TestIngestUnknownVehicle(t *testing.T) {
	repo := testVehicleRepo(t)
	queue := broker.NewMemoryBroker(16)
	defer queue.Close()
	svc := NewIngestService(repo, queue)

	req := validRequest()
	req.VehicleNumber = "ZZ99ZZ9999"

	_, err := svc.Ingest(context.Background(), req)
	if !errors.Is(err, ErrUnknownVehicle) {
		t.Errorf("Ingest() error = %v, want ErrUnknownVehicle", err)
	}
}

func TestIngestQueueFailure(t *testing.T) {
	repo := testVehicleRepo(t)
	queue := broker.NewMemoryBroker(16)
	queue.Close()
	svc := NewIngestService(repo, queue)

	_, err := svc.Ingest(context.Background(), validRequest())
	if !errors.Is(err, ErrQueueUnavailable) {
		t.Errorf("Ingest() error = %v, want ErrQueueUnavailable", err)
	}
}
