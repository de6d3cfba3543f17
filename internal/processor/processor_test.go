package processor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

type fakeResolver struct {
	mu       sync.Mutex
	vehicles map[string]int64
	err      error
}

func (f *fakeResolver) GetByNumber(number string) (*models.Vehicle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.vehicles[number]
	if !ok {
		return nil, nil
	}
	return &models.Vehicle{ID: id, VehicleNumber: number}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	batches [][]models.LocationReport
	byID    map[int64][]models.LocationReport
	lastLoc map[int64]models.LocationReport
	failing bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		byID:    make(map[int64][]models.LocationReport),
		lastLoc: make(map[int64]models.LocationReport),
	}
}

func (f *fakeHistory) FlushBatch(vehicleID int64, batch []models.LocationReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("transaction failed")
	}
	copied := append([]models.LocationReport(nil), batch...)
	f.batches = append(f.batches, copied)
	f.byID[vehicleID] = append(f.byID[vehicleID], copied...)
	f.lastLoc[vehicleID] = copied[len(copied)-1]
	return nil
}

func (f *fakeHistory) setFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *fakeHistory) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeHistory) persisted(vehicleID int64) []models.LocationReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.LocationReport(nil), f.byID[vehicleID]...)
}

func (f *fakeHistory) lastKnown(vehicleID int64) (models.LocationReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.lastLoc[vehicleID]
	return loc, ok
}

type fakeHub struct {
	mu     sync.Mutex
	events []models.LocationReport
}

func (f *fakeHub) Broadcast(vehicleNumber string, report models.LocationReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, report)
}

func (f *fakeHub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fixture struct {
	queue    *broker.MemoryBroker
	registry *BufferRegistry
	resolver *fakeResolver
	history  *fakeHistory
	hub      *fakeHub
	proc     *Processor
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		queue:    broker.NewMemoryBroker(256),
		registry: NewBufferRegistry(),
		resolver: &fakeResolver{vehicles: map[string]int64{"MH12AB1234": 7, "KA05XY9999": 8}},
		history:  newFakeHistory(),
		hub:      &fakeHub{},
	}
	f.proc = New(f.queue, f.registry, f.resolver, f.history, f.hub, opts)
	if err := f.proc.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		f.queue.Close()
		f.proc.Stop()
	})
	return f
}

func (f *fixture) publish(t *testing.T, vehicleNumber string, lat, lng float64) {
	t.Helper()
	body, err := json.Marshal(models.LocationReport{
		VehicleNumber: vehicleNumber,
		Latitude:      lat,
		Longitude:     lng,
		RecordedAt:    time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal report: %v", err)
	}
	if err := f.queue.Publish(context.Background(), vehicleNumber, body); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSizeThresholdTriggersImmediateFlush(t *testing.T) {
	// Interval far beyond the test runtime: only the size threshold can
	// trigger the flush.
	f := newFixture(t, Options{FlushThreshold: 5, FlushInterval: time.Hour})

	for i := 0; i < 4; i++ {
		f.publish(t, "MH12AB1234", 19.0760, 72.8777)
	}
	waitFor(t, time.Second, func() bool { return f.hub.count() == 4 }, "events not broadcast")
	if f.history.flushCount() != 0 {
		t.Fatalf("flushed %d batches below threshold, want 0", f.history.flushCount())
	}

	f.publish(t, "MH12AB1234", 19.0761, 72.8778)
	waitFor(t, time.Second, func() bool { return f.history.flushCount() == 1 }, "threshold flush did not happen")

	persisted := f.history.persisted(7)
	if len(persisted) != 5 {
		t.Fatalf("persisted %d reports, want 5", len(persisted))
	}
	last, _ := f.history.lastKnown(7)
	if last.Latitude != 19.0761 {
		t.Errorf("last known latitude = %v, want the batch's final entry", last.Latitude)
	}
}

func TestTimerSweepFlushesNonEmptyBuffers(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: 50 * time.Millisecond})

	f.publish(t, "MH12AB1234", 19.0760, 72.8777)
	f.publish(t, "KA05XY9999", 12.9716, 77.5946)

	waitFor(t, time.Second, func() bool { return f.history.flushCount() >= 2 }, "sweep did not flush both vehicles")

	if _, ok := f.history.lastKnown(7); !ok {
		t.Error("vehicle 7 not persisted by sweep")
	}
	if _, ok := f.history.lastKnown(8); !ok {
		t.Error("vehicle 8 not persisted by sweep")
	}
}

func TestSweepIsNoOpForEmptyBuffers(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: 20 * time.Millisecond})

	time.Sleep(100 * time.Millisecond)
	if f.history.flushCount() != 0 {
		t.Errorf("sweep flushed %d batches with no reports, want 0", f.history.flushCount())
	}
}

func TestBroadcastPrecedesFlush(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: time.Hour})

	f.publish(t, "MH12AB1234", 19.0760, 72.8777)

	// Fan-out must happen per event even though nothing has flushed.
	waitFor(t, time.Second, func() bool { return f.hub.count() == 1 }, "event not broadcast before flush")
	if f.history.flushCount() != 0 {
		t.Error("flush happened without reaching threshold or timer")
	}
}

func TestUnknownVehicleBufferDropped(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 2, FlushInterval: time.Hour})

	f.publish(t, "UNKNOWN001", 1.0, 1.0)
	f.publish(t, "UNKNOWN001", 2.0, 2.0)

	// Wait for delivery first; the registry is trivially empty before
	// any message arrives. Fan-out does not depend on the registry
	// lookup.
	waitFor(t, time.Second, func() bool { return f.hub.count() == 2 }, "events not broadcast")
	waitFor(t, time.Second, func() bool { return f.registry.Len() == 0 }, "unknown vehicle buffer not dropped")
	if f.history.flushCount() != 0 {
		t.Error("persisted a batch for an unknown vehicle")
	}
}

func TestFailedFlushRetainsBuffer(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 3, FlushInterval: time.Hour})
	f.history.setFailing(true)

	for i := 0; i < 3; i++ {
		f.publish(t, "MH12AB1234", 19.0760, 72.8777)
	}

	buf := f.registry.Get("MH12AB1234")
	waitFor(t, time.Second, func() bool { return buf.Len() == 3 }, "buffer not retained after failed flush")

	// Recovery: the retained entries flush on the next attempt.
	f.history.setFailing(false)
	f.publish(t, "MH12AB1234", 19.0761, 72.8778)
	waitFor(t, time.Second, func() bool { return f.history.flushCount() == 1 }, "retained buffer did not flush after recovery")
	if got := len(f.history.persisted(7)); got != 4 {
		t.Errorf("persisted %d reports after recovery, want 4", got)
	}
}

func TestSustainedFailureCapsBuffer(t *testing.T) {
	const threshold = 5
	f := newFixture(t, Options{FlushThreshold: threshold, FlushInterval: time.Hour})
	f.history.setFailing(true)

	// One report past twice the threshold trips the truncation.
	total := 2*threshold + 1
	for i := 0; i < total; i++ {
		f.publish(t, "MH12AB1234", 19.0+float64(i)/1000, 72.8)
	}

	buf := f.registry.Get("MH12AB1234")
	waitFor(t, time.Second, func() bool { return f.hub.count() == total }, "not all events delivered")
	waitFor(t, time.Second, func() bool { return buf.Len() == threshold }, "buffer not capped to exactly threshold under sustained failure")

	// The cap keeps the most recent entries.
	f.history.setFailing(false)
	f.proc.sweep()
	batches := f.history.persisted(7)
	if len(batches) == 0 {
		t.Fatal("nothing persisted after recovery")
	}
	newest := batches[len(batches)-1]
	if newest.Latitude != 19.0+float64(total-1)/1000 {
		t.Errorf("newest persisted latitude = %v, want the final report's", newest.Latitude)
	}
}

func TestHistoryOrderMatchesArrival(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: 50 * time.Millisecond})

	for i := 0; i < 10; i++ {
		f.publish(t, "MH12AB1234", 19.0+float64(i)/1000, 72.8)
	}

	waitFor(t, time.Second, func() bool { return len(f.history.persisted(7)) == 10 }, "reports not persisted")

	persisted := f.history.persisted(7)
	for i := 1; i < len(persisted); i++ {
		if persisted[i].Latitude < persisted[i-1].Latitude {
			t.Fatalf("order inversion at index %d", i)
		}
	}
}

func TestStopFlushesRemainingBuffers(t *testing.T) {
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: time.Hour})

	f.publish(t, "MH12AB1234", 19.0760, 72.8777)
	waitFor(t, time.Second, func() bool { return f.hub.count() == 1 }, "event not delivered")

	f.queue.Close()
	f.proc.Stop()

	if f.history.flushCount() != 1 {
		t.Errorf("final sweep flushed %d batches, want 1", f.history.flushCount())
	}
}

func TestEndToEndTwoReportsWithGap(t *testing.T) {
	// Two reports spaced wider than the sweep interval: one flush per
	// report, two broadcasts, last known ends at the second coordinate.
	f := newFixture(t, Options{FlushThreshold: 50, FlushInterval: 60 * time.Millisecond})

	f.publish(t, "MH12AB1234", 19.0760, 72.8777)
	waitFor(t, time.Second, func() bool { return f.history.flushCount() == 1 }, "first report not flushed")

	f.publish(t, "MH12AB1234", 19.0761, 72.8778)
	waitFor(t, time.Second, func() bool { return f.history.flushCount() == 2 }, "second report not flushed")

	if f.hub.count() != 2 {
		t.Errorf("broadcast %d events, want 2", f.hub.count())
	}
	last, ok := f.history.lastKnown(7)
	if !ok || last.Latitude != 19.0761 || last.Longitude != 72.8778 {
		t.Errorf("last known = %+v, want the second coordinate pair", last)
	}
}
