package processor

import (
	"sync"

	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// VehicleBuffer is the ordered queue of pending reports for one vehicle.
// Appends and flushes are serialized by the buffer's mutex; the flushing
// flag keeps two flushes of the same vehicle from racing while still
// letting appends land during the flush's database write. A buffer that
// the registry retires is marked dead so a stale holder cannot append
// into it after it stopped being swept.
type VehicleBuffer struct {
	mu       sync.Mutex
	entries  []models.LocationReport
	flushing bool
	dead     bool
}

// Append adds a report in arrival order and returns the new length.
// It reports false when the buffer has been retired from the registry;
// the caller must fetch a fresh buffer and retry, or the report would
// strand in a buffer no sweep can see.
func (b *VehicleBuffer) Append(report models.LocationReport) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return 0, false
	}
	b.entries = append(b.entries, report)
	return len(b.entries), true
}

// Len returns the number of pending reports.
func (b *VehicleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// beginFlush marks the buffer as being flushed and returns a copy of the
// pending entries. It returns nil when there is nothing to flush or a
// flush is already in progress.
func (b *VehicleBuffer) beginFlush() []models.LocationReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.flushing || len(b.entries) == 0 {
		return nil
	}
	b.flushing = true

	batch := make([]models.LocationReport, len(b.entries))
	copy(batch, b.entries)
	return batch
}

// endFlush completes a flush started by beginFlush. On success the
// flushed prefix is removed (appends that landed mid-flush survive). On
// failure the entries are retained, truncated to the threshold most
// recent when the buffer has grown past twice the threshold.
func (b *VehicleBuffer) endFlush(flushed int, succeeded bool, threshold int) (remaining int, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.flushing = false

	if succeeded {
		b.entries = append([]models.LocationReport(nil), b.entries[flushed:]...)
		return len(b.entries), 0
	}

	if threshold > 0 && len(b.entries) > 2*threshold {
		dropped = len(b.entries) - threshold
		b.entries = append([]models.LocationReport(nil), b.entries[dropped:]...)
	}
	return len(b.entries), dropped
}

// discard drops every pending entry, used when the vehicle no longer
// resolves and the batch cannot be persisted.
func (b *VehicleBuffer) discard() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.entries)
	b.entries = nil
	b.flushing = false
	return n
}

// BufferRegistry maps vehicle numbers to their buffers. It replaces the
// process-wide singleton map with a constructor-injected arena so the
// processor can be tested in isolation.
type BufferRegistry struct {
	mu      sync.Mutex
	buffers map[string]*VehicleBuffer
}

// NewBufferRegistry creates an empty registry.
func NewBufferRegistry() *BufferRegistry {
	return &BufferRegistry{buffers: make(map[string]*VehicleBuffer)}
}

// Get returns the buffer for a vehicle, creating it on first report.
func (r *BufferRegistry) Get(vehicleNumber string) *VehicleBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[vehicleNumber]
	if !ok {
		buf = &VehicleBuffer{}
		r.buffers[vehicleNumber] = buf
	}
	return buf
}

// Remove drops the vehicle's buffer if it is still the given one and is
// empty; a buffer that picked up new entries stays registered. The
// emptiness check and the dead mark happen under the buffer's mutex so
// an append racing the removal either lands before it (keeping the
// buffer registered) or observes the dead mark and retries on a fresh
// buffer.
func (r *BufferRegistry) Remove(vehicleNumber string, buf *VehicleBuffer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.buffers[vehicleNumber]
	if !ok || current != buf {
		return
	}

	buf.mu.Lock()
	if len(buf.entries) == 0 && !buf.flushing {
		buf.dead = true
		delete(r.buffers, vehicleNumber)
	}
	buf.mu.Unlock()
}

// Snapshot returns the current vehicle → buffer pairs for a sweep.
func (r *BufferRegistry) Snapshot() map[string]*VehicleBuffer {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*VehicleBuffer, len(r.buffers))
	for number, buf := range r.buffers {
		out[number] = buf
	}
	return out
}

// Len returns the number of vehicles with registered buffers.
func (r *BufferRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
