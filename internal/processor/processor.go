package processor

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transitlab/fleet-telemetry-go/internal/broker"
	"github.com/transitlab/fleet-telemetry-go/internal/models"
)

// Broadcaster receives every report as it arrives, decoupled from
// batching. The fan-out hub implements it.
type Broadcaster interface {
	Broadcast(vehicleNumber string, report models.LocationReport)
}

// VehicleResolver resolves a vehicle number to its registry row, nil
// when unknown. The vehicle repository implements it.
type VehicleResolver interface {
	GetByNumber(number string) (*models.Vehicle, error)
}

// HistoryWriter persists one vehicle's batch transactionally. The
// location repository implements it.
type HistoryWriter interface {
	FlushBatch(vehicleID int64, batch []models.LocationReport) error
}

// Options tunes the flush policy.
type Options struct {
	// FlushThreshold is the buffer size that triggers an immediate flush.
	FlushThreshold int
	// FlushInterval is the period of the global sweep over all buffers.
	FlushInterval time.Duration
}

// Processor turns the broker's per-vehicle event stream into batched
// history writes plus immediate fan-out. Buffers flush when they reach
// the size threshold or when the interval sweep visits them.
type Processor struct {
	queue    broker.Broker
	registry *BufferRegistry
	vehicles VehicleResolver
	history  HistoryWriter
	hub      Broadcaster

	threshold int
	interval  time.Duration

	sweeping atomic.Bool
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a processor. The registry is injected rather than global so
// tests can inspect buffer state directly.
func New(queue broker.Broker, registry *BufferRegistry, vehicles VehicleResolver, history HistoryWriter, hub Broadcaster, opts Options) *Processor {
	if opts.FlushThreshold < 1 {
		opts.FlushThreshold = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}

	return &Processor{
		queue:     queue,
		registry:  registry,
		vehicles:  vehicles,
		history:   history,
		hub:       hub,
		threshold: opts.FlushThreshold,
		interval:  opts.FlushInterval,
		done:      make(chan struct{}),
	}
}

// Start subscribes to the broker and starts the sweep timer.
func (p *Processor) Start() error {
	if err := p.queue.Subscribe(p.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to broker: %w", err)
	}

	p.wg.Add(1)
	go p.sweepLoop()
	return nil
}

// Stop cancels the sweep timer and flushes every non-empty buffer one
// last time. The caller must close the broker first so no deliveries
// race the final sweep.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
		p.sweep()
	})
}

// handleMessage is the broker handler: decode, fan out, buffer, and
// flush on threshold. A decode failure is returned to the broker, which
// logs it and counts the message consumed.
func (p *Processor) handleMessage(msg broker.Message) error {
	var report models.LocationReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		return fmt.Errorf("failed to decode location report: %w", err)
	}
	if report.VehicleNumber == "" {
		report.VehicleNumber = msg.Key
	}

	// Real-time fan-out happens before buffering so observers never wait
	// on a batch flush.
	p.hub.Broadcast(report.VehicleNumber, report)

	// A Get can race the registry retiring the buffer after a flush
	// emptied it; a dead buffer rejects the append, so retry on a fresh
	// one.
	var buf *VehicleBuffer
	var size int
	for {
		buf = p.registry.Get(report.VehicleNumber)
		if n, ok := buf.Append(report); ok {
			size = n
			break
		}
	}

	if size >= p.threshold {
		if err := p.flushVehicle(report.VehicleNumber, buf); err != nil {
			log.Printf("processor: size-triggered flush failed for %s: %v (buffer retained)", report.VehicleNumber, err)
		}
	}
	return nil
}

// sweepLoop runs the fixed-interval flush over all buffers.
func (p *Processor) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.done:
			return
		}
	}
}

// sweep flushes every non-empty buffer. The guard keeps a slow sweep
// from overlapping the next tick; per-vehicle size-triggered flushes may
// still interleave, serialized per buffer by its flushing flag.
func (p *Processor) sweep() {
	if !p.sweeping.CompareAndSwap(false, true) {
		return
	}
	defer p.sweeping.Store(false)

	for number, buf := range p.registry.Snapshot() {
		if buf.Len() == 0 {
			continue
		}
		if err := p.flushVehicle(number, buf); err != nil {
			log.Printf("processor: sweep flush failed for %s: %v (buffer retained)", number, err)
		}
	}
}

// flushVehicle persists one vehicle's pending batch. Unknown vehicles
// have their batch dropped: it cannot be persisted and retrying will not
// change that.
func (p *Processor) flushVehicle(vehicleNumber string, buf *VehicleBuffer) error {
	batch := buf.beginFlush()
	if batch == nil {
		return nil
	}

	vehicle, err := p.vehicles.GetByNumber(vehicleNumber)
	if err != nil {
		p.failFlush(buf)
		return fmt.Errorf("failed to resolve vehicle %s: %w", vehicleNumber, err)
	}
	if vehicle == nil {
		n := buf.discard()
		p.registry.Remove(vehicleNumber, buf)
		log.Printf("processor: dropping %d buffered reports for unknown vehicle %s", n, vehicleNumber)
		return nil
	}

	if err := p.history.FlushBatch(vehicle.ID, batch); err != nil {
		p.failFlush(buf)
		return fmt.Errorf("failed to flush batch for vehicle %s: %w", vehicleNumber, err)
	}

	remaining, _ := buf.endFlush(len(batch), true, p.threshold)
	if remaining == 0 {
		p.registry.Remove(vehicleNumber, buf)
	}
	return nil
}

func (p *Processor) failFlush(buf *VehicleBuffer) {
	if _, dropped := buf.endFlush(0, false, p.threshold); dropped > 0 {
		log.Printf("processor: buffer over limit after failed flush, dropped %d oldest reports", dropped)
	}
}
