package broker

import (
	"context"
	"log"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker. Each key owns a bounded FIFO
// queue drained by its own goroutine, so messages for one vehicle are
// delivered in publish order while different vehicles proceed in
// parallel. Delivery starts once a handler is registered; messages
// published earlier stay queued.
type MemoryBroker struct {
	mu      sync.Mutex
	queues  map[string]chan Message
	handler Handler
	ready   chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool

	queueSize int
}

// NewMemoryBroker creates a memory broker whose per-key queues hold up
// to queueSize pending messages each.
func NewMemoryBroker(queueSize int) *MemoryBroker {
	if queueSize < 1 {
		queueSize = 256
	}
	return &MemoryBroker{
		queues:    make(map[string]chan Message),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		queueSize: queueSize,
	}
}

// Publish enqueues a message for key. When the key's queue is saturated
// it retries with growing delays before giving up.
func (b *MemoryBroker) Publish(ctx context.Context, key string, body []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	msg := Message{Key: key, Body: body, Timestamp: time.Now()}

	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		ok, err := b.tryEnqueue(key, msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		// Queue full: back off before the next attempt.
		select {
		case <-time.After(publishBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		}
	}

	return ErrPublishExhausted
}

// tryEnqueue attempts a non-blocking send onto the key's queue. It runs
// under the broker mutex so a send can never race the channel close in
// Close.
func (b *MemoryBroker) tryEnqueue(key string, msg Message) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	q, ok := b.queues[key]
	if !ok {
		q = make(chan Message, b.queueSize)
		b.queues[key] = q
		b.wg.Add(1)
		go b.deliver(q)
	}

	select {
	case q <- msg:
		return true, nil
	default:
		return false, nil
	}
}

// Subscribe registers the consumer handler and unblocks the per-key
// delivery goroutines.
func (b *MemoryBroker) Subscribe(handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.handler != nil {
		return ErrAlreadySubscribed
	}

	b.handler = handler
	close(b.ready)
	return nil
}

// Close stops accepting publishes, lets each key's queue drain into the
// handler if one is registered, and waits for the workers to exit.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// deliver drains one key's queue in order. Handler errors are logged and
// the message is counted as consumed; a poison message must not wedge
// the key's queue.
func (b *MemoryBroker) deliver(q chan Message) {
	defer b.wg.Done()

	select {
	case <-b.ready:
	case <-b.done:
		// Closed before any handler registered; nothing to deliver to.
		if b.handlerFn() == nil {
			return
		}
	}

	handler := b.handlerFn()
	for msg := range q {
		msg.Attempts++
		if err := handler(msg); err != nil {
			log.Printf("broker: handler error for key %s: %v (message dropped)", msg.Key, err)
		}
	}
}

func (b *MemoryBroker) handlerFn() Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handler
}
