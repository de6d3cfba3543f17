package broker

import (
	"context"
	"errors"
	"time"
)

// Message is one delivered telemetry payload. Key is the vehicle number
// and preserves per-vehicle ordering; Body is the JSON-encoded report.
type Message struct {
	Key       string
	Body      []byte
	Timestamp time.Time
	Attempts  uint16
}

// Handler consumes one delivered message. A returned error is logged and
// the message is still considered consumed; handlers must not rely on
// redelivery for correctness.
type Handler func(msg Message) error

// Broker is the queue port the pipeline talks through. Implementations
// provide at-least-once delivery with per-key ordering to a single
// registered handler.
type Broker interface {
	// Publish enqueues a message under the given ordering key. It retries
	// internally with bounded backoff and returns an error only once
	// retries are exhausted or ctx is done.
	Publish(ctx context.Context, key string, body []byte) error

	// Subscribe registers the single consumer handler and starts delivery.
	Subscribe(handler Handler) error

	// Close stops delivery and releases resources. Publish and Subscribe
	// must not be called after Close returns.
	Close() error
}

var (
	// ErrClosed is returned by Publish after the broker has been closed.
	ErrClosed = errors.New("broker: closed")

	// ErrPublishExhausted is returned when every publish attempt failed.
	ErrPublishExhausted = errors.New("broker: publish retries exhausted")

	// ErrAlreadySubscribed is returned by a second Subscribe call.
	ErrAlreadySubscribed = errors.New("broker: handler already registered")
)

const (
	publishMaxAttempts = 8
	publishBaseDelay   = 25 * time.Millisecond
)

// publishBackoff returns the delay before the given retry attempt,
// growing linearly: 25ms, 50ms, 75ms, ...
func publishBackoff(attempt int) time.Duration {
	return time.Duration(attempt) * publishBaseDelay
}
