package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nsqio/go-nsq"
)

// nsqEnvelope wraps the payload on the wire because NSQ has no native
// message keys.
type nsqEnvelope struct {
	Key       string    `json:"key"`
	Body      []byte    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// NSQBroker backs the Broker port with an nsqd instance. Per-key
// ordering holds as long as a single consumer with MaxInFlight=1 reads
// the channel, which is how the stream processor attaches.
type NSQBroker struct {
	addr     string
	topic    string
	channel  string
	producer *nsq.Producer
	consumer *nsq.Consumer
}

// NewNSQBroker connects a producer to nsqd at addr and verifies it is
// reachable. An unreachable nsqd is a startup failure, not something to
// run degraded without.
func NewNSQBroker(addr, topic, channel string) (*NSQBroker, error) {
	producer, err := nsq.NewProducer(addr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create nsq producer: %w", err)
	}
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("nsqd unreachable at %s: %w", addr, err)
	}

	return &NSQBroker{
		addr:     addr,
		topic:    topic,
		channel:  channel,
		producer: producer,
	}, nil
}

// Publish sends the enveloped message, retrying with growing delays.
func (b *NSQBroker) Publish(ctx context.Context, key string, body []byte) error {
	data, err := json.Marshal(nsqEnvelope{Key: key, Body: body, Timestamp: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to encode nsq envelope: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= publishMaxAttempts; attempt++ {
		if lastErr = b.producer.Publish(b.topic, data); lastErr == nil {
			return nil
		}

		select {
		case <-time.After(publishBackoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("%w: %v", ErrPublishExhausted, lastErr)
}

// Subscribe attaches a single consumer to the topic's channel and
// starts delivery. Handler errors are logged and the message is
// finished rather than requeued, so a poison message cannot loop.
func (b *NSQBroker) Subscribe(handler Handler) error {
	if b.consumer != nil {
		return ErrAlreadySubscribed
	}

	cfg := nsq.NewConfig()
	cfg.MaxInFlight = 1

	consumer, err := nsq.NewConsumer(b.topic, b.channel, cfg)
	if err != nil {
		return fmt.Errorf("failed to create nsq consumer: %w", err)
	}

	consumer.AddHandler(nsq.HandlerFunc(func(m *nsq.Message) error {
		var env nsqEnvelope
		if err := json.Unmarshal(m.Body, &env); err != nil {
			log.Printf("broker: discarding undecodable nsq message: %v", err)
			return nil
		}
		msg := Message{
			Key:       env.Key,
			Body:      env.Body,
			Timestamp: env.Timestamp,
			Attempts:  m.Attempts,
		}
		if err := handler(msg); err != nil {
			log.Printf("broker: handler error for key %s: %v (message dropped)", msg.Key, err)
		}
		return nil
	}))

	if err := consumer.ConnectToNSQD(b.addr); err != nil {
		return fmt.Errorf("failed to connect consumer to nsqd: %w", err)
	}

	b.consumer = consumer
	return nil
}

// Close stops the consumer first so no new deliveries start, then the
// producer.
func (b *NSQBroker) Close() error {
	if b.consumer != nil {
		b.consumer.Stop()
		<-b.consumer.StopChan
	}
	b.producer.Stop()
	return nil
}
