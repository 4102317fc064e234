package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Publisher emits call events.
type Publisher interface {
	Publish(ctx context.Context, event CallEvent) error
	Close() error
}

// EventPublisher publishes call events to Kafka.
type EventPublisher struct {
	writer *kafka.Writer
}

// Publish writes one event.
func (p *EventPublisher) Publish(ctx context.Context, event CallEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event publisher: marshal event: %w", err)
	}
	record := kafka.Message{
		Key:   event.Key(),
		Value: value,
		Time:  event.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write message: %w", err)
	}
	return nil
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	return p.writer.Close()
}

// NopPublisher drops events. It is used when no brokers are configured.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, CallEvent) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

// RecordingPublisher keeps events in memory for assertions.
type RecordingPublisher struct {
	mu     sync.Mutex
	events []CallEvent
}

// Publish records the event.
func (p *RecordingPublisher) Publish(_ context.Context, event CallEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

// Close does nothing.
func (p *RecordingPublisher) Close() error { return nil }

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []CallEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]CallEvent(nil), p.events...)
}
