// Package audit fans committed audit events out to downstream consumers.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"github.com/segmentio/kafka-go"
)

// Publisher receives audit events after their transaction has committed.
// Delivery is best effort; the database row stays the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event *domain.AuditEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *domain.AuditEvent) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes audit events to a Kafka topic keyed by deal so
// events of one deal stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, event *domain.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(MessageKey(event)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "actor_type", Value: []byte(event.ActorType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write audit event %s: %w", event.EventID, err)
	}

	p.logger.Debug("published audit event", "event_id", event.EventID, "deal_id", event.DealID)
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MessageKey returns the partition key of an event.
func MessageKey(event *domain.AuditEvent) string {
	return event.OrganizationID + "/" + event.DealID
}
