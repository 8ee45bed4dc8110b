// Package kafka publishes incident events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/obs-pipeline/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher produces incident events. It implements anomaly.Notifier.
type Publisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewPublisher creates a producer for the incident topic. Messages are keyed
// by correlation key so events for one incident stay ordered.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
	return &Publisher{writer: w, logger: logger}
}

// Publish serializes and writes the events in a single WriteMessages call.
func (p *Publisher) Publish(ctx context.Context, events []domain.IncidentEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(events))
	for i := range events {
		msg, err := serializeToMessage(events[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d incident events: %w", len(msgs), err)
	}
	p.logger.Debug("incident events published", "count", len(msgs))
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

// serializeToMessage marshals an IncidentEvent into a Kafka message.
func serializeToMessage(ev domain.IncidentEvent) (kafkago.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize incident event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(ev.Key()),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "incident_id", Value: []byte(strconv.FormatInt(ev.IncidentID, 10))},
			{Key: "last_seen_at", Value: []byte(ev.LastSeenAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
