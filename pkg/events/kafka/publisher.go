// Package kafka publishes economy events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/axekz/coinyx/pkg/events"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

var _ events.Publisher = (*Publisher)(nil)

// Publisher writes one message per event, keyed by event type so a consumer sees each type in order.
type Publisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPublisher creates a writer for topic on brokers.
func NewPublisher(logger *zap.Logger, brokers []string, topic string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher needs at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher needs a topic")
	}

	logger.Info("Kafka event publisher configured", zap.Strings("brokers", brokers), zap.String("topic", topic))
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}, nil
}

// Message converts e into the Kafka message written for it.
func Message(e events.Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.Type),
		Value: data,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(e.ID.String())},
		},
	}, nil
}

// Publish writes e and waits for the broker ack or ctx.
func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	msg, err := Message(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", e.Type, err)
	}
	return nil
}

// Close flushes pending writes.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
