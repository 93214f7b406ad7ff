// Package events publishes trade outcome events for external consumers.
// The in-process reputation ledger is fed directly by the escrow service;
// the publisher is the at-least-once fan-out beyond the process boundary.
package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/welloex/otc-core/internal/otc/model"
)

// Publisher fans out trade outcome events.
type Publisher interface {
	PublishOutcome(ctx context.Context, outcome model.TradeOutcome) error
	Close() error
}

// KafkaPublisher writes outcome events to a Kafka topic, keyed by
// counterparty so one party's events stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
		logger: logger,
	}
}

// PublishOutcome implements Publisher.
func (p *KafkaPublisher) PublishOutcome(ctx context.Context, outcome model.TradeOutcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(outcome.CounterpartyID.String()),
		Value: payload,
	})
	if err != nil {
		p.logger.Error("publish trade outcome failed",
			zap.String("event_id", outcome.EventID.String()),
			zap.Error(err))
	}
	return err
}

// Close implements Publisher.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop is a Publisher that drops everything, used when Kafka is disabled.
type Nop struct{}

// PublishOutcome implements Publisher.
func (Nop) PublishOutcome(context.Context, model.TradeOutcome) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
