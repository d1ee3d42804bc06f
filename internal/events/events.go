// Package events streams committed transactions to the external
// notification consumer. Publishing happens after commit, outside account
// locks, and is best effort.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

type TransactionEvent struct {
	TransactionID   string    `json:"transaction_id"`
	Kind            string    `json:"kind"`
	Status          string    `json:"status"`
	FromAccountID   string    `json:"from_account_id,omitempty"`
	ToAccountID     string    `json:"to_account_id,omitempty"`
	DebitMinor      int64     `json:"debit_minor"`
	CreditMinor     int64     `json:"credit_minor"`
	Currency        string    `json:"currency"`
	CounterCurrency string    `json:"counter_currency,omitempty"`
	Rate            string    `json:"rate,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event TransactionEvent) error
}

// NopPublisher drops events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, TransactionEvent) error { return nil }

// KafkaPublisher writes transaction events to a Kafka topic, keyed by
// transaction ID so retries of the same transaction land in one partition.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event TransactionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: payload,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
