package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Kafka writes events keyed by target, so one target's transitions stay ordered
// within a partition.
type Kafka struct {
	writer messageWriter
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewKafka(brokers []string, topic string) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return &Kafka{writer: w}, nil
}

var _ Publisher = (*Kafka)(nil)

func (k *Kafka) Publish(ctx context.Context, ev RunEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal run event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Target),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte("run." + string(ev.To))},
		},
	}); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (k *Kafka) Close() error { return k.writer.Close() }
