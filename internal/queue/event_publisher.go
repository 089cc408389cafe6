package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// CallEventPublisher publishes call outcome events to Kafka.
type CallEventPublisher struct {
	writer *kafka.Writer
}

// NewCallEventPublisher constructs a publisher for the given topic.
func NewCallEventPublisher(k *Kafka, topic string) *CallEventPublisher {
	return &CallEventPublisher{writer: k.NewWriter(topic)}
}

// PublishCallEvent writes the event, keyed by customer id so one customer's
// events stay ordered.
func (p *CallEventPublisher) PublishCallEvent(ctx context.Context, event CallEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("call events: marshal: %w", err)
	}

	record := kafka.Message{
		Key:   []byte(strconv.FormatInt(event.CustomerID, 10)),
		Value: value,
		Time:  time.Now().UTC(),
	}

	if err := p.writer.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("call events: write: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (p *CallEventPublisher) Close() error {
	return p.writer.Close()
}
