package monitor

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
)

// AlertPublisher delivers monitoring alerts to an external alerting
// collaborator. Delivery failures degrade monitoring confidence but never
// fail a cycle.
type AlertPublisher interface {
	Publish(ctx context.Context, alerts []Alert) error
	Close() error
}

// NopPublisher discards alerts; used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []Alert) error { return nil }
func (NopPublisher) Close() error                           { return nil }

// KafkaPublisher writes alerts to a notification topic.
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

func (p *KafkaPublisher) Publish(ctx context.Context, alerts []Alert) error {
	messages := make([]kafka.Message, 0, len(alerts))
	for _, alert := range alerts {
		payload, err := json.Marshal(alert)
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(alert.Metric),
			Value: payload,
		})
	}
	return p.writer.WriteMessages(ctx, messages...)
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
