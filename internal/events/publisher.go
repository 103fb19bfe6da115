// Package events publishes domain events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Event types
const (
	OrderCompleted  = "order.completed"
	ReconcileFailed = "reconcile.failed"
)

// Event is the envelope of every published message.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	OrderID    uint           `json:"order_id,omitempty"`
	Gateway    string         `json:"gateway,omitempty"`
	Reference  string         `json:"reference,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// New stamps an event with an id and the current time.
func New(eventType string, orderID uint, gateway, reference string, data map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		OrderID:    orderID,
		Gateway:    gateway,
		Reference:  reference,
		Data:       data,
	}
}

// Publisher delivers events. Publishing happens after commit, so a failure is the
// caller's to log; it never undoes the state change.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event. Used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// KafkaPublisher writes events to one topic, keyed by order id.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *logrus.Entry
}

// NewProducer dials the brokers with acks from all in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// NewKafkaPublisher wraps an existing producer.
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, logger *logrus.Entry) *KafkaPublisher {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &KafkaPublisher{producer: producer, topic: topic, log: logger.WithField("component", "events")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(payload),
	}
	if e.OrderID != 0 {
		msg.Key = sarama.StringEncoder(fmt.Sprintf("order-%d", e.OrderID))
	}

	// trace context travels in the message headers
	carrier := headerCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = carrier

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send %s event: %w", e.Type, err)
	}

	traceID := ""
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}
	p.log.WithFields(logrus.Fields{
		"trace_id":   traceID,
		"topic":      p.topic,
		"event_type": e.Type,
		"order_id":   e.OrderID,
		"partition":  partition,
		"offset":     offset,
	}).Info("event published")
	return nil
}

// Close closes the underlying producer.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// headerCarrier adapts Kafka record headers to propagation.TextMapCarrier.
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
