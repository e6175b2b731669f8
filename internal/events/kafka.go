package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/pitabwire/carewizard/internal/config"
)

// KafkaPublisher produces events to a Kafka topic. Records are keyed by
// session so every event of one session lands on the same partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects a producer to cfg.Brokers.
func NewKafkaPublisher(cfg config.EventsConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("events: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("events: create kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: cfg.Topic}, nil
}

// Record builds the Kafka record of an event.
func Record(topic string, e SubmissionEvent) (*kgo.Record, error) {
	data, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.SessionID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "wizard_id", Value: []byte(e.WizardID)},
		},
	}, nil
}

// Publish implements Publisher. It waits for the broker acknowledgement.
func (p *KafkaPublisher) Publish(ctx context.Context, e SubmissionEvent) error {
	rec, err := Record(p.topic, e)
	if err != nil {
		return err
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("events: produce %s: %w", e.ID, err)
	}
	return nil
}

// HealthCheck pings the brokers.
func (p *KafkaPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close releases the client.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}
