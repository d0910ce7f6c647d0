// Package kafka implements a franz-go backed publisher.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Config captures the parameters required to connect to Kafka.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher produces completion events to a Kafka topic.
type Publisher struct {
	client *kgo.Client
	topic  string
}

// New creates a Kafka publisher from seed brokers.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client init: %w", err)
	}
	return &Publisher{client: client, topic: cfg.Topic}, nil
}

// Publish marshals the payload to JSON and produces it synchronously.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("kafka client is not configured")
	}
	if topic == "" {
		topic = p.topic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	record := &kgo.Record{Topic: topic, Value: data}
	results := p.client.ProduceSync(ctx, record)
	if err := results.FirstErr(); err != nil {
		return "", fmt.Errorf("produce message: %w", err)
	}
	return fmt.Sprintf("%s-%d-%d", record.Topic, record.Partition, record.Offset), nil
}

// Close flushes buffered records and releases the client.
func (p *Publisher) Close(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	if err := p.client.Flush(ctx); err != nil {
		return fmt.Errorf("flush kafka client: %w", err)
	}
	p.client.Close()
	return nil
}
