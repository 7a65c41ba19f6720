// Package kafka implements a publisher backed by a synchronous Kafka producer.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Config describes the brokers and producer settings.
type Config struct {
	Brokers  []string
	ClientID string
	Timeout  time.Duration
}

// Publisher sends JSON payloads to Kafka topics.
type Publisher struct {
	producer sarama.SyncProducer
}

// New wraps an existing producer.
func New(producer sarama.SyncProducer) *Publisher {
	return &Publisher{producer: producer}
}

// Dial connects a synchronous producer to the configured brokers.
func Dial(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	sc := ProducerConfig(cfg)
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return New(producer), nil
}

// ProducerConfig returns the sarama settings used by Dial.
func ProducerConfig(cfg Config) *sarama.Config {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	if sc.ClientID == "" {
		sc.ClientID = "pncp-monitor"
	}
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 3
	if cfg.Timeout > 0 {
		sc.Producer.Timeout = cfg.Timeout
	}
	return sc
}

// Publish marshals payload and sends it synchronously. The returned ID is
// "topic/partition/offset".
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.producer == nil {
		return "", errors.New("kafka producer is not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish canceled: %w", err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content_type"), Value: []byte("application/json")},
		},
	})
	if err != nil {
		return "", fmt.Errorf("send kafka message: %w", err)
	}
	return fmt.Sprintf("%s/%d/%d", topic, partition, offset), nil
}

// Close shuts the producer down.
func (p *Publisher) Close() error {
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
