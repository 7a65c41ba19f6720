package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

func TestPublisherSendsJSON(t *testing.T) {
	t.Parallel()

	cfg := ProducerConfig(Config{})
	// Pin the partition so the message id is deterministic.
	cfg.Producer.Partitioner = sarama.NewManualPartitioner
	producer := mocks.NewSyncProducer(t, cfg)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var body map[string]any
		if err := json.Unmarshal(val, &body); err != nil {
			return err
		}
		if body["status"] != "error" {
			return errors.New("unexpected status")
		}
		return nil
	})

	pub := New(producer)
	id, err := pub.Publish(context.Background(), "pncp-alerts", map[string]string{"status": "error"})
	require.NoError(t, err)
	require.Equal(t, "pncp-alerts/0/1", id)
	require.NoError(t, pub.Close())
}

func TestPublisherPropagatesProducerErrors(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, ProducerConfig(Config{}))
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	pub := New(producer)
	_, err := pub.Publish(context.Background(), "pncp-runs", "payload")
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, pub.Close())
}

func TestPublisherRejectsCanceledContext(t *testing.T) {
	t.Parallel()

	producer := mocks.NewSyncProducer(t, ProducerConfig(Config{}))
	pub := New(producer)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pub.Publish(ctx, "pncp-runs", "payload")
	require.ErrorIs(t, err, context.Canceled)
	require.NoError(t, pub.Close())

	_, err = Dial(Config{})
	require.ErrorContains(t, err, "brokers are required")
}

func TestProducerConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := ProducerConfig(Config{})
	require.Equal(t, "pncp-monitor", cfg.ClientID)
	require.True(t, cfg.Producer.Return.Successes)
	require.Equal(t, sarama.WaitForAll, cfg.Producer.RequiredAcks)
}
