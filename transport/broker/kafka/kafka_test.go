package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tbflow/transport/broker"
	"github.com/drblury/tbflow/transport/transporttest"
)

var testBrokers = []string{"localhost:9092"}

func TestRegister(t *testing.T) {
	set := broker.NewBindings()
	Register(set)
	_, ok := set.Get(BindingName)
	assert.True(t, ok)
	assert.Equal(t, "kafka", BindingName)
}

// swapFactories installs pub and sub constructors for the duration of t.
func swapFactories(t *testing.T, pub func(kafka.PublisherConfig) (message.Publisher, error), sub func(kafka.SubscriberConfig) (message.Subscriber, error)) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })
	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) { return pub(cfg) }
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) { return sub(cfg) }
}

func TestBuild(t *testing.T) {
	cfg := &transporttest.Config{KafkaBrokers: testBrokers, KafkaConsumerGroup: "rank-1"}

	t.Run("wires brokers and consumer group", func(t *testing.T) {
		pub, sub := &mockPublisher{}, &mockSubscriber{}
		swapFactories(t,
			func(c kafka.PublisherConfig) (message.Publisher, error) {
				assert.Equal(t, testBrokers, c.Brokers)
				require.NotNil(t, c.Marshaler)
				return pub, nil
			},
			func(c kafka.SubscriberConfig) (message.Subscriber, error) {
				assert.Equal(t, testBrokers, c.Brokers)
				assert.Equal(t, "rank-1", c.ConsumerGroup)
				assert.NotNil(t, c.Unmarshaler)
				return sub, nil
			},
		)

		ps, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, pub, ps.Publisher)
		assert.Equal(t, sub, ps.Subscriber)
		assert.False(t, ps.Shared)
		assert.Equal(t, MaxMessageSize, ps.MaxMessageSize)
	})

	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "brokers are required")
	})

	t.Run("publisher failure", func(t *testing.T) {
		swapFactories(t,
			func(kafka.PublisherConfig) (message.Publisher, error) { return nil, errors.New("publisher error") },
			func(kafka.SubscriberConfig) (message.Subscriber, error) {
				t.Fatal("subscriber built after publisher failure")
				return nil, nil
			},
		)
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("subscriber failure closes publisher", func(t *testing.T) {
		pub := &mockPublisher{}
		swapFactories(t,
			func(kafka.PublisherConfig) (message.Publisher, error) { return pub, nil },
			func(kafka.SubscriberConfig) (message.Subscriber, error) { return nil, errors.New("subscriber error") },
		)
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
		assert.True(t, pub.closed)
	})
}

func TestPartitionByTopic(t *testing.T) {
	key, err := partitionByTopic("tbflow.1.0.3", message.NewMessage("id", nil))
	require.NoError(t, err)
	assert.Equal(t, "tbflow.1.0.3", key)
}

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                               { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
