package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tbflow/transport/broker"
	"github.com/drblury/tbflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	set := broker.NewBindings()
	Register(set)
	_, ok := set.Get(BindingName)
	assert.True(t, ok)
	assert.Equal(t, "http", BindingName)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "/edge.2.1.0", Topic("edge", 2, 1, 0))
	assert.Equal(t, "/tbflow.0.3.9", Topic("", 0, 3, 9))
}

func TestBuild(t *testing.T) {
	t.Run("creates pub/sub with mocked factories", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}
		var marshal watermillhttp.MarshalMessageFunc

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			marshal = config.MarshalMessageFunc
			return mockPub, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, ":8080", addr)
			return mockSub, nil
		}

		cfg := &transporttest.Config{
			HTTPServerAddress: ":8080",
			HTTPPublisherURL:  "http://localhost:8080/",
		}
		ps, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, ps.Publisher)
		assert.Equal(t, mockSub, ps.Subscriber)
		require.NotNil(t, ps.Topic)
		assert.Equal(t, "/tbflow.1.0.2", ps.Topic("tbflow", 1, 0, 2))

		require.NotNil(t, marshal)
		req, err := marshal("/tbflow.1.0.2", message.NewMessage("id", []byte("x")))
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/tbflow.1.0.2", req.URL.String())
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})

	t.Run("returns error when subscriber factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		PublisherFactory = func(config watermillhttp.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(addr string, config watermillhttp.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "subscriber error")
	})
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
