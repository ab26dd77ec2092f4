// Package rabbitmq binds the broker backend to RabbitMQ over AMQP. Each
// route gets a durable fanout exchange and a queue named after its topic.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// closeConnection releases the shared connection when a build fails.
var closeConnection = func(conn *amqp.ConnectionWrapper) error { return conn.Close() }

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// Build opens one AMQP connection shared by the publisher and subscriber.
// The connection is released after both are closed.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	uri := cfg.GetRabbitMQURL()
	if uri == "" {
		return broker.PubSub{}, errors.New("rabbitmq: url is required")
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   uri,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return broker.PubSub{}, err
	}

	// queues are named after their topic so each route has exactly one
	queues := amqp.NewDurablePubSubConfig(uri, amqp.GenerateQueueNameTopicName)
	publisher, err := PublisherFactory(queues, logger, conn)
	if err != nil {
		return broker.PubSub{}, errors.Join(err, closeConnection(conn))
	}
	subscriber, err := SubscriberFactory(queues, logger, conn)
	if err != nil {
		return broker.PubSub{}, errors.Join(err, publisher.Close(), closeConnection(conn))
	}

	logger.Debug("RabbitMQ binding ready", watermill.LogFields{"durable": true})
	return broker.PubSub{
		Publisher:  publisher,
		Subscriber: subscriber,
		Release:    func() error { return closeConnection(conn) },
	}, nil
}
