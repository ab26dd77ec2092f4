// Package kafka binds the broker backend to Kafka.
package kafka

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "kafka"

// MaxMessageSize keeps parts below the broker's default message.max.bytes.
const MaxMessageSize = 900 * 1024

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// partitionByTopic keeps every part of a route on one partition so they
// are consumed in publish order.
func partitionByTopic(topic string, _ *message.Message) (string, error) {
	return topic, nil
}

// Build creates a Kafka publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return broker.PubSub{}, errors.New("kafka: brokers are required")
	}
	marshaler := kafka.NewWithPartitioningMarshaler(partitionByTopic)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:   brokers,
			Marshaler: marshaler,
		},
		logger,
	)
	if err != nil {
		return broker.PubSub{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:       brokers,
			Unmarshaler:   marshaler,
			ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return broker.PubSub{}, err
	}

	return broker.PubSub{
		Publisher:      publisher,
		Subscriber:     subscriber,
		MaxMessageSize: MaxMessageSize,
	}, nil
}
