// Package nats binds the broker backend to core NATS through Watermill.
// JetStream is disabled; parts are delivered at most once, in order, to
// subscribers connected at publish time.
package nats

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "nats"

// MaxMessageSize leaves room for headers under the default 1 MiB payload cap.
const MaxMessageSize = 900 * 1024

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// Build creates a core NATS publisher and subscriber.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return broker.PubSub{}, errors.New("nats: url is required")
	}
	marshaler := &nats.NATSMarshaler{}
	jetStream := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:       url,
			Marshaler: marshaler,
			JetStream: jetStream,
		},
		logger,
	)
	if err != nil {
		return broker.PubSub{}, err
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			Unmarshaler:      marshaler,
			SubscribersCount: 1,
			JetStream:        jetStream,
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
