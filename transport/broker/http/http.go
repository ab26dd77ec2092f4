// Package http binds the broker backend to Watermill's HTTP pub/sub. The
// receiving rank serves POST routes named after its inbound topics; the
// sending rank posts each part to the peer's base URL.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// Topic is the route path for src to dst on tag.
func Topic(prefix string, dst, src, tag int) string {
	return "/" + transport.Subject(prefix, dst, src, tag)
}

// Build creates the HTTP publisher and subscriber and starts the
// subscriber's server in the background.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(publisherURL+topic, msg)
			},
		},
		logger,
	)
	if err != nil {
		return broker.PubSub{}, err
	}

	subscriber, err := SubscriberFactory(
		serverAddr,
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return broker.PubSub{}, err
	}

	if s, ok := subscriber.(*http.Subscriber); ok {
		go func() {
			if err := s.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				logger.Error("Failed to start HTTP subscriber server", err, watermill.LogFields{"addr": serverAddr})
			}
		}()
	}

	return broker.PubSub{
		Publisher:  publisher,
		Subscriber: subscriber,
		Topic:      Topic,
	}, nil
}
