// Package gochannel binds the broker backend to an in-process Watermill
// GoChannel. Every channel built in the process shares one pub/sub, which
// makes it the default binding for tests and single-process topologies.
package gochannel

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	wmgochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

// BindingName is the name used to register this binding.
const BindingName = "gochannel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg wmgochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := wmgochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

var (
	sharedMu  sync.Mutex
	sharedPub message.Publisher
	sharedSub message.Subscriber
)

// Register registers the binding with set.
func Register(set *broker.Bindings) {
	set.Register(BindingName, Build)
}

// Build returns the process-wide pub/sub, creating it on first use.
// Publishing waits for subscriber acks so parts of a send arrive in order.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (broker.PubSub, error) {
	if err := ctx.Err(); err != nil {
		return broker.PubSub{}, err
	}
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		sharedPub, sharedSub = Factory(wmgochannel.Config{BlockPublishUntilSubscriberAck: true}, logger)
	}
	return broker.PubSub{
		Publisher:  sharedPub,
		Subscriber: sharedSub,
		Shared:     true,
	}, nil
}

// Reset closes the process-wide pub/sub; the next Build creates a fresh one.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedPub == nil {
		return nil
	}
	err := sharedPub.Close()
	if any(sharedSub) != any(sharedPub) {
		err = errors.Join(err, sharedSub.Close())
	}
	sharedPub, sharedSub = nil, nil
	return err
}
