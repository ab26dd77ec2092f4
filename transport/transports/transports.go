// Package transports wires every built-in backend and broker binding into
// a registry.
package transports

import (
	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
	"github.com/drblury/tbflow/transport/broker/aws"
	"github.com/drblury/tbflow/transport/broker/gochannel"
	"github.com/drblury/tbflow/transport/broker/http"
	"github.com/drblury/tbflow/transport/broker/kafka"
	"github.com/drblury/tbflow/transport/broker/nats"
	"github.com/drblury/tbflow/transport/broker/rabbitmq"
	"github.com/drblury/tbflow/transport/cluster"
	"github.com/drblury/tbflow/transport/file"
	"github.com/drblury/tbflow/transport/link"
	"github.com/drblury/tbflow/transport/memory"
	"github.com/drblury/tbflow/transport/stream"
)

// RegisterBindings adds every built-in broker binding to set.
func RegisterBindings(set *broker.Bindings) {
	gochannel.Register(set)
	kafka.Register(set)
	rabbitmq.Register(set)
	nats.Register(set)
	aws.Register(set)
	http.Register(set)
}

// RegisterAll registers every built-in backend with reg. The broker
// backend resolves bindings from broker.DefaultBindings.
func RegisterAll(reg *transport.Registry) {
	memory.Register(reg)
	file.Register(reg)
	stream.Register(reg)
	cluster.Register(reg)
	link.Register(reg)

	RegisterBindings(broker.DefaultBindings)
	broker.Register(reg, broker.DefaultBindings)
}

// NewRegistry returns a registry with every built-in backend registered.
func NewRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	RegisterAll(reg)
	return reg
}
