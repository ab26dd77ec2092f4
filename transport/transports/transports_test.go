package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/broker"
)

func TestNewRegistryHasEveryBackend(t *testing.T) {
	reg := NewRegistry()
	assert.Equal(t, []string{"broker", "cluster", "file", "link", "memory", "stream"}, reg.Names())

	assert.Equal(t, transport.FileCapabilities.Blocking, reg.GetCapabilities("file").Blocking)
	assert.False(t, reg.GetCapabilities("file").NonBlocking)
	assert.True(t, reg.GetCapabilities("memory").Probe)
}

func TestRegisterBindings(t *testing.T) {
	set := broker.NewBindings()
	RegisterBindings(set)
	assert.Equal(t, []string{"aws", "gochannel", "http", "kafka", "nats", "rabbitmq"}, set.Names())
}
