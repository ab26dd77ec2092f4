package transport

// Capabilities describes the features supported by a channel backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// Name is the human-readable name of the backend.
	Name string

	// Blocking indicates the backend implements BlockingChannel.
	Blocking bool

	// NonBlocking indicates the backend implements NonBlockingChannel.
	NonBlocking bool

	// Probe indicates the backend implements Prober.
	Probe bool

	// MessageOriented indicates every send becomes a discrete message on the
	// medium. Such backends re-chunk messages into the caller's read sizes.
	MessageOriented bool

	// CrossProcess indicates peers may live in other processes or hosts.
	CrossProcess bool

	// MaxMessageSize is the largest single send in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresPolling returns true if callers must drive the channel through
// the non-blocking contract.
func (c Capabilities) RequiresPolling() bool {
	return !c.Blocking && c.NonBlocking
}

// Fits reports whether a send of size bytes stays within MaxMessageSize.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize == 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the built-in backends.
var (
	// MemoryCapabilities for the in-process hub.
	MemoryCapabilities = Capabilities{
		Name:        "memory",
		Blocking:    true,
		NonBlocking: true,
		Probe:       true,
	}

	// FileCapabilities for record files.
	FileCapabilities = Capabilities{
		Name:         "file",
		Blocking:     true,
		CrossProcess: true,
	}

	// StreamCapabilities for TCP streams.
	StreamCapabilities = Capabilities{
		Name:         "stream",
		Blocking:     true,
		NonBlocking:  true,
		Probe:        true,
		CrossProcess: true,
	}

	// ClusterCapabilities for rank-addressed NATS messaging.
	ClusterCapabilities = Capabilities{
		Name:            "cluster",
		Blocking:        true,
		NonBlocking:     true,
		Probe:           true,
		MessageOriented: true,
		CrossProcess:    true,
		MaxMessageSize:  1048576, // NATS default max payload
	}

	// LinkCapabilities for raw Ethernet links.
	LinkCapabilities = Capabilities{
		Name:            "link",
		Blocking:        true,
		NonBlocking:     true,
		Probe:           true,
		MessageOriented: true,
		CrossProcess:    true,
	}

	// BrokerCapabilities for Watermill-backed message brokers.
	BrokerCapabilities = Capabilities{
		Name:            "broker",
		Blocking:        true,
		NonBlocking:     true,
		Probe:           true,
		MessageOriented: true,
		CrossProcess:    true,
	}
)

// GetCapabilities returns the capabilities for a backend by name.
// Uses the default registry to look up capabilities registered by each
// backend package. Returns a zero Capabilities struct if the backend is unknown.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
