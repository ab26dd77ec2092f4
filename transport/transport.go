// Package transport defines the channel contracts that move encoded records
// between ranks. Each backend (memory, file, stream, cluster, link, broker)
// lives in its own sub-package and registers itself explicitly with a
// Registry.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

// Role tells a builder which direction an endpoint serves.
type Role string

const (
	RoleSend Role = "send"
	RoleRecv Role = "recv"
)

// MaxTag is the largest tag a channel accepts.
const MaxTag = 0xFFFF

// Endpoint addresses one side of an edge.
type Endpoint struct {
	// Local is this process's rank and Peer the rank on the other side.
	Local int
	Peer  int
	Tag   int
	Role  Role

	Binding   string
	Address   string
	Path      string
	Interface string
	PeerMAC   string
}

// Channel is the common surface of every backend.
type Channel interface {
	Name() string
	// ConnectionPossible reports whether the channel can carry data from
	// src to dst.
	ConnectionPossible(src, dst int) bool
	// IsBlocking reports whether the channel prefers the blocking contract.
	IsBlocking() bool
	Close() error
}

// BlockingChannel moves whole buffers. Send returns once p has been handed
// off; Recv returns once p is full. A call that fails after part of p has
// moved wraps its error in a *PartialError carrying the count.
type BlockingChannel interface {
	Channel
	Send(ctx context.Context, p []byte, dst, tag int) error
	Recv(ctx context.Context, p []byte, src, tag int) error
}

// NonBlockingChannel moves as many bytes as possible without waiting.
// ErrWouldBlock means nothing moved; ErrChannelClosed means the peer is gone.
type NonBlockingChannel interface {
	Channel
	TrySend(p []byte, dst, tag int) (int, error)
	TryRecv(p []byte, src, tag int) (int, error)
}

// PartialError is a blocking transfer that ended after moving N bytes.
type PartialError struct {
	N   int
	Err error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("%v (after %d bytes)", e.Err, e.N)
}

func (e *PartialError) Unwrap() error { return e.Err }

// Partial wraps err with the n bytes moved before it. Nil errors and
// transfers that moved nothing are returned unchanged.
func Partial(n int, err error) error {
	if err == nil || n <= 0 {
		return err
	}
	return &PartialError{N: n, Err: err}
}

// Moved returns how many bytes a failed blocking transfer moved.
func Moved(err error) int {
	var pe *PartialError
	if errors.As(err, &pe) {
		return pe.N
	}
	return 0
}

// Prober reports whether inbound data is waiting without consuming it.
type Prober interface {
	Ready(src, tag int) bool
}

// Builder creates a channel for an endpoint from config.
type Builder func(ctx context.Context, cfg Config, ep Endpoint, logger watermill.LoggerAdapter) (Channel, error)

// Config provides the configuration values needed by backends.
// This interface allows backends to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetSubjectPrefix returns the prefix of cluster subjects and broker topics.
	GetSubjectPrefix() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// DefaultSubjectPrefix is used when the config leaves the prefix empty.
const DefaultSubjectPrefix = "tbflow"

// Subject names the route from src to dst on tag: <prefix>.<dst>.<src>.<tag>.
func Subject(prefix string, dst, src, tag int) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return fmt.Sprintf("%s.%d.%d.%d", prefix, dst, src, tag)
}

// CheckTag rejects tags outside [0, MaxTag].
func CheckTag(tag int) error {
	if tag < 0 || tag > MaxTag {
		return fmt.Errorf("%w: tag %d out of range", errspkg.ErrUnsupported, tag)
	}
	return nil
}

// CheckRoute rejects a transfer the channel cannot carry.
func CheckRoute(ch Channel, src, dst, tag int) error {
	if err := CheckTag(tag); err != nil {
		return err
	}
	if !ch.ConnectionPossible(src, dst) {
		return fmt.Errorf("%w: %s cannot route %d -> %d", errspkg.ErrUnsupported, ch.Name(), src, dst)
	}
	return nil
}
