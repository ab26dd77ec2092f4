// Package cluster provides rank-addressed messaging over NATS. A transfer
// from src to dst on tag is published to <prefix>.<dst>.<src>.<tag>; the
// receiver subscribes per (src, tag) and re-chunks messages into its read
// sizes, so the tag doubles as the readiness-probe key.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "cluster"

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Conn is the slice of a NATS connection the channel needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	// MaxPayload is the largest message the server accepts.
	MaxPayload() int64
	Close()
}

// ConnFactory allows overriding the connection creation for testing.
var ConnFactory = func(url string, logger watermill.LoggerAdapter) (Conn, error) {
	return Connect(url, logger)
}

// Register registers the cluster backend with reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build, transport.ClusterCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.ClusterCapabilities
}

// Build connects to the configured NATS URL and, for the receive role,
// subscribes to the endpoint's inbound route before returning so no early
// message is lost.
func Build(ctx context.Context, cfg transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, fmt.Errorf("cluster: nats url is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := ConnFactory(url, logger)
	if err != nil {
		return nil, err
	}
	ch := New(conn, cfg.GetSubjectPrefix(), ep.Local, logger)
	ch.ownsConn = true
	if ep.Role == transport.RoleRecv {
		if err := ch.Subscribe(ep.Peer, ep.Tag); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

type natsConn struct {
	nc *nats.Conn
}

// Connect dials NATS with reconnects enabled and connection events logged.
func Connect(url string, logger watermill.LoggerAdapter) (Conn, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	nc, err := nats.Connect(url,
		nats.Name("tbflow"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": c.ConnectedUrlRedacted()})
		}),
	)
	if err != nil {
		return nil, err
	}
	return &natsConn{nc: nc}, nil
}

func (c *natsConn) Publish(subject string, data []byte) error {
	return c.nc.Publish(subject, data)
}

func (c *natsConn) Subscribe(subject string, handler func([]byte)) (Subscription, error) {
	sub, err := c.nc.Subscribe(subject, func(m *nats.Msg) { handler(m.Data) })
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (c *natsConn) MaxPayload() int64 { return c.nc.MaxPayload() }
func (c *natsConn) Close()            { c.nc.Close() }

// Channel is one rank's view of the cluster.
type Channel struct {
	conn     Conn
	prefix   string
	local    int
	inbox    *transport.Inbox
	logger   watermill.LoggerAdapter
	ownsConn bool

	mu     sync.Mutex
	subs   map[[2]int]Subscription
	closed bool
}

var (
	_ transport.BlockingChannel    = (*Channel)(nil)
	_ transport.NonBlockingChannel = (*Channel)(nil)
	_ transport.Prober             = (*Channel)(nil)
)

// New creates a channel for rank local over an existing connection. The
// caller keeps ownership of conn.
func New(conn Conn, prefix string, local int, logger watermill.LoggerAdapter) *Channel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Channel{
		conn:   conn,
		prefix: prefix,
		local:  local,
		inbox:  transport.NewInbox(),
		logger: logger.With(watermill.LogFields{"rank": local}),
		subs:   make(map[[2]int]Subscription),
	}
}

func (c *Channel) Name() string     { return TransportName }
func (c *Channel) IsBlocking() bool { return true }

// ConnectionPossible reports whether either end of the transfer is this rank.
func (c *Channel) ConnectionPossible(src, dst int) bool {
	return src >= 0 && dst >= 0 && (src == c.local || dst == c.local)
}

// Subscribe starts buffering messages from src on tag.
func (c *Channel) Subscribe(src, tag int) error {
	if err := transport.CheckRoute(c, src, c.local, tag); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errspkg.ErrChannelClosed
	}
	key := [2]int{src, tag}
	if _, ok := c.subs[key]; ok {
		return nil
	}
	subject := transport.Subject(c.prefix, c.local, src, tag)
	sub, err := c.conn.Subscribe(subject, func(data []byte) {
		if err := c.inbox.Push(src, tag, append([]byte(nil), data...)); err != nil {
			c.logger.Debug("Dropped message after close", watermill.LogFields{"subject": subject})
		}
	})
	if err != nil {
		return err
	}
	c.subs[key] = sub
	c.logger.Debug("Subscribed", watermill.LogFields{"subject": subject})
	return nil
}

func (c *Channel) publish(p []byte, dst, tag int) error {
	if err := transport.CheckRoute(c, c.local, dst, tag); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errspkg.ErrChannelClosed
	}
	subject := transport.Subject(c.prefix, dst, c.local, tag)
	limit := int(c.conn.MaxPayload())
	if limit <= 0 {
		limit = len(p)
	}
	for off := 0; off < len(p); off += limit {
		end := min(off+limit, len(p))
		if err := c.conn.Publish(subject, p[off:end]); err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return fmt.Errorf("%w: %v", errspkg.ErrChannelClosed, err)
			}
			return err
		}
	}
	return nil
}

// Send publishes p, split at the server's max payload.
func (c *Channel) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.publish(p, dst, tag)
}

// TrySend publishes p. Publishing never waits for the receiver.
func (c *Channel) TrySend(p []byte, dst, tag int) (int, error) {
	if err := c.publish(p, dst, tag); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recv fills p from the (src, tag) route, subscribing on first use.
func (c *Channel) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := c.Subscribe(src, tag); err != nil {
		return err
	}
	return c.inbox.Recv(ctx, p, src, tag)
}

// TryRecv copies buffered bytes from the (src, tag) route.
func (c *Channel) TryRecv(p []byte, src, tag int) (int, error) {
	if err := c.Subscribe(src, tag); err != nil {
		return 0, err
	}
	return c.inbox.TryRecv(p, src, tag)
}

// Ready reports whether messages from src on tag are buffered.
func (c *Channel) Ready(src, tag int) bool {
	if c.Subscribe(src, tag) != nil {
		return false
	}
	return c.inbox.Ready(src, tag)
}

// Close unsubscribes every route and, when the channel dialled its own
// connection, closes it.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Unsubscribe())
	}
	c.inbox.Close()
	if c.ownsConn {
		c.conn.Close()
	}
	return errors.Join(errs...)
}
