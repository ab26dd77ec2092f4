// Package stream provides a TCP channel backend. One TCP connection carries
// one edge; the blocking contract uses full writes and reads with
// context-driven deadlines, the non-blocking contract short deadlines that
// return partial counts.
package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "stream"

// DefaultPollSlice bounds how long a non-blocking call may wait on the socket.
const DefaultPollSlice = 100 * time.Microsecond

// Dialer allows overriding connection setup for testing.
var Dialer = func(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Register registers the stream backend with reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build, transport.StreamCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.StreamCapabilities
}

// Build dials the endpoint address for the send role and, for the receive
// role, listens on it and accepts a single peer.
func Build(ctx context.Context, _ transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
	if ep.Address == "" {
		return nil, fmt.Errorf("stream: address is required")
	}
	switch ep.Role {
	case transport.RoleSend:
		return Dial(ctx, ep.Address, ep, logger)
	case transport.RoleRecv:
		l, err := Listen(ep.Address, logger)
		if err != nil {
			return nil, err
		}
		defer l.Close()
		return l.Accept(ctx, ep)
	default:
		return nil, fmt.Errorf("stream: unknown role %q", ep.Role)
	}
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, ep transport.Endpoint, logger watermill.LoggerAdapter) (*Channel, error) {
	conn, err := Dialer(ctx, addr)
	if err != nil {
		return nil, err
	}
	return New(conn, ep, logger), nil
}

// Listener accepts stream channels.
type Listener struct {
	l      net.Listener
	logger watermill.LoggerAdapter
}

// Listen binds addr.
func Listen(addr string, logger watermill.LoggerAdapter) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{l: l, logger: logger}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Accept waits for one peer or for ctx to end.
func (l *Listener) Accept(ctx context.Context, ep transport.Endpoint) (*Channel, error) {
	stop := context.AfterFunc(ctx, func() { _ = l.l.Close() })
	defer stop()
	conn, err := l.l.Accept()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return New(conn, ep, l.logger), nil
}

// Close stops listening.
func (l *Listener) Close() error { return l.l.Close() }

// Channel is one TCP connection between the endpoint's Local and Peer ranks.
type Channel struct {
	conn      net.Conn
	r         *bufio.Reader
	local     int
	peer      int
	tag       int
	pollSlice time.Duration
	logger    watermill.LoggerAdapter

	readMu  sync.Mutex
	writeMu sync.Mutex
}

var (
	_ transport.BlockingChannel    = (*Channel)(nil)
	_ transport.NonBlockingChannel = (*Channel)(nil)
	_ transport.Prober             = (*Channel)(nil)
)

// New wraps an established connection.
func New(conn net.Conn, ep transport.Endpoint, logger watermill.LoggerAdapter) *Channel {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Channel{
		conn:      conn,
		r:         bufio.NewReader(conn),
		local:     ep.Local,
		peer:      ep.Peer,
		tag:       ep.Tag,
		pollSlice: DefaultPollSlice,
		logger:    logger.With(watermill.LogFields{"remote": conn.RemoteAddr().String()}),
	}
}

func (c *Channel) Name() string     { return TransportName }
func (c *Channel) IsBlocking() bool { return true }

// ConnectionPossible reports whether the transfer runs between the two ranks of this connection.
func (c *Channel) ConnectionPossible(src, dst int) bool {
	return (src == c.local && dst == c.peer) || (src == c.peer && dst == c.local)
}

func (c *Channel) check(src, dst, tag int) error {
	if err := transport.CheckRoute(c, src, dst, tag); err != nil {
		return err
	}
	if tag != c.tag {
		return fmt.Errorf("%w: stream carries tag %d, not %d", errspkg.ErrUnsupported, c.tag, tag)
	}
	return nil
}

// mapErr folds socket errors onto the channel taxonomy.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return fmt.Errorf("%w: %v", errspkg.ErrChannelClosed, err)
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errspkg.ErrWouldBlock
	}
	return err
}

// mapBlockingErr is mapErr for calls bounded by ctx, where a deadline hit
// means the context ended.
func mapBlockingErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return mapErr(err)
}

// deadline arms conn deadlines to fire when ctx ends.
func (c *Channel) deadline(ctx context.Context, set func(time.Time) error) func() {
	_ = set(time.Time{})
	if d, ok := ctx.Deadline(); ok {
		_ = set(d)
	}
	stop := context.AfterFunc(ctx, func() { _ = set(time.Now()) })
	return func() { stop() }
}

// Send writes all of p. When ctx ends mid-write the error reports how much
// of p reached the socket.
func (c *Channel) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := c.check(c.local, dst, tag); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.deadline(ctx, c.conn.SetWriteDeadline)()

	n, err := c.conn.Write(p)
	return transport.Partial(n, mapBlockingErr(ctx, err))
}

// Recv reads exactly len(p) bytes, reporting a partial fill when ctx ends
// first.
func (c *Channel) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := c.check(src, c.local, tag); err != nil {
		return err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()
	defer c.deadline(ctx, c.conn.SetReadDeadline)()

	n, err := io.ReadFull(c.r, p)
	return transport.Partial(n, mapBlockingErr(ctx, err))
}

// TrySend writes as much of p as the socket accepts within the poll slice.
func (c *Channel) TrySend(p []byte, dst, tag int) (int, error) {
	if err := c.check(c.local, dst, tag); err != nil {
		return 0, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.pollSlice))

	n, err := c.conn.Write(p)
	if n > 0 && errors.Is(err, os.ErrDeadlineExceeded) {
		err = nil
	}
	return n, mapErr(err)
}

// TryRecv reads whatever has arrived, up to len(p).
func (c *Channel) TryRecv(p []byte, src, tag int) (int, error) {
	if err := c.check(src, c.local, tag); err != nil {
		return 0, err
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pollSlice))
	n, err := c.r.Read(p)
	if n > 0 {
		return n, nil
	}
	return 0, mapErr(err)
}

// Ready reports whether bytes are waiting on the connection.
func (c *Channel) Ready(src, tag int) bool {
	if c.check(src, c.local, tag) != nil {
		return false
	}
	if !c.readMu.TryLock() {
		return false
	}
	defer c.readMu.Unlock()
	if c.r.Buffered() > 0 {
		return true
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pollSlice))
	_, err := c.r.Peek(1)
	return err == nil
}

// Close closes the connection, unblocking in-flight calls.
func (c *Channel) Close() error {
	err := c.conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
