// Package link provides a raw Ethernet channel backend. Ranks map to MAC
// addresses; each transfer is fragmented into MTU-sized frames carrying a
// small routing header, and receivers reassemble frames in sequence.
package link

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "link"

// Socket sends and receives whole Ethernet frames.
type Socket interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(frame []byte, dst net.HardwareAddr) error
	HardwareAddr() net.HardwareAddr
	MTU() int
	Close() error
}

// SocketFactory allows overriding socket creation for testing.
var SocketFactory = OpenSocket

// ErrSocketClosed is returned by a Socket after Close.
var ErrSocketClosed = errors.New("link: socket closed")

// Register registers the link backend with reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build, transport.LinkCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.LinkCapabilities
}

// Build opens a raw socket on the endpoint interface and maps the peer rank
// to the endpoint's peer MAC.
func Build(_ context.Context, _ transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
	if ep.Interface == "" {
		return nil, fmt.Errorf("link: interface is required")
	}
	mac, err := net.ParseMAC(ep.PeerMAC)
	if err != nil {
		return nil, fmt.Errorf("link: peer mac: %w", err)
	}
	sock, err := SocketFactory(ep.Interface)
	if err != nil {
		return nil, err
	}
	return New(sock, ep.Local, map[int]net.HardwareAddr{ep.Peer: mac}, logger)
}

// Channel carries transfers between this rank and its mapped peers.
type Channel struct {
	sock   Socket
	local  int
	peers  map[int]net.HardwareAddr
	mtu    int
	inbox  *transport.Inbox
	logger watermill.LoggerAdapter

	writeMu sync.Mutex
	seq     map[[2]int]uint32

	mu   sync.Mutex
	reas *Reassembler
	done chan struct{}
}

var (
	_ transport.BlockingChannel    = (*Channel)(nil)
	_ transport.NonBlockingChannel = (*Channel)(nil)
	_ transport.Prober             = (*Channel)(nil)
)

// New starts a channel over sock. peers maps ranks to MAC addresses.
func New(sock Socket, local int, peers map[int]net.HardwareAddr, logger watermill.LoggerAdapter) (*Channel, error) {
	if local < 0 || local > 0xFFFF {
		return nil, fmt.Errorf("link: rank %d does not fit the frame header", local)
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	mtu := sock.MTU()
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	c := &Channel{
		sock:   sock,
		local:  local,
		peers:  peers,
		mtu:    mtu,
		inbox:  transport.NewInbox(),
		logger: logger.With(watermill.LogFields{"rank": local, "mac": sock.HardwareAddr().String()}),
		seq:    make(map[[2]int]uint32),
		reas:   NewReassembler(),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Channel) readLoop() {
	defer close(c.done)
	defer c.inbox.Close()
	buf := make([]byte, EthernetHeaderSize+c.mtu)
	own := c.sock.HardwareAddr().String()
	for {
		n, err := c.sock.ReadFrame(buf)
		if err != nil {
			if !errors.Is(err, ErrSocketClosed) {
				c.logger.Error("Link read failed", err, nil)
			}
			return
		}
		f, err := ParseFrame(buf[:n])
		if err != nil {
			c.logger.Debug("Ignoring frame", watermill.LogFields{"err": err.Error()})
			continue
		}
		if f.Dst.String() != own {
			continue
		}
		c.mu.Lock()
		msg, err := c.reas.Add(f)
		c.mu.Unlock()
		if err != nil {
			c.logger.Error("Link frame out of sequence", err, watermill.LogFields{"peer": f.SrcRank, "tag": f.Tag})
			continue
		}
		if msg != nil {
			_ = c.inbox.Push(int(f.SrcRank), int(f.Tag), msg)
		}
	}
}

func (c *Channel) Name() string     { return TransportName }
func (c *Channel) IsBlocking() bool { return true }

// ConnectionPossible reports whether the transfer joins this rank and a mapped peer.
func (c *Channel) ConnectionPossible(src, dst int) bool {
	switch {
	case src == c.local:
		_, ok := c.peers[dst]
		return ok
	case dst == c.local:
		_, ok := c.peers[src]
		return ok
	}
	return false
}

func (c *Channel) write(p []byte, dst, tag int) error {
	if err := transport.CheckRoute(c, c.local, dst, tag); err != nil {
		return err
	}
	select {
	case <-c.done:
		return errspkg.ErrChannelClosed
	default:
	}
	mac := c.peers[dst]
	tmpl := Frame{Dst: mac, Src: c.sock.HardwareAddr(), Tag: uint16(tag), SrcRank: uint16(c.local)}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	key := [2]int{dst, tag}
	next, err := Fragment(p, c.mtu, tmpl, c.seq[key], func(f Frame) error {
		return c.sock.WriteFrame(AppendFrame(nil, f), mac)
	})
	c.seq[key] = next
	if errors.Is(err, ErrSocketClosed) {
		return errspkg.ErrChannelClosed
	}
	return err
}

// Send writes p as one fragmented transfer.
func (c *Channel) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(p, dst, tag)
}

// TrySend writes p. Frames are handed to the kernel without waiting for the peer.
func (c *Channel) TrySend(p []byte, dst, tag int) (int, error) {
	if err := c.write(p, dst, tag); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *Channel) routeErr(src, tag int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reas.Err(src, tag)
}

// Recv fills p from reassembled transfers. A sequence gap on the route is
// ErrTruncatedOrCorrupt.
func (c *Channel) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := transport.CheckRoute(c, src, c.local, tag); err != nil {
		return err
	}
	if err := c.routeErr(src, tag); err != nil {
		return err
	}
	return c.inbox.Recv(ctx, p, src, tag)
}

// TryRecv copies buffered bytes from the route.
func (c *Channel) TryRecv(p []byte, src, tag int) (int, error) {
	if err := transport.CheckRoute(c, src, c.local, tag); err != nil {
		return 0, err
	}
	if err := c.routeErr(src, tag); err != nil {
		return 0, err
	}
	return c.inbox.TryRecv(p, src, tag)
}

// Ready reports whether a complete transfer from src on tag is buffered.
func (c *Channel) Ready(src, tag int) bool {
	return c.inbox.Ready(src, tag)
}

// ResetRoute clears a sequence failure so the route can resynchronise.
func (c *Channel) ResetRoute(src, tag int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reas.Reset(src, tag)
}

// Close closes the socket and waits for the reader to stop.
func (c *Channel) Close() error {
	err := c.sock.Close()
	<-c.done
	return err
}
