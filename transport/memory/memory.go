// Package memory provides an in-process channel backend. A Hub connects
// rank endpoints living in the same process, typically goroutines standing
// in for separate nodes in tests and single-host deployments.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "memory"

// DefaultHub is shared by channels built through the registry.
var DefaultHub = NewHub()

// Register registers the memory backend over DefaultHub.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Builder(DefaultHub), transport.MemoryCapabilities)
}

// Builder returns a transport.Builder that attaches a fresh handle for
// ep.Local, bound to ep.Peer, to hub on every build.
func Builder(hub *Hub) transport.Builder {
	return func(_ context.Context, _ transport.Config, ep transport.Endpoint, _ watermill.LoggerAdapter) (transport.Channel, error) {
		ch, err := hub.Attach(ep.Local, ep.Peer)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.MemoryCapabilities
}

type slotKey struct {
	src, dst, tag int
}

// slot holds at most one in-flight message for a (src, dst, tag) route.
type slot struct {
	data []byte
	off  int
	// seq increments each time a message is fully consumed.
	seq uint64
}

func (s *slot) full() bool { return s.data != nil }

// Hub is a single-mutex exchange between in-process ranks.
type Hub struct {
	mu      sync.Mutex
	cond    *sync.Cond
	slots   map[slotKey]*slot
	handles map[int]map[*Channel]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{
		slots:   make(map[slotKey]*slot),
		handles: make(map[int]map[*Channel]struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Endpoint attaches a new handle for rank that may talk to any peer.
func (h *Hub) Endpoint(rank int) (*Channel, error) {
	return h.Attach(rank, AnyPeer)
}

// AnyPeer leaves a handle unbound.
const AnyPeer = -1

// Attach returns a new handle for rank. A handle bound to peer keeps only
// the routes between rank and peer open; closing it leaves the rank's other
// handles untouched.
func (h *Hub) Attach(rank, peer int) (*Channel, error) {
	if rank < 0 {
		return nil, fmt.Errorf("memory: invalid rank %d", rank)
	}
	if peer < AnyPeer {
		return nil, fmt.Errorf("memory: invalid peer %d", peer)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := &Channel{hub: h, rank: rank, peer: peer}
	set, ok := h.handles[rank]
	if !ok {
		set = make(map[*Channel]struct{})
		h.handles[rank] = set
	}
	set[ch] = struct{}{}
	return ch, nil
}

func (h *Hub) slot(k slotKey) *slot {
	s, ok := h.slots[k]
	if !ok {
		s = &slot{}
		h.slots[k] = s
	}
	return s
}

// open reports whether rank has a live handle serving routes to peer.
// Caller holds mu.
func (h *Hub) open(rank, peer int) bool {
	for ch := range h.handles[rank] {
		if ch.serves(peer) {
			return true
		}
	}
	return false
}

func (h *Hub) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		h.mu.Lock()
		h.cond.Broadcast()
		h.mu.Unlock()
	})
}

// Channel is one handle of a rank on a Hub. It implements the blocking,
// non-blocking and probe contracts.
type Channel struct {
	hub    *Hub
	rank   int
	peer   int
	closed bool
}

var (
	_ transport.BlockingChannel    = (*Channel)(nil)
	_ transport.NonBlockingChannel = (*Channel)(nil)
	_ transport.Prober             = (*Channel)(nil)
)

// Name returns the backend name.
func (c *Channel) Name() string { return TransportName }

// Rank returns the handle's rank.
func (c *Channel) Rank() int { return c.rank }

// Peer returns the bound peer, or AnyPeer.
func (c *Channel) Peer() int { return c.peer }

// serves reports whether the handle is open for routes to peer. Caller holds mu.
func (c *Channel) serves(peer int) bool {
	return !c.closed && (c.peer == AnyPeer || c.peer == peer)
}

// IsBlocking reports true: the blocking contract hands buffers across without copying.
func (c *Channel) IsBlocking() bool { return true }

// ConnectionPossible reports whether this handle serves the route and the
// other side has a live handle for it.
func (c *Channel) ConnectionPossible(src, dst int) bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	switch c.rank {
	case src:
		return c.serves(dst) && c.hub.open(dst, src)
	case dst:
		return c.serves(src) && c.hub.open(src, dst)
	}
	return false
}

// checkSend validates a transfer from this endpoint. Caller holds mu.
func (c *Channel) checkSend(dst, tag int) error {
	if err := transport.CheckTag(tag); err != nil {
		return err
	}
	if !c.serves(dst) || !c.hub.open(dst, c.rank) {
		return errspkg.ErrChannelClosed
	}
	return nil
}

// Send places p in the route's slot without copying and returns once the
// receiver has consumed all of it. If ctx ends first the unconsumed rest is
// withdrawn and the error reports how much the receiver took.
func (c *Channel) Send(ctx context.Context, p []byte, dst, tag int) error {
	if len(p) == 0 {
		return nil
	}
	h := c.hub
	stop := h.watch(ctx)
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.slot(slotKey{src: c.rank, dst: dst, tag: tag})
	for {
		if err := c.checkSend(dst, tag); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.full() {
			break
		}
		h.cond.Wait()
	}
	s.data, s.off = p, 0
	seq := s.seq
	h.cond.Broadcast()
	for s.seq == seq {
		if err := c.checkSend(dst, tag); err != nil {
			s.data, s.off = nil, 0
			return err
		}
		if err := ctx.Err(); err != nil {
			// Withdraw what the receiver has not taken yet.
			taken := s.off
			s.data, s.off = nil, 0
			h.cond.Broadcast()
			return transport.Partial(taken, err)
		}
		h.cond.Wait()
	}
	return nil
}

// TrySend copies p into the route's slot when it is free.
func (c *Channel) TrySend(p []byte, dst, tag int) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := c.checkSend(dst, tag); err != nil {
		return 0, err
	}
	s := h.slot(slotKey{src: c.rank, dst: dst, tag: tag})
	if s.full() {
		return 0, errspkg.ErrWouldBlock
	}
	s.data, s.off = append([]byte(nil), p...), 0
	h.cond.Broadcast()
	return len(p), nil
}

// take copies from the slot into p. Caller holds mu.
func (h *Hub) take(s *slot, p []byte) int {
	n := copy(p, s.data[s.off:])
	s.off += n
	if s.off == len(s.data) {
		s.data, s.off = nil, 0
		s.seq++
	}
	h.cond.Broadcast()
	return n
}

// Recv fills p from consecutive messages on the route.
func (c *Channel) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := transport.CheckTag(tag); err != nil {
		return err
	}
	h := c.hub
	stop := h.watch(ctx)
	defer stop()

	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.slot(slotKey{src: src, dst: c.rank, tag: tag})
	for n := 0; n < len(p); {
		if s.full() {
			n += h.take(s, p[n:])
			continue
		}
		if !c.serves(src) || !h.open(src, c.rank) {
			return transport.Partial(n, errspkg.ErrChannelClosed)
		}
		if err := ctx.Err(); err != nil {
			return transport.Partial(n, err)
		}
		h.cond.Wait()
	}
	return nil
}

// TryRecv copies whatever the route's slot holds, up to len(p).
func (c *Channel) TryRecv(p []byte, src, tag int) (int, error) {
	if err := transport.CheckTag(tag); err != nil {
		return 0, err
	}
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.slot(slotKey{src: src, dst: c.rank, tag: tag})
	if !s.full() {
		if !c.serves(src) || !h.open(src, c.rank) {
			return 0, errspkg.ErrChannelClosed
		}
		return 0, errspkg.ErrWouldBlock
	}
	return h.take(s, p), nil
}

// Ready reports whether a message from src on tag is waiting.
func (c *Channel) Ready(src, tag int) bool {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[slotKey{src: src, dst: c.rank, tag: tag}]
	return ok && s.full()
}

// Close detaches the handle and wakes every blocked peer. The rank stays
// attached while any of its other handles is live.
func (c *Channel) Close() error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	delete(h.handles[c.rank], c)
	if len(h.handles[c.rank]) == 0 {
		delete(h.handles, c.rank)
	}
	h.cond.Broadcast()
	return nil
}
