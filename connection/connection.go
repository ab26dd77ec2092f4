// Package connection moves buffers across a transport channel. Every record
// is framed as a 4-byte big-endian length followed by the encoded record;
// the two are separate channel transfers, so message-oriented and
// record-oriented backends see the same sequence as byte streams do.
package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/tbflow/buffer"
	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/ids"
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/wire"
)

// LengthPrefixSize is the size of the frame header.
const LengthPrefixSize = 4

const (
	// DefaultMaxRecordSize bounds the length prefix when Config leaves it zero.
	DefaultMaxRecordSize = 64 << 20
	// DefaultPollInterval paces blocking calls over non-blocking channels.
	DefaultPollInterval = time.Millisecond
)

// State is the progress of a transfer.
type State int32

const (
	StateIdle State = iota
	StateAwaitingLength
	StateAwaitingPayload
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLength:
		return "awaiting_length"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes one edge.
type Config struct {
	Name string
	// Source is encoded by Write; Destination is filled by Read. Either may
	// be nil for a one-way connection.
	Source      buffer.Buffer
	Destination buffer.Buffer
	Channel     transport.Channel
	// Peer is the rank on the other side; Tag selects the route.
	Peer int
	Tag  int

	MaxRecordSize int
	PollInterval  time.Duration
	Logger        logging.ServiceLogger
	Metrics       *metrics.Metrics
}

// transfer tracks one framed record in flight.
type transfer struct {
	state   atomic.Int32
	prefix  [LengthPrefixSize]byte
	payload []byte
	off     int
}

func (t *transfer) phase() State { return State(t.state.Load()) }
func (t *transfer) set(s State)  { t.state.Store(int32(s)) }

// pending returns the unsent or unfilled rest of the current phase.
func (t *transfer) pending() []byte {
	if t.phase() == StateAwaitingLength {
		return t.prefix[t.off:]
	}
	return t.payload[t.off:]
}

func (t *transfer) reset() {
	t.set(StateIdle)
	t.off = 0
	t.payload = nil
}

// Connection binds two buffers and one channel for the lifetime of an edge.
// Write and Read may run concurrently with each other; each direction is
// serialised on its own.
type Connection struct {
	name      string
	id        string
	src       buffer.Buffer
	dst       buffer.Buffer
	ch        transport.Channel
	peer      int
	tag       int
	maxRecord int
	poll      time.Duration
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics

	txMu sync.Mutex
	tx   transfer

	rxMu    sync.Mutex
	rx      transfer
	scratch []byte

	mu           sync.Mutex
	abortErr     error
	disconnected bool
}

// New validates cfg and creates an idle connection.
func New(cfg Config) (*Connection, error) {
	if cfg.Channel == nil {
		return nil, errors.New("connection: channel is required")
	}
	if err := transport.CheckTag(cfg.Tag); err != nil {
		return nil, err
	}
	for _, b := range []buffer.Buffer{cfg.Source, cfg.Destination} {
		if b != nil && b.IsPrototype() {
			return nil, fmt.Errorf("connection %s: %w", cfg.Name, errspkg.ErrPrototypeIO)
		}
	}
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = DefaultMaxRecordSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	id := ids.CreateULID()
	if cfg.Name == "" {
		cfg.Name = id
	}
	logger := logging.Component(cfg.Logger, "connection", cfg.Name, logging.LogFields{
		"connection_id": id,
		"channel":       cfg.Channel.Name(),
		"peer":          cfg.Peer,
		"tag":           cfg.Tag,
	})
	return &Connection{
		name:      cfg.Name,
		id:        id,
		src:       cfg.Source,
		dst:       cfg.Destination,
		ch:        cfg.Channel,
		peer:      cfg.Peer,
		tag:       cfg.Tag,
		maxRecord: cfg.MaxRecordSize,
		poll:      cfg.PollInterval,
		logger:    logger,
		metrics:   cfg.Metrics,
	}, nil
}

func (c *Connection) Name() string               { return c.name }
func (c *Connection) ID() string                 { return c.id }
func (c *Connection) Peer() int                  { return c.peer }
func (c *Connection) Tag() int                   { return c.tag }
func (c *Connection) Channel() transport.Channel { return c.ch }
func (c *Connection) Source() buffer.Buffer      { return c.src }
func (c *Connection) Destination() buffer.Buffer { return c.dst }

// State reports Aborted, else the phase of the transfer in flight, else Idle.
func (c *Connection) State() State {
	if c.Err() != nil {
		return StateAborted
	}
	if s := c.tx.phase(); s != StateIdle {
		return s
	}
	return c.rx.phase()
}

// Err returns the cause of an abort, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortErr
}

func (c *Connection) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortErr != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrConnectionAborted, c.abortErr)
	}
	if c.disconnected {
		return errspkg.ErrChannelClosed
	}
	return nil
}

// abort moves the connection to Aborted and releases the channel.
func (c *Connection) abort(cause error) error {
	c.mu.Lock()
	first := c.abortErr == nil
	if first {
		c.abortErr = cause
	}
	c.mu.Unlock()
	if first {
		fields := logging.LogFields{}
		var recErr *errspkg.RecordError
		if errors.As(cause, &recErr) {
			fields["kind"] = recErr.Kind
			fields["version"] = recErr.Version
			fields["length"] = recErr.Length
		}
		c.logger.Error("Aborting connection after undecodable record", cause, fields)
		c.metrics.ConnectionFailed(c.name, cause)
		_ = c.Disconnect()
	}
	return fmt.Errorf("%w: %w", errspkg.ErrConnectionAborted, cause)
}

// fail resets a transfer after a channel error so the next call starts a
// fresh record.
func (c *Connection) fail(t *transfer, err error) error {
	t.reset()
	c.metrics.ConnectionFailed(c.name, err)
	c.logger.Debug("Transfer failed", logging.LogFields{"error": err.Error()})
	return err
}

// interrupted handles a blocking transfer that failed after moving part of
// the pending bytes. Bytes that moved are kept; when the context ended the
// frame stays in flight so the next call resumes it.
func (c *Connection) interrupted(t *transfer, err error) error {
	t.off += transport.Moved(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.logger.Debug("Transfer interrupted", logging.LogFields{"state": t.phase().String(), "offset": t.off})
		return err
	}
	return c.fail(t, err)
}

func (c *Connection) pause(ctx context.Context) error {
	timer := time.NewTimer(c.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// startWrite encodes the source into a fresh frame.
func (c *Connection) startWrite() error {
	if c.src == nil {
		return fmt.Errorf("%w: connection %s has no source buffer", errspkg.ErrUnsupported, c.name)
	}
	record, err := buffer.Encode(c.src)
	if err != nil {
		return err
	}
	if len(record) > c.maxRecord {
		return fmt.Errorf("%w: record of %d bytes exceeds max record size %d", errspkg.ErrCapacityExceeded, len(record), c.maxRecord)
	}
	binary.BigEndian.PutUint32(c.tx.prefix[:], uint32(len(record)))
	c.tx.payload = record
	c.tx.off = 0
	c.tx.set(StateAwaitingLength)
	return nil
}

// advance moves t to its next phase once the current one is complete and
// reports whether the frame is finished.
func advance(t *transfer) bool {
	if len(t.pending()) > 0 {
		return false
	}
	t.off = 0
	if t.phase() == StateAwaitingLength {
		t.set(StateAwaitingPayload)
		return len(t.payload) == 0
	}
	return true
}

func (c *Connection) finishWrite() {
	size := LengthPrefixSize + len(c.tx.payload)
	c.tx.reset()
	c.metrics.ConnectionTransferred(c.name, metrics.DirectionOut, size)
}

// Write encodes the source buffer and sends it to the peer, waiting until
// the whole frame is handed off. A write left in flight by TryWrite is
// completed first and counts as this call's record.
func (c *Connection) Write(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()

	resumed := c.tx.phase() != StateIdle
	if !resumed {
		if err := c.startWrite(); err != nil {
			return err
		}
	}

	if bc, ok := c.ch.(transport.BlockingChannel); ok && (c.ch.IsBlocking() || !isNonBlocking(c.ch)) {
		for {
			if p := c.tx.pending(); len(p) > 0 {
				if err := bc.Send(ctx, p, c.peer, c.tag); err != nil {
					return c.interrupted(&c.tx, err)
				}
				c.tx.off += len(p)
			}
			if advance(&c.tx) {
				c.finishWrite()
				return nil
			}
		}
	}

	if _, ok := c.ch.(transport.NonBlockingChannel); !ok {
		c.tx.reset()
		return fmt.Errorf("%w: %s supports neither contract", errspkg.ErrUnsupported, c.ch.Name())
	}
	for {
		err := c.tryWriteLocked()
		if !errors.Is(err, errspkg.ErrWouldBlock) {
			return err
		}
		if err := c.pause(ctx); err != nil {
			return err
		}
	}
}

// TryWrite sends as much of the frame as the channel accepts without
// waiting. ErrWouldBlock means the frame is still in flight; call again to
// resume where it stopped. The source is encoded once, when the frame
// starts.
func (c *Connection) TryWrite() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if _, ok := c.ch.(transport.NonBlockingChannel); !ok {
		return fmt.Errorf("%w: %s has no non-blocking contract", errspkg.ErrUnsupported, c.ch.Name())
	}
	if c.tx.phase() == StateIdle {
		if err := c.startWrite(); err != nil {
			return err
		}
	}
	return c.tryWriteLocked()
}

func (c *Connection) tryWriteLocked() error {
	nb := c.ch.(transport.NonBlockingChannel)
	for {
		if p := c.tx.pending(); len(p) > 0 {
			n, err := nb.TrySend(p, c.peer, c.tag)
			c.tx.off += n
			if err != nil {
				if errors.Is(err, errspkg.ErrWouldBlock) {
					return errspkg.ErrWouldBlock
				}
				return c.fail(&c.tx, err)
			}
			if n == 0 {
				return errspkg.ErrWouldBlock
			}
		}
		if advance(&c.tx) {
			c.finishWrite()
			return nil
		}
	}
}

// startRead prepares to receive a length prefix.
func (c *Connection) startRead() error {
	if c.dst == nil {
		return fmt.Errorf("%w: connection %s has no destination buffer", errspkg.ErrUnsupported, c.name)
	}
	c.rx.off = 0
	c.rx.payload = nil
	c.rx.set(StateAwaitingLength)
	return nil
}

// sizePayload validates the received prefix and sizes the payload slice.
func (c *Connection) sizePayload() error {
	n := int(binary.BigEndian.Uint32(c.rx.prefix[:]))
	if n < wire.HeaderSize || n > c.maxRecord {
		return fmt.Errorf("%w: frame length %d outside [%d, %d]", errspkg.ErrTruncatedOrCorrupt, n, wire.HeaderSize, c.maxRecord)
	}
	if cap(c.scratch) < n {
		c.scratch = make([]byte, n)
	}
	c.rx.payload = c.scratch[:n]
	return nil
}

// step completes a read phase. It returns true once the record has been
// decoded into the destination.
func (c *Connection) step() (bool, error) {
	if len(c.rx.pending()) > 0 {
		return false, nil
	}
	if c.rx.phase() == StateAwaitingLength {
		if err := c.sizePayload(); err != nil {
			c.rx.reset()
			return false, c.abort(err)
		}
		c.rx.off = 0
		c.rx.set(StateAwaitingPayload)
		return false, nil
	}
	record := c.rx.payload
	c.rx.reset()
	if err := buffer.Decode(c.dst, record); err != nil {
		return false, c.abort(err)
	}
	c.metrics.ConnectionTransferred(c.name, metrics.DirectionIn, LengthPrefixSize+len(record))
	return true, nil
}

// Read receives one frame from the peer and decodes it into the
// destination buffer. An undecodable record aborts the connection.
func (c *Connection) Read(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.rxMu.Lock()
	defer c.rxMu.Unlock()

	if c.rx.phase() == StateIdle {
		if err := c.startRead(); err != nil {
			return err
		}
	}

	if bc, ok := c.ch.(transport.BlockingChannel); ok && (c.ch.IsBlocking() || !isNonBlocking(c.ch)) {
		for {
			if p := c.rx.pending(); len(p) > 0 {
				if err := bc.Recv(ctx, p, c.peer, c.tag); err != nil {
					return c.interrupted(&c.rx, err)
				}
				c.rx.off += len(p)
			}
			done, err := c.step()
			if err != nil || done {
				return err
			}
		}
	}

	if _, ok := c.ch.(transport.NonBlockingChannel); !ok {
		c.rx.reset()
		return fmt.Errorf("%w: %s supports neither contract", errspkg.ErrUnsupported, c.ch.Name())
	}
	for {
		err := c.tryReadLocked()
		if !errors.Is(err, errspkg.ErrWouldBlock) {
			return err
		}
		if err := c.pause(ctx); err != nil {
			return err
		}
	}
}

// TryRead receives whatever part of the frame has arrived. ErrWouldBlock
// means the frame is incomplete; call again to resume.
func (c *Connection) TryRead() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	if _, ok := c.ch.(transport.NonBlockingChannel); !ok {
		return fmt.Errorf("%w: %s has no non-blocking contract", errspkg.ErrUnsupported, c.ch.Name())
	}
	if c.rx.phase() == StateIdle {
		if err := c.startRead(); err != nil {
			return err
		}
	}
	return c.tryReadLocked()
}

func (c *Connection) tryReadLocked() error {
	nb := c.ch.(transport.NonBlockingChannel)
	for {
		if p := c.rx.pending(); len(p) > 0 {
			n, err := nb.TryRecv(p, c.peer, c.tag)
			c.rx.off += n
			if err != nil {
				if errors.Is(err, errspkg.ErrWouldBlock) {
					return errspkg.ErrWouldBlock
				}
				return c.fail(&c.rx, err)
			}
			if n == 0 {
				return errspkg.ErrWouldBlock
			}
		}
		done, err := c.step()
		if err != nil || done {
			return err
		}
	}
}

// Ready reports whether inbound data from the peer is waiting. Channels
// without a readiness probe always report false.
func (c *Connection) Ready() bool {
	if c.usable() != nil {
		return false
	}
	p, ok := c.ch.(transport.Prober)
	if !ok {
		return false
	}
	return p.Ready(c.peer, c.tag)
}

// Disconnect closes the channel, unblocking any in-flight Send or Recv.
// Later calls return ErrChannelClosed.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return nil
	}
	c.disconnected = true
	c.mu.Unlock()
	c.logger.Debug("Disconnecting", nil)
	return c.ch.Close()
}

func isNonBlocking(ch transport.Channel) bool {
	_, ok := ch.(transport.NonBlockingChannel)
	return ok
}
