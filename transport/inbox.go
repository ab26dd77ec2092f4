package transport

import (
	"context"
	"sync"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

type route struct {
	src, tag int
}

type inboxQueue struct {
	chunks [][]byte
	off    int
	size   int
	// err marks a gap in the route's byte stream.
	err error
}

func (q *inboxQueue) read(p []byte) int {
	n := 0
	for n < len(p) && len(q.chunks) > 0 {
		c := copy(p[n:], q.chunks[0][q.off:])
		n += c
		q.off += c
		if q.off == len(q.chunks[0]) {
			q.chunks[0] = nil
			q.chunks = q.chunks[1:]
			q.off = 0
		}
	}
	q.size -= n
	return n
}

// Inbox buffers inbound messages per (src, tag) route and re-chunks them
// into whatever read sizes the caller asks for. Message-oriented backends
// push into an Inbox from their delivery goroutine.
type Inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[route]*inboxQueue
	closed bool
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox {
	in := &Inbox{queues: make(map[route]*inboxQueue)}
	in.cond = sync.NewCond(&in.mu)
	return in
}

func (in *Inbox) queue(src, tag int) *inboxQueue {
	k := route{src: src, tag: tag}
	q, ok := in.queues[k]
	if !ok {
		q = &inboxQueue{}
		in.queues[k] = q
	}
	return q
}

// Push appends data to the (src, tag) route. The inbox takes ownership of data.
func (in *Inbox) Push(src, tag int, data []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return errspkg.ErrChannelClosed
	}
	if len(data) == 0 {
		return nil
	}
	q := in.queue(src, tag)
	if q.err != nil {
		return q.err
	}
	q.chunks = append(q.chunks, data)
	q.size += len(data)
	in.cond.Broadcast()
	return nil
}

// Poison marks the route as having lost data. Bytes queued before the loss
// are still delivered; any read that needs more returns err, and later
// pushes to the route are refused with it.
func (in *Inbox) Poison(src, tag int, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queue(src, tag)
	if q.err == nil {
		q.err = err
	}
	in.cond.Broadcast()
}

// Recv fills p from the route, waiting until enough bytes have arrived.
// Buffered data is still delivered after Close; a short remainder is
// ErrChannelClosed.
func (in *Inbox) Recv(ctx context.Context, p []byte, src, tag int) error {
	stop := context.AfterFunc(ctx, func() {
		in.mu.Lock()
		in.cond.Broadcast()
		in.mu.Unlock()
	})
	defer stop()

	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queue(src, tag)
	for q.size < len(p) {
		if q.err != nil {
			return q.err
		}
		if in.closed {
			return errspkg.ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		in.cond.Wait()
	}
	q.read(p)
	return nil
}

// TryRecv copies whatever the route holds, up to len(p).
func (in *Inbox) TryRecv(p []byte, src, tag int) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	q := in.queue(src, tag)
	if q.size == 0 {
		if q.err != nil {
			return 0, q.err
		}
		if in.closed {
			return 0, errspkg.ErrChannelClosed
		}
		return 0, errspkg.ErrWouldBlock
	}
	return q.read(p), nil
}

// Ready reports whether the route holds data or a pending error.
func (in *Inbox) Ready(src, tag int) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	q, ok := in.queues[route{src: src, tag: tag}]
	return ok && (q.size > 0 || q.err != nil)
}

// Buffered returns the number of bytes waiting on the route.
func (in *Inbox) Buffered(src, tag int) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	if q, ok := in.queues[route{src: src, tag: tag}]; ok {
		return q.size
	}
	return 0
}

// Close stops accepting data and wakes blocked readers.
func (in *Inbox) Close() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.closed = true
	in.cond.Broadcast()
}
