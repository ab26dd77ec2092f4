// Package rangelock provides a lock over a cyclic index range shared by one
// writer and one reader, typically a hardware receiver filling a ring buffer
// and the pipeline draining it.
//
// Positions live in the half-open domain [min, max) and wrap around. The
// lock tracks four cursors, readTail ≤ readHead ≤ writeTail ≤ writeHead in
// cyclic order. Published data is [readTail, writeTail); the reader holds
// [readTail, readHead) while read-locked and the writer holds
// [writeTail, writeHead) while write-locked.
package rangelock

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
)

// Element is any ordered, subtractable position type.
type Element interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

const (
	sideRead  = "read"
	sideWrite = "write"
)

// Stats counts lock activity. Waits count how often a caller parked on the
// condition variable, so a blocked caller shows a small constant here.
type Stats struct {
	ReadWaits   uint64
	WriteWaits  uint64
	ReadGrants  uint64
	WriteGrants uint64
	Drops       float64
	Generation  uint64
}

// RangeLock synchronises one writer and one reader over a cyclic range.
type RangeLock[T Element] struct {
	name     string
	capacity T
	min, max T
	domain   T
	maxSpan  T
	null     T

	overwrite bool
	log       logging.ServiceLogger
	metrics   *metrics.Metrics

	mu   sync.Mutex
	cond *sync.Cond

	readTail T
	// avail is the published length [readTail, writeTail).
	avail T
	// readLen and writeLen are the held spans.
	readLen  T
	writeLen T

	readHeld, writeHeld bool
	readGen, writeGen   uint64
	gen                 uint64
	empty               bool

	stats Stats
}

// New creates a lock over [min, max) holding at most capacity elements.
func New[T Element](name string, capacity, min, max T, opts ...Option[T]) (*RangeLock[T], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: range lock %q capacity must be positive", errspkg.ErrCapacityExceeded, name)
	}
	if min >= max {
		return nil, fmt.Errorf("%w: range lock %q needs min < max", errspkg.ErrCapacityExceeded, name)
	}
	domain := max - min
	if domain <= 0 {
		return nil, fmt.Errorf("%w: range lock %q domain overflows its element type", errspkg.ErrCapacityExceeded, name)
	}
	if capacity > domain {
		return nil, fmt.Errorf("%w: range lock %q capacity %v exceeds domain %v", errspkg.ErrCapacityExceeded, name, capacity, domain)
	}

	r := &RangeLock[T]{
		name:     name,
		capacity: capacity,
		min:      min,
		max:      max,
		domain:   domain,
		maxSpan:  capacity,
		null:     max,
		log:      logging.NopLogger(),
		readTail: min,
		empty:    true,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.maxSpan <= 0 || r.maxSpan > capacity {
		return nil, fmt.Errorf("%w: range lock %q max span %v must be in (0, %v]", errspkg.ErrCapacityExceeded, name, r.maxSpan, capacity)
	}
	r.cond = sync.NewCond(&r.mu)
	return r, nil
}

// Name returns the lock name.
func (r *RangeLock[T]) Name() string { return r.name }

// Capacity returns the number of elements the range holds.
func (r *RangeLock[T]) Capacity() T { return r.capacity }

// Null returns the "earliest available" sentinel.
func (r *RangeLock[T]) Null() T { return r.null }

// dist returns the cyclic distance from a forward to b.
func (r *RangeLock[T]) dist(a, b T) T {
	if b >= a {
		return b - a
	}
	return (r.max - a) + (b - r.min)
}

// add advances p by n without overflowing T.
func (r *RangeLock[T]) add(p, n T) T {
	if n >= r.max-p {
		return r.min + (n - (r.max - p))
	}
	return p + n
}

// wrap maps an end bound equal to max onto min.
func (r *RangeLock[T]) wrap(p T) T {
	if p == r.max {
		return r.min
	}
	return p
}

func (r *RangeLock[T]) inDomain(p T) bool {
	return p >= r.min && p <= r.max
}

func (r *RangeLock[T]) writeTail() T {
	return r.add(r.readTail, r.avail)
}

// wait parks on the condition variable until woken. It reports ErrAborted
// when Clear ran since gen was sampled and the context error when ctx ends.
func (r *RangeLock[T]) wait(ctx context.Context, gen uint64, side string) error {
	if side == sideRead {
		r.stats.ReadWaits++
	} else {
		r.stats.WriteWaits++
	}
	r.metrics.RangeLockWaited(r.name, side)
	r.cond.Wait()
	if r.gen != gen {
		return fmt.Errorf("%w: range lock %q cleared", errspkg.ErrAborted, r.name)
	}
	return ctx.Err()
}

func (r *RangeLock[T]) watch(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
}

// WriteLock reserves [begin, end) for the writer and returns the granted
// begin. Writes are contiguous: the grant starts at the published end, or at
// begin itself when nothing is unread. Without overwrite the call blocks
// until the reader has freed enough room; with overwrite it discards the
// oldest unread data instead, counting and logging the drop.
func (r *RangeLock[T]) WriteLock(ctx context.Context, begin, end T) (T, error) {
	if !r.inDomain(begin) || !r.inDomain(end) {
		return r.null, fmt.Errorf("%w: range lock %q write [%v,%v) outside domain", errspkg.ErrCapacityExceeded, r.name, begin, end)
	}
	begin, end = r.wrap(begin), r.wrap(end)
	if span := r.dist(begin, end); span > r.maxSpan {
		return r.null, fmt.Errorf("%w: range lock %q write span %v exceeds %v", errspkg.ErrCapacityExceeded, r.name, span, r.maxSpan)
	}

	stop := r.watch(ctx)
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.writeHeld {
		return r.null, fmt.Errorf("%w: range lock %q already write-locked", errspkg.ErrLockHeld, r.name)
	}
	if err := ctx.Err(); err != nil {
		return r.null, err
	}
	gen := r.gen
	for {
		// Nothing unread: the writer may start wherever it asks.
		if r.avail == 0 && !r.readHeld {
			r.readTail = begin
		}
		tail := r.writeTail()
		need := r.dist(tail, end)
		if need > r.capacity {
			return r.null, fmt.Errorf("%w: range lock %q write to %v is %v past the published end %v", errspkg.ErrCapacityExceeded, r.name, end, need, tail)
		}
		if r.avail+need <= r.capacity {
			r.writeHeld = true
			r.writeLen = need
			r.writeGen = gen
			r.stats.WriteGrants++
			return tail, nil
		}
		if r.overwrite {
			if err := r.drop(r.avail + need - r.capacity); err != nil {
				return r.null, err
			}
			continue
		}
		if err := r.wait(ctx, gen, sideWrite); err != nil {
			return r.null, err
		}
	}
}

// drop discards n elements from the read tail. Caller holds mu.
func (r *RangeLock[T]) drop(n T) error {
	if r.readHeld {
		return fmt.Errorf("%w: range lock %q must drop %v elements under a held read span", errspkg.ErrReadSpanOverwritten, r.name, n)
	}
	from := r.readTail
	r.readTail = r.add(r.readTail, n)
	r.avail -= n
	r.stats.Drops += float64(n)
	r.empty = r.avail == 0
	r.metrics.RangeLockDropped(r.name, float64(n))
	r.log.Info("Range lock overwrote unread data", logging.LogFields{
		"lock":    r.name,
		"dropped": n,
		"from":    from,
		"to":      r.readTail,
	})
	return nil
}

// WriteUnlock publishes the written region up to end, which must lie
// within the granted span, and wakes a waiting reader.
func (r *RangeLock[T]) WriteUnlock(end T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.writeHeld {
		if r.writeGen != r.gen {
			return fmt.Errorf("%w: range lock %q cleared while write-locked", errspkg.ErrAborted, r.name)
		}
		return fmt.Errorf("%w: range lock %q is not write-locked", errspkg.ErrNotLocked, r.name)
	}
	if !r.inDomain(end) {
		return fmt.Errorf("%w: range lock %q write unlock at %v outside domain", errspkg.ErrNotLocked, r.name, end)
	}
	n := r.dist(r.writeTail(), r.wrap(end))
	if n > r.writeLen {
		return fmt.Errorf("%w: range lock %q write unlock at %v beyond the granted span", errspkg.ErrNotLocked, r.name, end)
	}
	r.avail += n
	r.writeLen = 0
	r.writeHeld = false
	r.empty = r.avail == 0
	r.cond.Broadcast()
	return nil
}

// ReadLock waits until [begin, end) is published and returns the granted
// begin, which is begin or the read tail when begin has already been
// consumed or dropped. When begin is Null the grant starts at the read tail;
// if nothing is published then, the call returns the read tail at once
// with an empty grant that ReadUnlock releases at that same position.
func (r *RangeLock[T]) ReadLock(ctx context.Context, begin, end T) (T, error) {
	fromTail := begin == r.null
	if !r.inDomain(end) || (!fromTail && !r.inDomain(begin)) {
		return r.null, fmt.Errorf("%w: range lock %q read [%v,%v) outside domain", errspkg.ErrCapacityExceeded, r.name, begin, end)
	}
	end = r.wrap(end)
	if !fromTail {
		begin = r.wrap(begin)
		if span := r.dist(begin, end); span > r.maxSpan {
			return r.null, fmt.Errorf("%w: range lock %q read span %v exceeds %v", errspkg.ErrCapacityExceeded, r.name, span, r.maxSpan)
		}
	}
	return r.acquireRead(ctx, func() (granted, need T, now bool) {
		if fromTail {
			return r.readTail, r.dist(r.readTail, end), r.empty
		}
		granted, need = r.readTail, r.dist(r.readTail, end)
		if r.dist(r.readTail, begin) <= need {
			granted = begin
		}
		return granted, need, false
	})
}

// ReadLockEarliest waits until n elements are published at the read tail
// and locks them. It returns the read tail.
func (r *RangeLock[T]) ReadLockEarliest(ctx context.Context, n T) (T, error) {
	if n <= 0 || n > r.capacity {
		return r.null, fmt.Errorf("%w: range lock %q earliest read of %v elements", errspkg.ErrCapacityExceeded, r.name, n)
	}
	return r.acquireRead(ctx, func() (T, T, bool) {
		return r.readTail, n, false
	})
}

// acquireRead grants the read lock once window reports a span that is
// published or asks for an empty grant. window runs under mu on every
// wakeup.
func (r *RangeLock[T]) acquireRead(ctx context.Context, window func() (granted, need T, now bool)) (T, error) {
	stop := r.watch(ctx)
	defer stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.readHeld {
		return r.null, fmt.Errorf("%w: range lock %q already read-locked", errspkg.ErrLockHeld, r.name)
	}
	if err := ctx.Err(); err != nil {
		return r.null, err
	}
	gen := r.gen
	for {
		granted, need, now := window()
		if now {
			need = 0
		}
		switch {
		case need > r.capacity && r.avail > 0:
			return r.null, fmt.Errorf("%w: range lock %q read of %v elements lies outside the window at %v", errspkg.ErrCapacityExceeded, r.name, need, r.readTail)
		case need <= r.avail:
			r.readHeld = true
			r.readLen = need
			r.readGen = gen
			r.stats.ReadGrants++
			return granted, nil
		}
		if err := r.wait(ctx, gen, sideRead); err != nil {
			return r.null, err
		}
	}
}

// ReadUnlock releases the read lock and consumes everything before end,
// which must lie within the granted span. A waiting writer is woken.
func (r *RangeLock[T]) ReadUnlock(end T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.readHeld {
		if r.readGen != r.gen {
			return fmt.Errorf("%w: range lock %q cleared while read-locked", errspkg.ErrAborted, r.name)
		}
		return fmt.Errorf("%w: range lock %q is not read-locked", errspkg.ErrNotLocked, r.name)
	}
	if !r.inDomain(end) {
		return fmt.Errorf("%w: range lock %q read unlock at %v outside domain", errspkg.ErrNotLocked, r.name, end)
	}
	end = r.wrap(end)
	n := r.dist(r.readTail, end)
	if n > r.readLen {
		return fmt.Errorf("%w: range lock %q read unlock at %v beyond the granted span", errspkg.ErrNotLocked, r.name, end)
	}
	r.readTail = end
	r.avail -= n
	r.readLen = 0
	r.readHeld = false
	r.empty = r.avail == 0
	r.cond.Broadcast()
	return nil
}

// GetReadStart returns the read tail without blocking, and whether any
// published data is waiting there.
func (r *RangeLock[T]) GetReadStart() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readTail, !r.empty
}

// Available returns the published, unconsumed length.
func (r *RangeLock[T]) Available() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail
}

// Clear resets every cursor to min and aborts blocked callers, which
// return ErrAborted. A lock held across Clear is revoked; its unlock
// reports ErrAborted as well.
func (r *RangeLock[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.readTail = r.min
	r.avail = 0
	r.readLen = 0
	r.writeLen = 0
	r.readHeld = false
	r.writeHeld = false
	r.empty = true
	r.gen++
	r.stats.Generation = r.gen
	r.cond.Broadcast()
}

// SetOverwriting switches the overwrite policy. It fails while either side
// holds a lock.
func (r *RangeLock[T]) SetOverwriting(on bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.readHeld || r.writeHeld {
		return fmt.Errorf("%w: range lock %q overwrite policy cannot change while locked", errspkg.ErrLockHeld, r.name)
	}
	r.overwrite = on
	return nil
}

// Overwriting reports the current overwrite policy.
func (r *RangeLock[T]) Overwriting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overwrite
}

// Drops returns the number of elements discarded by overwrites.
func (r *RangeLock[T]) Drops() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats.Drops
}

// Stats returns a snapshot of the counters.
func (r *RangeLock[T]) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
