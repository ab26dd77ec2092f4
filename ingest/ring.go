// Package ingest couples a range lock with element storage so a receiver
// goroutine can feed samples to a pipeline with back-pressure or lossy
// overwrite.
package ingest

import (
	"context"
	"fmt"
	"math"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/rangelock"
)

// Earliest asks Read to start at the oldest unread element.
const Earliest int64 = -1

// Ring stores elements in capacity slots indexed by absolute position
// modulo capacity. Positions wrap at a multiple of the capacity so the slot
// mapping stays continuous.
type Ring[E any] struct {
	slots  []E
	lock   *rangelock.RangeLock[int64]
	domain int64
}

// New creates a ring of capacity elements. Options are forwarded to the
// underlying range lock.
func New[E any](name string, capacity int64, opts ...rangelock.Option[int64]) (*Ring[E], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: ring %q capacity must be positive", errspkg.ErrCapacityExceeded, name)
	}
	domain := capacity * (math.MaxInt64 / capacity)
	lock, err := rangelock.New(name, capacity, 0, domain, opts...)
	if err != nil {
		return nil, err
	}
	return &Ring[E]{
		slots:  make([]E, capacity),
		lock:   lock,
		domain: domain,
	}, nil
}

// Lock exposes the range lock for stats and policy changes.
func (r *Ring[E]) Lock() *rangelock.RangeLock[int64] { return r.lock }

// Capacity returns the slot count.
func (r *Ring[E]) Capacity() int64 { return int64(len(r.slots)) }

func (r *Ring[E]) add(p, n int64) int64 {
	if n >= r.domain-p {
		return n - (r.domain - p)
	}
	return p + n
}

func (r *Ring[E]) dist(a, b int64) int64 {
	if b >= a {
		return b - a
	}
	return (r.domain - a) + b
}

func (r *Ring[E]) position(p int64) error {
	if p < 0 || p >= r.domain {
		return fmt.Errorf("%w: ring %q position %d outside [0,%d)", errspkg.ErrCapacityExceeded, r.lock.Name(), p, r.domain)
	}
	return nil
}

// Write stores elems at [begin, begin+len(elems)) and publishes them. When
// the lock grants an earlier start, the gap is zero-filled; when it grants a
// later one, the already published prefix of elems is skipped. It returns
// the granted start.
func (r *Ring[E]) Write(ctx context.Context, begin int64, elems []E) (int64, error) {
	if err := r.position(begin); err != nil {
		return 0, err
	}
	n := int64(len(elems))
	if n > r.Capacity() {
		return 0, fmt.Errorf("%w: ring %q write of %d elements", errspkg.ErrCapacityExceeded, r.lock.Name(), n)
	}
	end := r.add(begin, n)
	granted, err := r.lock.WriteLock(ctx, begin, end)
	if err != nil {
		return 0, err
	}

	var zero E
	pos := granted
	if gap := r.dist(granted, begin); gap <= r.dist(granted, end) {
		for ; pos != begin; pos = r.add(pos, 1) {
			r.slots[pos%r.Capacity()] = zero
		}
	} else {
		elems = elems[r.dist(begin, granted):]
	}
	for _, e := range elems {
		r.slots[pos%r.Capacity()] = e
		pos = r.add(pos, 1)
	}
	return granted, r.lock.WriteUnlock(end)
}

// Read waits for n elements starting at begin, or at the oldest unread
// element when begin is Earliest, and passes them to fn in at most two
// contiguous chunks. The elements are consumed even when fn fails.
func (r *Ring[E]) Read(ctx context.Context, begin, n int64, fn func(start int64, chunk []E) error) error {
	if n <= 0 || n > r.Capacity() {
		return fmt.Errorf("%w: ring %q read of %d elements", errspkg.ErrCapacityExceeded, r.lock.Name(), n)
	}

	var (
		granted, end int64
		err          error
	)
	if begin == Earliest {
		granted, err = r.lock.ReadLockEarliest(ctx, n)
		end = r.add(granted, n)
	} else {
		if err := r.position(begin); err != nil {
			return err
		}
		end = r.add(begin, n)
		granted, err = r.lock.ReadLock(ctx, begin, end)
	}
	if err != nil {
		return err
	}

	fnErr := r.visit(granted, r.dist(granted, end), fn)
	if err := r.lock.ReadUnlock(end); err != nil {
		return err
	}
	return fnErr
}

func (r *Ring[E]) visit(start, n int64, fn func(int64, []E) error) error {
	for n > 0 {
		slot := start % r.Capacity()
		chunk := min(n, r.Capacity()-slot)
		if err := fn(start, r.slots[slot:slot+chunk]); err != nil {
			return err
		}
		start = r.add(start, chunk)
		n -= chunk
	}
	return nil
}

// Clear discards all data and aborts blocked callers.
func (r *Ring[E]) Clear() {
	r.lock.Clear()
}
