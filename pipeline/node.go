// Package pipeline schedules dataflow nodes. A Scheduler runs its nodes one
// at a time in a fixed order, each at its own rate relative to the cycle
// counter. Connection reads and writes are the only places a node is
// expected to wait.
package pipeline

import (
	"context"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/ingest"
)

// Node is a scheduled unit of work.
type Node interface {
	Name() string
	// Process runs one invocation to completion.
	Process(ctx context.Context) error
}

type funcNode struct {
	name string
	fn   func(ctx context.Context) error
}

func (n funcNode) Name() string                      { return n.name }
func (n funcNode) Process(ctx context.Context) error { return n.fn(ctx) }

// NodeFunc adapts fn to a Node called name.
func NodeFunc(name string, fn func(ctx context.Context) error) Node {
	return funcNode{name: name, fn: fn}
}

// Reader is the receiving half of a connection.
type Reader interface {
	Read(ctx context.Context) error
	Destination() buffer.Buffer
}

// Writer is the sending half of a connection.
type Writer interface {
	Write(ctx context.Context) error
	Source() buffer.Buffer
}

// ReadNode reads one record from conn, then hands the destination buffer
// to compute.
func ReadNode(name string, conn Reader, compute func(ctx context.Context, in buffer.Buffer) error) Node {
	return NodeFunc(name, func(ctx context.Context) error {
		if err := conn.Read(ctx); err != nil {
			return err
		}
		return compute(ctx, conn.Destination())
	})
}

// WriteNode fills the source buffer with compute, then writes it to conn.
func WriteNode(name string, conn Writer, compute func(ctx context.Context, out buffer.Buffer) error) Node {
	return NodeFunc(name, func(ctx context.Context) error {
		if err := compute(ctx, conn.Source()); err != nil {
			return err
		}
		return conn.Write(ctx)
	})
}

// IngestNode drains n elements per invocation from ring, starting at the
// oldest unread element, and passes them to consume in at most two
// contiguous chunks.
func IngestNode[E any](name string, ring *ingest.Ring[E], n int64, consume func(ctx context.Context, start int64, chunk []E) error) Node {
	return NodeFunc(name, func(ctx context.Context) error {
		return ring.Read(ctx, ingest.Earliest, n, func(start int64, chunk []E) error {
			return consume(ctx, start, chunk)
		})
	})
}
