// Package file provides a record-file channel backend. A sender appends
// every buffer it sends followed by an 8-byte separator; a receiver reads
// the file back sequentially, so a run can be recorded once and replayed.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// TransportName is the name used to register this backend.
const TransportName = "file"

// Separator terminates every send.
var Separator = []byte("TBFLOWRS")

// DefaultPollInterval is how often a following reader re-checks the file at EOF.
const DefaultPollInterval = 50 * time.Millisecond

// Register registers the file backend with reg.
func Register(reg *transport.Registry) {
	reg.Register(TransportName, Build, transport.FileCapabilities)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() transport.Capabilities {
	return transport.FileCapabilities
}

// Build opens the endpoint's path for appending (send) or reading (recv).
func Build(_ context.Context, _ transport.Config, ep transport.Endpoint, logger watermill.LoggerAdapter) (transport.Channel, error) {
	if ep.Path == "" {
		return nil, fmt.Errorf("file: path is required")
	}
	switch ep.Role {
	case transport.RoleSend:
		return NewWriter(ep.Path, ep.Local, ep.Peer, logger)
	case transport.RoleRecv:
		return NewReader(ep.Path, ep.Peer, ep.Local, ReaderOptions{}, logger)
	default:
		return nil, fmt.Errorf("file: unknown role %q", ep.Role)
	}
}

// Writer appends records to a file.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	src, dst int
	logger   watermill.LoggerAdapter
}

var _ transport.BlockingChannel = (*Writer)(nil)

// NewWriter opens path in append mode, creating it if needed.
func NewWriter(path string, src, dst int, logger watermill.LoggerAdapter) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Writer{f: f, src: src, dst: dst, logger: logger}, nil
}

func (w *Writer) Name() string                         { return TransportName }
func (w *Writer) IsBlocking() bool                     { return true }
func (w *Writer) ConnectionPossible(src, dst int) bool { return src == w.src && dst == w.dst }

// Send appends p and the separator in a single write.
func (w *Writer) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := transport.CheckRoute(w, w.src, dst, tag); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return errspkg.ErrChannelClosed
	}
	rec := make([]byte, 0, len(p)+len(Separator))
	rec = append(rec, p...)
	rec = append(rec, Separator...)
	if _, err := w.f.Write(rec); err != nil {
		w.logger.Error("Failed to append record", err, watermill.LogFields{"path": w.f.Name()})
		return err
	}
	return nil
}

// Recv is not supported on a writer.
func (w *Writer) Recv(context.Context, []byte, int, int) error {
	return fmt.Errorf("%w: file writer cannot receive", errspkg.ErrUnsupported)
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := errors.Join(w.f.Sync(), w.f.Close())
	w.f = nil
	return err
}

// ReaderOptions tune a Reader.
type ReaderOptions struct {
	// Follow waits at EOF for the file to grow instead of reporting
	// ErrChannelClosed.
	Follow bool
	// PollInterval is the EOF re-check period when following.
	PollInterval time.Duration
}

// Reader reads records back in order.
type Reader struct {
	mu       sync.Mutex
	f        *os.File
	r        *bufio.Reader
	pos      int64
	src, dst int
	opts     ReaderOptions
	logger   watermill.LoggerAdapter

	// done is closed by Close so a following Recv stops waiting without
	// Close having to take mu first.
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.BlockingChannel = (*Reader)(nil)

// NewReader opens path for sequential reading.
func NewReader(path string, src, dst int, opts ReaderOptions, logger watermill.LoggerAdapter) (*Reader, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Reader{
		f:      f,
		r:      bufio.NewReader(f),
		src:    src,
		dst:    dst,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}, nil
}

func (r *Reader) Name() string                         { return TransportName }
func (r *Reader) IsBlocking() bool                     { return true }
func (r *Reader) ConnectionPossible(src, dst int) bool { return src == r.src && dst == r.dst }

// Send is not supported on a reader.
func (r *Reader) Send(context.Context, []byte, int, int) error {
	return fmt.Errorf("%w: file reader cannot send", errspkg.ErrUnsupported)
}

// Recv fills p with the next record and checks its separator. EOF at a
// record boundary is ErrChannelClosed; EOF inside a record or a separator
// mismatch is ErrTruncatedOrCorrupt.
func (r *Reader) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := transport.CheckRoute(r, src, r.dst, tag); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return errspkg.ErrChannelClosed
	}

	sep := make([]byte, len(Separator))
	for {
		if r.closing() {
			return errspkg.ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := io.ReadFull(r.r, p)
		if err == nil {
			_, err = io.ReadFull(r.r, sep)
			n += len(sep)
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
		}
		switch {
		case err == nil:
			if !bytes.Equal(sep, Separator) {
				return fmt.Errorf("%w: bad record separator at offset %d", errspkg.ErrTruncatedOrCorrupt, r.pos+int64(len(p)))
			}
			r.pos += int64(n)
			return nil
		case !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF):
			return err
		case r.opts.Follow:
			if err := r.rewind(ctx); err != nil {
				return err
			}
		case errors.Is(err, io.EOF) && n == 0:
			return errspkg.ErrChannelClosed
		default:
			return fmt.Errorf("%w: record cut short at offset %d", errspkg.ErrTruncatedOrCorrupt, r.pos)
		}
	}
}

// rewind returns to the last record boundary and waits for the file to grow.
func (r *Reader) rewind(ctx context.Context) error {
	timer := time.NewTimer(r.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return errspkg.ErrChannelClosed
	case <-timer.C:
	}
	if _, err := r.f.Seek(r.pos, io.SeekStart); err != nil {
		r.logger.Error("Failed to seek file", err, watermill.LogFields{"offset": r.pos})
		return err
	}
	r.r.Reset(r.f)
	return nil
}

// Offset returns the byte offset of the next record.
func (r *Reader) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

func (r *Reader) closing() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Close stops a following Recv and closes the file.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
