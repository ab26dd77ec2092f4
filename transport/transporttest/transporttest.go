// Package transporttest provides channel doubles for exercising code that
// sits on top of the transport contracts.
package transporttest

import (
	"context"
	"errors"
	"sync"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/transport"
)

// Config is a settable transport.Config.
type Config struct {
	SubjectPrefix      string
	KafkaBrokers       []string
	KafkaConsumerGroup string
	RabbitMQURL        string
	NATSURL            string
	HTTPServerAddress  string
	HTTPPublisherURL   string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

var _ transport.Config = (*Config)(nil)

func (c *Config) GetSubjectPrefix() string      { return c.SubjectPrefix }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaConsumerGroup() string { return c.KafkaConsumerGroup }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetHTTPServerAddress() string  { return c.HTTPServerAddress }
func (c *Config) GetHTTPPublisherURL() string   { return c.HTTPPublisherURL }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// Pipe is an in-memory channel between ranks whose non-blocking calls move
// at most Chunk bytes each, so callers see partial transfers.
type Pipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queues map[[3]int][]byte
	closed bool

	chunk    int
	capacity int
	blocking bool
	sendErr  error
	recvErr  error
	trySends int
	tryRecvs int
}

// NewPipe creates a non-blocking pipe moving at most chunk bytes per call.
// A chunk of zero or less moves everything available.
func NewPipe(chunk int) *Pipe {
	p := &Pipe{queues: make(map[[3]int][]byte), chunk: chunk}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetBlocking makes the pipe's ends report IsBlocking.
func (p *Pipe) SetBlocking(blocking bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocking = blocking
}

// SetCapacity bounds each route's queue for non-blocking sends, which then
// accept only what fits and report ErrWouldBlock when full. Zero removes
// the bound. Blocking sends ignore it.
func (p *Pipe) SetCapacity(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity = n
}

// FailSend makes every following send return err. Nil clears the fault.
func (p *Pipe) FailSend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendErr = err
}

// FailRecv makes every following receive return err. Nil clears the fault.
func (p *Pipe) FailRecv(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recvErr = err
}

// Inject queues raw bytes as if src had sent them to dst on tag.
func (p *Pipe) Inject(src, dst, tag int, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := [3]int{src, dst, tag}
	p.queues[k] = append(p.queues[k], data...)
	p.cond.Broadcast()
}

// Pending returns the bytes queued from src to dst on tag.
func (p *Pipe) Pending(src, dst, tag int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[[3]int{src, dst, tag}])
}

// Calls returns how many TrySend and TryRecv calls the pipe has served.
func (p *Pipe) Calls() (trySends, tryRecvs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trySends, p.tryRecvs
}

// Close closes every end.
func (p *Pipe) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
}

// End returns rank's end of the pipe.
func (p *Pipe) End(rank int) *End {
	return &End{pipe: p, rank: rank}
}

func (p *Pipe) take(n int) int {
	if p.chunk > 0 && n > p.chunk {
		return p.chunk
	}
	return n
}

// End is one rank's view of a Pipe.
type End struct {
	pipe *Pipe
	rank int
}

var (
	_ transport.BlockingChannel    = (*End)(nil)
	_ transport.NonBlockingChannel = (*End)(nil)
	_ transport.Prober             = (*End)(nil)
)

func (e *End) Name() string { return "pipe" }

func (e *End) IsBlocking() bool {
	e.pipe.mu.Lock()
	defer e.pipe.mu.Unlock()
	return e.pipe.blocking
}

func (e *End) ConnectionPossible(src, dst int) bool {
	return src >= 0 && dst >= 0 && (src == e.rank || dst == e.rank)
}

// Close closes the whole pipe.
func (e *End) Close() error {
	e.pipe.Close()
	return nil
}

func (e *End) TrySend(p []byte, dst, tag int) (int, error) {
	if err := transport.CheckRoute(e, e.rank, dst, tag); err != nil {
		return 0, err
	}
	pp := e.pipe
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.trySends++
	if pp.sendErr != nil {
		return 0, pp.sendErr
	}
	if pp.closed {
		return 0, errspkg.ErrChannelClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	k := [3]int{e.rank, dst, tag}
	n := pp.take(len(p))
	if pp.capacity > 0 {
		space := pp.capacity - len(pp.queues[k])
		if space <= 0 {
			return 0, errspkg.ErrWouldBlock
		}
		n = min(n, space)
	}
	pp.queues[k] = append(pp.queues[k], p[:n]...)
	pp.cond.Broadcast()
	return n, nil
}

func (e *End) TryRecv(p []byte, src, tag int) (int, error) {
	if err := transport.CheckRoute(e, src, e.rank, tag); err != nil {
		return 0, err
	}
	pp := e.pipe
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.tryRecvs++
	return pp.recvLocked(p, src, e.rank, tag)
}

func (p *Pipe) recvLocked(b []byte, src, dst, tag int) (int, error) {
	if p.recvErr != nil {
		return 0, p.recvErr
	}
	k := [3]int{src, dst, tag}
	q := p.queues[k]
	if len(q) == 0 {
		if p.closed {
			return 0, errspkg.ErrChannelClosed
		}
		return 0, errspkg.ErrWouldBlock
	}
	n := copy(b[:p.take(len(b))], q)
	p.queues[k] = q[n:]
	return n, nil
}

func (e *End) Ready(src, tag int) bool {
	return e.pipe.Pending(src, e.rank, tag) > 0
}

// Send queues all of p at once.
func (e *End) Send(ctx context.Context, p []byte, dst, tag int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := transport.CheckRoute(e, e.rank, dst, tag); err != nil {
		return err
	}
	pp := e.pipe
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.sendErr != nil {
		return pp.sendErr
	}
	if pp.closed {
		return errspkg.ErrChannelClosed
	}
	k := [3]int{e.rank, dst, tag}
	pp.queues[k] = append(pp.queues[k], p...)
	pp.cond.Broadcast()
	return nil
}

// Recv waits until p can be filled.
func (e *End) Recv(ctx context.Context, p []byte, src, tag int) error {
	if err := transport.CheckRoute(e, src, e.rank, tag); err != nil {
		return err
	}
	pp := e.pipe
	stop := context.AfterFunc(ctx, func() {
		pp.mu.Lock()
		pp.cond.Broadcast()
		pp.mu.Unlock()
	})
	defer stop()

	pp.mu.Lock()
	defer pp.mu.Unlock()
	k := [3]int{src, e.rank, tag}
	for len(pp.queues[k]) < len(p) {
		if pp.recvErr != nil {
			return pp.recvErr
		}
		if pp.closed {
			return errspkg.ErrChannelClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		pp.cond.Wait()
	}
	if pp.recvErr != nil {
		return pp.recvErr
	}
	n := copy(p, pp.queues[k])
	pp.queues[k] = pp.queues[k][n:]
	return nil
}

// ErrInjected is a convenience fault for FailSend and FailRecv.
var ErrInjected = errors.New("transporttest: injected fault")
