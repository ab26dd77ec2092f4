package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/logging"
)

// DefaultIdleInterval is how long Run pauses after a cycle in which every
// due node yielded.
const DefaultIdleInterval = time.Millisecond

// RetryConfig customises retries of transient node failures.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (cfg RetryConfig) withDefaults() RetryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	return cfg
}

// Config customises a Scheduler.
type Config struct {
	Name         string
	Retry        RetryConfig
	Hooks        Hooks
	IdleInterval time.Duration
	Logger       logging.ServiceLogger
}

// Option customises how a node is scheduled.
type Option func(*entry)

// WithRate runs the node every n-th cycle. The default rate is 1.
func WithRate(n int) Option {
	return func(e *entry) { e.stats.Rate = n }
}

// WithPhase offsets the node within its rate: it runs in the cycles c with
// c mod rate == p.
func WithPhase(p int) Option {
	return func(e *entry) { e.stats.Phase = p }
}

// NodeStats is a snapshot of one node's history.
type NodeStats struct {
	Name          string        `json:"name"`
	Rate          int           `json:"rate"`
	Phase         int           `json:"phase"`
	Invocations   uint64        `json:"invocations"`
	Successes     uint64        `json:"successes"`
	Failures      uint64        `json:"failures"`
	Retries       uint64        `json:"retries"`
	Yields        uint64        `json:"yields"`
	Terminated    bool          `json:"terminated"`
	LastError     string        `json:"last_error,omitempty"`
	LastDuration  time.Duration `json:"last_duration_ns"`
	TotalDuration time.Duration `json:"total_duration_ns"`
}

// NodeError is the failure that terminated a node.
type NodeError struct {
	Node  string
	Cycle uint64
	Err   error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("tbflow: node %s terminated in cycle %d: %v", e.Node, e.Cycle, e.Err)
}

func (e *NodeError) Unwrap() error {
	return e.Err
}

type entry struct {
	node     Node
	stats    NodeStats
	terminal *NodeError
}

func (e *entry) due(cycle uint64) bool {
	return cycle%uint64(e.stats.Rate) == uint64(e.stats.Phase)
}

// outcome of one scheduled invocation.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeYield
	outcomeStopped
	outcomeTerminated
)

// Scheduler runs nodes cooperatively on the calling goroutine. A node that
// fails with a transient error is retried as a whole with exponential
// backoff; any other failure terminates that node only, and the remaining
// nodes keep running.
type Scheduler struct {
	name   string
	retry  RetryConfig
	hooks  Hooks
	idle   time.Duration
	logger logging.ServiceLogger

	mu      sync.Mutex
	entries []*entry
	names   map[string]struct{}
	cycle   uint64
}

// NewScheduler creates an empty scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if cfg.Name == "" {
		cfg.Name = "pipeline"
	}
	return &Scheduler{
		name:   cfg.Name,
		retry:  cfg.Retry.withDefaults(),
		hooks:  cfg.Hooks,
		idle:   cfg.IdleInterval,
		logger: logging.Component(cfg.Logger, "scheduler", cfg.Name, nil),
		names:  make(map[string]struct{}),
	}
}

// Add appends node to the cycle. Nodes run in the order they were added.
func (s *Scheduler) Add(node Node, opts ...Option) error {
	if node == nil || node.Name() == "" {
		return errors.New("pipeline: node must have a name")
	}
	e := &entry{node: node, stats: NodeStats{Name: node.Name(), Rate: 1}}
	for _, opt := range opts {
		opt(e)
	}
	if e.stats.Rate < 1 {
		return fmt.Errorf("pipeline: node %s: rate must be positive, got %d", node.Name(), e.stats.Rate)
	}
	if e.stats.Phase < 0 || e.stats.Phase >= e.stats.Rate {
		return fmt.Errorf("pipeline: node %s: phase %d outside [0, %d)", node.Name(), e.stats.Phase, e.stats.Rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[node.Name()]; ok {
		return fmt.Errorf("pipeline: duplicate node %s", node.Name())
	}
	s.names[node.Name()] = struct{}{}
	s.entries = append(s.entries, e)
	return nil
}

// Cycle returns the number of cycles started so far.
func (s *Scheduler) Cycle() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycle
}

// Live returns the number of nodes that have not terminated.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.terminal == nil {
			n++
		}
	}
	return n
}

// Stats returns a snapshot of every node, in schedule order.
func (s *Scheduler) Stats() []NodeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]NodeStats, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.stats
	}
	return out
}

// Err joins the errors of every terminated node.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, e := range s.entries {
		if e.terminal != nil {
			errs = append(errs, e.terminal)
		}
	}
	return errors.Join(errs...)
}

// RunCycle invokes every live node due in the next cycle. It returns the
// errors of the nodes that terminated during the cycle, and the context
// error if the cycle was cut short.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	_, err := s.runCycle(ctx)
	return err
}

func (s *Scheduler) runCycle(ctx context.Context) (idle bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	cycle := s.cycle
	s.cycle++
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	var errs []error
	yields, done := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		s.mu.Lock()
		skip := e.terminal != nil || !e.due(cycle)
		s.mu.Unlock()
		if skip {
			continue
		}
		switch s.invoke(ctx, e, cycle) {
		case outcomeDone:
			done++
		case outcomeYield:
			yields++
		case outcomeTerminated:
			s.mu.Lock()
			errs = append(errs, e.terminal)
			s.mu.Unlock()
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return yields > 0 && done == 0, errors.Join(errs...)
}

// Run executes cycles until cycles have run, every node has terminated, or
// ctx is done. A cycles value of zero or less means no limit. It returns
// the joined errors of the terminated nodes; cancellation is a normal stop.
func (s *Scheduler) Run(ctx context.Context, cycles int) error {
	s.logger.Info("Pipeline starting", logging.LogFields{"nodes": s.Live(), "cycles": cycles})
	for i := 0; cycles <= 0 || i < cycles; i++ {
		if ctx.Err() != nil || s.Live() == 0 {
			break
		}
		idle, _ := s.runCycle(ctx)
		if idle && s.pause(ctx) != nil {
			break
		}
	}
	s.logger.Info("Pipeline stopped", logging.LogFields{"cycle": s.Cycle(), "live": s.Live()})
	return s.Err()
}

func (s *Scheduler) pause(ctx context.Context) error {
	timer := time.NewTimer(s.idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// invoke runs one scheduled invocation of e, retrying transient failures.
func (s *Scheduler) invoke(ctx context.Context, e *entry, cycle uint64) outcome {
	name := e.node.Name()
	attempt := 0
	yielded := false
	op := func() (struct{}, error) {
		nc := &NodeContext{Node: name, Cycle: cycle, Attempt: attempt, Context: ctx, StartedAt: time.Now()}
		attempt++
		s.hooks.start(nc)
		err := e.node.Process(nc.Context)
		nc.Duration = time.Since(nc.StartedAt)
		s.record(e, nc.Duration, err)

		switch {
		case err == nil:
			s.hooks.done(nc)
			return struct{}{}, nil
		case errspkg.Classify(err) == errspkg.CategoryControl:
			// Yielding is not a failure; end the attempt cleanly.
			yielded = true
			s.hooks.done(nc)
			return struct{}{}, nil
		}
		s.hooks.fail(nc, err)
		if ctx.Err() == nil && errspkg.IsTransient(err) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retry.InitialInterval
	b.MaxInterval = s.retry.MaxInterval
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.retry.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.mu.Lock()
			e.stats.Retries++
			s.mu.Unlock()
			s.logger.Debug("Retrying node", logging.LogFields{"node": name, "cycle": cycle, "backoff": next.String(), "error": err.Error()})
		}),
	)

	switch {
	case err == nil && yielded:
		s.mu.Lock()
		e.stats.Yields++
		s.mu.Unlock()
		return outcomeYield
	case err == nil:
		return outcomeDone
	case ctx.Err() != nil:
		return outcomeStopped
	}

	nodeErr := &NodeError{Node: name, Cycle: cycle, Err: err}
	s.mu.Lock()
	e.terminal = nodeErr
	e.stats.Terminated = true
	s.mu.Unlock()
	s.logger.Error("Pipeline node terminated", err, logging.LogFields{
		"node":     name,
		"cycle":    cycle,
		"category": string(errspkg.Classify(err)),
	})
	return outcomeTerminated
}

func (s *Scheduler) record(e *entry, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.stats.Invocations++
	e.stats.LastDuration = d
	e.stats.TotalDuration += d
	switch {
	case err == nil:
		e.stats.Successes++
	case errspkg.Classify(err) == errspkg.CategoryControl:
		// Counted as a yield by invoke.
	default:
		e.stats.Failures++
		e.stats.LastError = err.Error()
	}
}
