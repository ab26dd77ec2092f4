package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
)

// NodeContext describes one node invocation to hooks.
type NodeContext struct {
	// Node is the name of the node being invoked.
	Node string
	// Cycle is the scheduler cycle the invocation belongs to.
	Cycle uint64
	// Attempt counts retries of the invocation, starting at zero.
	Attempt int
	// Context is passed to Process. OnStart hooks may replace it.
	Context context.Context
	// StartedAt is when the attempt started.
	StartedAt time.Time
	// Duration is how long the attempt took (only set in OnDone and OnError).
	Duration time.Duration
}

// Hooks defines callbacks for node invocations.
// All hooks are optional - nil hooks are simply not called.
type Hooks struct {
	// OnStart is called before Process.
	OnStart func(nc *NodeContext)

	// OnDone is called when Process returns nil.
	OnDone func(nc *NodeContext)

	// OnError is called when Process fails, once per attempt. Routine
	// control signals such as ErrWouldBlock are not reported.
	OnError func(nc *NodeContext, err error)
}

// Merge combines two Hooks, creating a new Hooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(*NodeContext)) func(*NodeContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(nc *NodeContext) {
		a(nc)
		b(nc)
	}
}

func chainErrorHooks(a, b func(*NodeContext, error)) func(*NodeContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(nc *NodeContext, err error) {
		a(nc, err)
		b(nc, err)
	}
}

func (h Hooks) start(nc *NodeContext) {
	if h.OnStart != nil {
		h.OnStart(nc)
	}
}

func (h Hooks) done(nc *NodeContext) {
	if h.OnDone != nil {
		h.OnDone(nc)
	}
}

func (h Hooks) fail(nc *NodeContext, err error) {
	if h.OnError != nil {
		h.OnError(nc, err)
	}
}

// LoggingHooks returns hooks that log node invocations. Starts and
// completions are logged at debug level.
func LoggingHooks(logger logging.ServiceLogger) Hooks {
	logger = logging.OrNop(logger)
	return Hooks{
		OnStart: func(nc *NodeContext) {
			logger.Trace("Node started", logging.LogFields{
				"node":    nc.Node,
				"cycle":   nc.Cycle,
				"attempt": nc.Attempt,
			})
		},
		OnDone: func(nc *NodeContext) {
			logger.Debug("Node completed", logging.LogFields{
				"node":        nc.Node,
				"cycle":       nc.Cycle,
				"duration_ms": nc.Duration.Milliseconds(),
			})
		},
		OnError: func(nc *NodeContext, err error) {
			logger.Error("Node failed", err, logging.LogFields{
				"node":        nc.Node,
				"cycle":       nc.Cycle,
				"attempt":     nc.Attempt,
				"category":    string(errspkg.Classify(err)),
				"duration_ms": nc.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that record invocation durations and failures.
func MetricsHooks(m *metrics.Metrics) Hooks {
	return Hooks{
		OnDone: func(nc *NodeContext) {
			m.NodeProcessed(nc.Node, nc.Duration)
		},
		OnError: func(nc *NodeContext, err error) {
			m.NodeProcessed(nc.Node, nc.Duration)
			m.NodeFailed(nc.Node, err)
		},
	}
}

// TracingHooks returns hooks that wrap each attempt in an OpenTelemetry
// span. A nil tracer selects the global tracer provider.
func TracingHooks(tracer trace.Tracer) Hooks {
	if tracer == nil {
		tracer = otel.Tracer("github.com/drblury/tbflow/pipeline")
	}
	return Hooks{
		OnStart: func(nc *NodeContext) {
			ctx, _ := tracer.Start(nc.Context, "ProcessNode", trace.WithAttributes(
				attribute.String("node.name", nc.Node),
				attribute.Int64("node.cycle", int64(nc.Cycle)),
				attribute.Int("node.attempt", nc.Attempt),
			))
			nc.Context = ctx
		},
		OnDone: func(nc *NodeContext) {
			trace.SpanFromContext(nc.Context).End()
		},
		OnError: func(nc *NodeContext, err error) {
			span := trace.SpanFromContext(nc.Context)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
		},
	}
}
