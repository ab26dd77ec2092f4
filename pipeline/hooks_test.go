package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
)

func TestMergeCallsBothInOrder(t *testing.T) {
	var calls []string
	a := Hooks{
		OnStart: func(*NodeContext) { calls = append(calls, "a.start") },
		OnError: func(*NodeContext, error) { calls = append(calls, "a.error") },
	}
	b := Hooks{
		OnStart: func(*NodeContext) { calls = append(calls, "b.start") },
		OnDone:  func(*NodeContext) { calls = append(calls, "b.done") },
	}
	merged := a.Merge(b)
	nc := &NodeContext{Node: "n"}
	merged.start(nc)
	merged.done(nc)
	merged.fail(nc, errors.New("x"))

	assert.Equal(t, []string{"a.start", "b.start", "b.done", "a.error"}, calls)
	Hooks{}.Merge(Hooks{}).start(nc)
}

func TestSchedulerInvokesHooks(t *testing.T) {
	var events []string
	hooks := Hooks{
		OnStart: func(nc *NodeContext) { events = append(events, "start") },
		OnDone:  func(nc *NodeContext) { events = append(events, "done") },
		OnError: func(nc *NodeContext, err error) { events = append(events, "error:"+string(errspkg.Classify(err))) },
	}
	s := NewScheduler(Config{Hooks: hooks, Retry: fastRetry()})
	calls := 0
	require.NoError(t, s.Add(NodeFunc("n", func(context.Context) error {
		calls++
		if calls == 1 {
			return errspkg.ErrChannelClosed
		}
		return nil
	})))

	require.NoError(t, s.RunCycle(context.Background()))
	assert.Equal(t, []string{"start", "error:transient", "start", "done"}, events)
}

func TestLoggingHooks(t *testing.T) {
	capture := watermill.NewCaptureLogger()
	hooks := LoggingHooks(logging.NewWatermillServiceLogger(capture))
	nc := &NodeContext{Node: "fft", Cycle: 4, Duration: 3 * time.Millisecond}

	hooks.OnStart(nc)
	hooks.OnDone(nc)
	hooks.OnError(nc, errspkg.ErrTruncatedOrCorrupt)

	captured := capture.Captured()
	require.Len(t, captured[watermill.DebugLogLevel], 1)
	assert.Equal(t, "Node completed", captured[watermill.DebugLogLevel][0].Msg)
	require.Len(t, captured[watermill.ErrorLogLevel], 1)
	failed := captured[watermill.ErrorLogLevel][0]
	assert.Equal(t, "fft", failed.Fields["node"])
	assert.Equal(t, "fatal", failed.Fields["category"])
	assert.ErrorIs(t, failed.Err, errspkg.ErrTruncatedOrCorrupt)

	LoggingHooks(nil).OnDone(nc)
}

func TestMetricsHooks(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	require.NoError(t, m.Register())
	hooks := MetricsHooks(m)
	nc := &NodeContext{Node: "fft", Duration: time.Millisecond}

	hooks.OnDone(nc)
	hooks.OnError(nc, errspkg.ErrTruncatedOrCorrupt)
	hooks.OnError(nc, errspkg.ErrTruncatedOrCorrupt)

	collectors := m.Collectors()
	assert.Equal(t, 1, testutil.CollectAndCount(collectors[5]))
	assert.EqualValues(t, 2, testutil.ToFloat64(collectors[6]))

	MetricsHooks(nil).OnDone(nc)
}

// spanRecorder counts the spans it starts.
type spanRecorder struct {
	noop.Tracer
	names []string
}

func (r *spanRecorder) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	r.names = append(r.names, name)
	return r.Tracer.Start(ctx, name, opts...)
}

func TestTracingHooksWrapEachAttempt(t *testing.T) {
	tracer := &spanRecorder{}
	var seen []context.Context
	base := context.Background()

	s := NewScheduler(Config{Hooks: TracingHooks(tracer)})
	require.NoError(t, s.Add(NodeFunc("n", func(ctx context.Context) error {
		seen = append(seen, ctx)
		return nil
	})))
	require.NoError(t, s.Run(base, 2))

	assert.Equal(t, []string{"ProcessNode", "ProcessNode"}, tracer.names)
	require.Len(t, seen, 2)
	assert.NotEqual(t, base, seen[0], "Process receives the span context")

	hooks := TracingHooks(nil)
	nc := &NodeContext{Node: "n", Context: base}
	hooks.OnStart(nc)
	hooks.OnError(nc, errors.New("failed"))
}
