package runtime

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/buffer/kinds"
	configpkg "github.com/drblury/tbflow/internal/runtime/config"
	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/pipeline"
	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/memory"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func memoryRegistry(hub *memory.Hub) *transport.Registry {
	reg := transport.NewRegistry()
	reg.Register(memory.TransportName, memory.Builder(hub), transport.MemoryCapabilities)
	return reg
}

func edge(name, role string, peer int) configpkg.EdgeConfig {
	return configpkg.EdgeConfig{Name: name, Backend: "memory", Kind: kinds.NameSamples, Peer: peer, Tag: 3, Role: role}
}

func newTestService(t *testing.T, cfg *configpkg.Config, hub *memory.Hub) *Service {
	t.Helper()
	svc, err := NewService(cfg, newTestLogger(), ServiceDependencies{Transports: memoryRegistry(hub)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestNewServiceValidatesConfig(t *testing.T) {
	_, err := NewService(nil, nil, ServiceDependencies{})
	assert.ErrorContains(t, err, "config is nil")

	_, err = NewService(&configpkg.Config{Edges: []configpkg.EdgeConfig{edge("bad", "sideways", 1)}}, nil, ServiceDependencies{})
	assert.ErrorContains(t, err, "role must be")
}

func TestNewServiceDefaults(t *testing.T) {
	svc, err := NewService(&configpkg.Config{}, nil, ServiceDependencies{})
	require.NoError(t, err)

	assert.Nil(t, svc.Metrics(), "metrics are opt-in")
	for _, name := range []string{"memory", "file", "stream", "cluster", "link", "broker"} {
		assert.True(t, svc.transports.Has(name), name)
	}
	_, err = svc.Buffers().MakeByName(kinds.NameMetadata, "m")
	assert.NoError(t, err)
}

func TestOpenEdgeMovesRecordsBetweenServices(t *testing.T) {
	hub := memory.NewHub()
	sender := newTestService(t, &configpkg.Config{Rank: 0, Edges: []configpkg.EdgeConfig{edge("out", configpkg.RoleSend, 1)}}, hub)
	receiver := newTestService(t, &configpkg.Config{Rank: 1, Edges: []configpkg.EdgeConfig{edge("in", configpkg.RoleRecv, 0)}}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := sender.OpenEdge(ctx, "out")
	require.NoError(t, err)
	in, err := receiver.OpenEdge(ctx, "in")
	require.NoError(t, err)
	assert.NotNil(t, out.Source())
	assert.Nil(t, out.Destination())
	assert.NotNil(t, in.Destination())

	again, err := sender.OpenEdge(ctx, "out")
	require.NoError(t, err)
	assert.Same(t, out, again)

	var seq uint32
	require.NoError(t, sender.AddNode(pipeline.WriteNode("producer", out, func(_ context.Context, b buffer.Buffer) error {
		seq++
		b.(*kinds.Samples).SetSequence(seq)
		return nil
	})))
	var got []uint32
	require.NoError(t, receiver.AddNode(pipeline.ReadNode("consumer", in, func(_ context.Context, b buffer.Buffer) error {
		got = append(got, b.(*kinds.Samples).Sequence())
		return nil
	})))

	done := make(chan error, 1)
	go func() { done <- sender.Scheduler().Run(ctx, 3) }()
	require.NoError(t, receiver.Scheduler().Run(ctx, 3))
	require.NoError(t, <-done)
	assert.Equal(t, []uint32{1, 2, 3}, got)

	st := receiver.Status()
	require.Len(t, st.Edges, 1)
	assert.Equal(t, "in", st.Edges[0].Name)
	assert.Equal(t, memory.TransportName, st.Edges[0].Backend)
	assert.Equal(t, "idle", st.Edges[0].State)
	assert.EqualValues(t, 3, st.Cycle)
	assert.Equal(t, 1, st.LiveNodes)
}

func TestOpenEdgeErrors(t *testing.T) {
	hub := memory.NewHub()
	cfg := &configpkg.Config{Edges: []configpkg.EdgeConfig{
		{Name: "kind", Backend: "memory", Kind: "bogus", Peer: 1, Role: configpkg.RoleSend},
		{Name: "backend", Backend: "carrier-pigeon", Kind: kinds.NameRaw, Peer: 1, Role: configpkg.RoleSend},
	}}
	svc := newTestService(t, cfg, hub)
	ctx := context.Background()

	_, err := svc.OpenEdge(ctx, "missing")
	assert.ErrorContains(t, err, "unknown edge")

	_, err = svc.OpenEdge(ctx, "kind")
	assert.ErrorIs(t, err, errspkg.ErrUnknownType)

	_, err = svc.OpenEdge(ctx, "backend")
	assert.ErrorContains(t, err, "unknown transport")
	assert.Empty(t, svc.Status().Edges)
}

func TestRangeLockFromConfig(t *testing.T) {
	cfg := &configpkg.Config{RangeLocks: []configpkg.RangeLockConfig{
		{Name: "iq", Capacity: 8, Min: 0, Max: 64, MaxSpan: 4, Overwrite: true},
	}}
	svc := newTestService(t, cfg, memory.NewHub())

	lock, err := svc.RangeLock("iq")
	require.NoError(t, err)
	assert.EqualValues(t, 8, lock.Capacity())
	assert.True(t, lock.Overwriting())

	_, err = lock.WriteLock(context.Background(), 0, 5)
	assert.ErrorIs(t, err, errspkg.ErrCapacityExceeded, "span above max span")

	again, err := svc.RangeLock("iq")
	require.NoError(t, err)
	assert.Same(t, lock, again)

	_, err = svc.RangeLock("missing")
	assert.ErrorContains(t, err, "unknown range lock")

	st := svc.Status()
	require.Len(t, st.Locks, 1)
	assert.Equal(t, "iq", st.Locks[0].Name)
}

func TestRunDrivesScheduler(t *testing.T) {
	orig := schedulerRun
	t.Cleanup(func() { schedulerRun = orig })
	var ran *pipeline.Scheduler
	schedulerRun = func(s *pipeline.Scheduler, _ context.Context) error {
		ran = s
		return nil
	}

	svc := newTestService(t, &configpkg.Config{}, memory.NewHub())
	require.NoError(t, svc.Run(context.Background()))
	assert.Same(t, svc.Scheduler(), ran)
}

func TestStopDisconnectsEdges(t *testing.T) {
	hub := memory.NewHub()
	svc := newTestService(t, &configpkg.Config{Edges: []configpkg.EdgeConfig{edge("in", configpkg.RoleRecv, 1)}}, hub)
	in, err := svc.OpenEdge(context.Background(), "in")
	require.NoError(t, err)

	require.NoError(t, svc.Stop())
	require.NoError(t, svc.Stop())
	assert.ErrorIs(t, in.Read(context.Background()), errspkg.ErrChannelClosed)
}

func TestServiceRetryConfigReachesScheduler(t *testing.T) {
	cfg := &configpkg.Config{RetryMaxRetries: 1, RetryInitialInterval: time.Millisecond, RetryMaxInterval: time.Millisecond}
	svc := newTestService(t, cfg, memory.NewHub())

	calls := 0
	require.NoError(t, svc.AddNode(pipeline.NodeFunc("flaky", func(context.Context) error {
		calls++
		return errspkg.ErrChannelClosed
	})))
	err := svc.Scheduler().RunCycle(context.Background())
	assert.ErrorIs(t, err, errspkg.ErrChannelClosed)
	assert.Equal(t, 2, calls, "one attempt plus one retry")
}
