package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

func TestRangeLockCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RangeLockDropped("ingest", 8)
	m.RangeLockDropped("ingest", 0)
	m.RangeLockWaited("ingest", "write")
	m.RangeLockWaited("ingest", "write")

	assert.Equal(t, 8.0, testutil.ToFloat64(m.rangeLockDrops.WithLabelValues("ingest")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rangeLockWaits.WithLabelValues("ingest", "write")))
}

func TestConnectionCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ConnectionTransferred("c1", DirectionOut, 120)
	m.ConnectionTransferred("c1", DirectionOut, 30)
	m.ConnectionFailed("c1", errspkg.ErrTruncatedOrCorrupt)
	m.ConnectionFailed("c1", errspkg.ErrWouldBlock)
	m.ConnectionFailed("c1", nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connMessages.WithLabelValues("c1", DirectionOut)))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.connBytes.WithLabelValues("c1", DirectionOut)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connErrors.WithLabelValues("c1", "fatal")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.connErrors))
}

func TestNodeMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.NodeProcessed("correlate", 3*time.Millisecond)
	m.NodeFailed("correlate", errspkg.ErrChannelClosed)

	assert.Equal(t, 1, testutil.CollectAndCount(m.nodeSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeErrors.WithLabelValues("correlate", "transient")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RangeLockDropped("x", 1)
		m.RangeLockWaited("x", "read")
		m.ConnectionTransferred("x", DirectionIn, 1)
		m.ConnectionFailed("x", errspkg.ErrAborted)
		m.NodeProcessed("x", time.Second)
		m.NodeFailed("x", errspkg.ErrAborted)
	})
}

func TestRegisterIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	// A second instance sharing the registry hits AlreadyRegisteredError.
	other := New(reg)
	require.NoError(t, other.Register())
}

func TestReset(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RangeLockDropped("ingest", 3)
	m.Reset()
	assert.Equal(t, 0, testutil.CollectAndCount(m.rangeLockDrops))
}
