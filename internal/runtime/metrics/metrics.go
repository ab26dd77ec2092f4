// Package metrics holds the Prometheus collectors shared by range locks,
// connections and pipeline nodes. Every recording method is safe to call on
// a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
)

const namespace = "tbflow"

// Directions for connection counters.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// Metrics groups the tbflow collectors.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	rangeLockDrops *prometheus.CounterVec
	rangeLockWaits *prometheus.CounterVec
	connMessages   *prometheus.CounterVec
	connBytes      *prometheus.CounterVec
	connErrors     *prometheus.CounterVec
	nodeSeconds    *prometheus.HistogramVec
	nodeErrors     *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer selects the Prometheus
// default registerer. Collectors are not registered until Register is called.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:     registerer,
		rangeLockDrops: newCounterVec("rangelock", "drops_total", "Elements discarded by overwriting range locks", "lock"),
		rangeLockWaits: newCounterVec("rangelock", "waits_total", "Times a range lock caller parked waiting for the other side", "lock", "side"),
		connMessages:   newCounterVec("connection", "messages_total", "Records moved over a connection", "connection", "direction"),
		connBytes:      newCounterVec("connection", "bytes_total", "Framed bytes moved over a connection, including the length prefix", "connection", "direction"),
		connErrors:     newCounterVec("connection", "errors_total", "Connection failures by error category", "connection", "category"),
		nodeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "node",
				Name:      "process_seconds",
				Help:      "Duration of pipeline node invocations",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"node"},
		),
		nodeErrors: newCounterVec("node", "errors_total", "Pipeline node failures by error category", "node", "category"),
	}
}

// Collectors returns every collector, for callers that manage their own registry.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.rangeLockDrops,
		m.rangeLockWaits,
		m.connMessages,
		m.connBytes,
		m.connErrors,
		m.nodeSeconds,
		m.nodeErrors,
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range m.Collectors() {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// RangeLockDropped counts n elements lost to an overwrite.
func (m *Metrics) RangeLockDropped(lock string, n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.rangeLockDrops.WithLabelValues(lock).Add(n)
}

// RangeLockWaited counts one park of the given side ("read" or "write").
func (m *Metrics) RangeLockWaited(lock, side string) {
	if m == nil {
		return
	}
	m.rangeLockWaits.WithLabelValues(lock, side).Inc()
}

// ConnectionTransferred counts one record of size bytes.
func (m *Metrics) ConnectionTransferred(connection, direction string, size int) {
	if m == nil {
		return
	}
	m.connMessages.WithLabelValues(connection, direction).Inc()
	m.connBytes.WithLabelValues(connection, direction).Add(float64(size))
}

// ConnectionFailed counts err under its category. Control signals such as
// ErrWouldBlock are not failures and are ignored.
func (m *Metrics) ConnectionFailed(connection string, err error) {
	if m == nil {
		return
	}
	category := errspkg.Classify(err)
	if category == errspkg.CategoryNone || category == errspkg.CategoryControl {
		return
	}
	m.connErrors.WithLabelValues(connection, string(category)).Inc()
}

// NodeProcessed observes one node invocation.
func (m *Metrics) NodeProcessed(node string, d time.Duration) {
	if m == nil {
		return
	}
	m.nodeSeconds.WithLabelValues(node).Observe(d.Seconds())
}

// NodeFailed counts a node failure under its category.
func (m *Metrics) NodeFailed(node string, err error) {
	if m == nil || err == nil {
		return
	}
	m.nodeErrors.WithLabelValues(node, string(errspkg.Classify(err))).Inc()
}

// Reset clears every series. Intended for tests.
func (m *Metrics) Reset() {
	m.rangeLockDrops.Reset()
	m.rangeLockWaits.Reset()
	m.connMessages.Reset()
	m.connBytes.Reset()
	m.connErrors.Reset()
	m.nodeSeconds.Reset()
	m.nodeErrors.Reset()
}
