package rangelock

import (
	"github.com/drblury/tbflow/internal/runtime/logging"
	"github.com/drblury/tbflow/internal/runtime/metrics"
)

// Option configures a RangeLock.
type Option[T Element] func(*RangeLock[T])

// WithOverwrite makes writers discard unread data instead of waiting.
func WithOverwrite[T Element](on bool) Option[T] {
	return func(r *RangeLock[T]) { r.overwrite = on }
}

// WithMaxSpan limits the span of a single lock request. Defaults to the capacity.
func WithMaxSpan[T Element](span T) Option[T] {
	return func(r *RangeLock[T]) { r.maxSpan = span }
}

// WithNull sets the sentinel begin value meaning "earliest available".
// Defaults to the domain maximum, which is never a valid position.
func WithNull[T Element](null T) Option[T] {
	return func(r *RangeLock[T]) { r.null = null }
}

// WithLogger sets the logger receiving overwrite events.
func WithLogger[T Element](log logging.ServiceLogger) Option[T] {
	return func(r *RangeLock[T]) { r.log = logging.OrNop(log) }
}

// WithMetrics records drops and waits.
func WithMetrics[T Element](m *metrics.Metrics) Option[T] {
	return func(r *RangeLock[T]) { r.metrics = m }
}
