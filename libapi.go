package tbflow

import (
	"context"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/buffer/kinds"
	"github.com/drblury/tbflow/connection"
	"github.com/drblury/tbflow/group"
	"github.com/drblury/tbflow/ingest"
	runtimepkg "github.com/drblury/tbflow/internal/runtime"
	configpkg "github.com/drblury/tbflow/internal/runtime/config"
	errspkg "github.com/drblury/tbflow/internal/runtime/errors"
	idspkg "github.com/drblury/tbflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/tbflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/tbflow/internal/runtime/logging"
	metricspkg "github.com/drblury/tbflow/internal/runtime/metrics"
	"github.com/drblury/tbflow/pipeline"
	"github.com/drblury/tbflow/rangelock"
	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/transports"
	"github.com/drblury/tbflow/wire"
)

type (
	Config              = configpkg.Config
	EdgeConfig          = configpkg.EdgeConfig
	RangeLockConfig     = configpkg.RangeLockConfig
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Status              = runtimepkg.Status

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	Metrics       = metricspkg.Metrics

	// Records and buffers
	ByteOrder      = wire.ByteOrder
	Kind           = buffer.Kind
	Buffer         = buffer.Buffer
	BufferRegistry = buffer.Registry
	Layout         = buffer.Layout
	Field          = buffer.Field
	Samples        = kinds.Samples
	MetadataBuffer = kinds.Metadata
	Raw            = kinds.Raw

	// Transport
	Channel               = transport.Channel
	BlockingChannel       = transport.BlockingChannel
	NonBlockingChannel    = transport.NonBlockingChannel
	Endpoint              = transport.Endpoint
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities

	// Dataflow
	Connection       = connection.Connection
	ConnectionConfig = connection.Config
	Group            = group.Group
	GroupConfig      = group.Config
	Node             = pipeline.Node
	Scheduler        = pipeline.Scheduler
	SchedulerConfig  = pipeline.Config
	NodeHooks        = pipeline.Hooks
	NodeContext      = pipeline.NodeContext
	NodeStats        = pipeline.NodeStats
	NodeError        = pipeline.NodeError

	IngestRing[E any]              = ingest.Ring[E]
	RangeLock[T rangelock.Element] = rangelock.RangeLock[T]

	RecordError           = errspkg.RecordError
	ConfigValidationError = errspkg.ConfigValidationError
	ErrorCategory         = errspkg.Category
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	NewBufferRegistry = buffer.NewRegistry
	RegisterKinds     = kinds.Register
	Encode            = buffer.Encode
	Decode            = buffer.Decode
	HostOrder         = wire.HostOrder

	NewTransportRegistry     = transports.NewRegistry
	DefaultTransportRegistry = transport.DefaultRegistry
	GetCapabilities          = transport.GetCapabilities

	NewConnection = connection.New
	NewGroup      = group.New
	NewScheduler  = pipeline.NewScheduler
	NodeFunc      = pipeline.NodeFunc
	ReadNode      = pipeline.ReadNode
	WriteNode     = pipeline.WriteNode
	WithRate      = pipeline.WithRate
	WithPhase     = pipeline.WithPhase

	LoggingHooks = pipeline.LoggingHooks
	MetricsHooks = pipeline.MetricsHooks
	TracingHooks = pipeline.TracingHooks

	NewMetrics = metricspkg.New

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal

	ErrVersionMismatch     = errspkg.ErrVersionMismatch
	ErrUnknownType         = errspkg.ErrUnknownType
	ErrTruncatedOrCorrupt  = errspkg.ErrTruncatedOrCorrupt
	ErrCapacityExceeded    = errspkg.ErrCapacityExceeded
	ErrChannelClosed       = errspkg.ErrChannelClosed
	ErrWouldBlock          = errspkg.ErrWouldBlock
	ErrAborted             = errspkg.ErrAborted
	ErrKindMismatch        = errspkg.ErrKindMismatch
	ErrReadSpanOverwritten = errspkg.ErrReadSpanOverwritten
	ErrConnectionAborted   = errspkg.ErrConnectionAborted
	ErrConfigRequired      = errspkg.ErrConfigRequired
	ErrUnsupported         = errspkg.ErrUnsupported
	Classify               = errspkg.Classify

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	CreateULID = idspkg.CreateULID
)

// Error categories returned by Classify.
const (
	ErrorCategoryNone      = errspkg.CategoryNone
	ErrorCategoryControl   = errspkg.CategoryControl
	ErrorCategoryTransient = errspkg.CategoryTransient
	ErrorCategoryFatal     = errspkg.CategoryFatal
	ErrorCategoryOther     = errspkg.CategoryOther
)

// Byte orders a record can be encoded in.
const (
	LittleEndian = wire.LittleEndian
	BigEndian    = wire.BigEndian
)

// NewRangeLock creates a lock over [min, max) holding at most capacity
// elements.
func NewRangeLock[T rangelock.Element](name string, capacity, min, max T, opts ...rangelock.Option[T]) (*rangelock.RangeLock[T], error) {
	return rangelock.New(name, capacity, min, max, opts...)
}

// NewIngestRing creates a ring of capacity elements guarded by a range lock.
func NewIngestRing[E any](name string, capacity int64, opts ...rangelock.Option[int64]) (*ingest.Ring[E], error) {
	return ingest.New[E](name, capacity, opts...)
}

// IngestNode drains n elements per invocation from ring.
func IngestNode[E any](name string, ring *ingest.Ring[E], n int64, consume func(ctx context.Context, start int64, chunk []E) error) Node {
	return pipeline.IngestNode(name, ring, n, consume)
}
