package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/tbflow/buffer"
	"github.com/drblury/tbflow/buffer/kinds"
	"github.com/drblury/tbflow/connection"
	configpkg "github.com/drblury/tbflow/internal/runtime/config"
	loggingpkg "github.com/drblury/tbflow/internal/runtime/logging"
	metricspkg "github.com/drblury/tbflow/internal/runtime/metrics"
	"github.com/drblury/tbflow/pipeline"
	"github.com/drblury/tbflow/rangelock"
	"github.com/drblury/tbflow/transport"
	"github.com/drblury/tbflow/transport/transports"
)

var schedulerRun = func(s *pipeline.Scheduler, ctx context.Context) error {
	return s.Run(ctx, 0)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the built-in defaults.
type ServiceDependencies struct {
	// Transports resolves edge backends. Defaults to every built-in backend.
	Transports *transport.Registry
	// Buffers resolves edge kinds. Defaults to the stock kinds.
	Buffers *buffer.Registry
	// Registry receives the collectors when metrics are enabled. Defaults to
	// a fresh registry owned by the service.
	Registry *prometheus.Registry
	// Tracer wraps every node invocation in a span. Nil uses the global
	// provider.
	Tracer trace.Tracer
	// Hooks run after the default logging, metrics and tracing hooks.
	Hooks pipeline.Hooks
}

// Service wires the buffer and transport registries, metrics and a
// scheduler around one process's slice of the topology.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	wmLogger   watermill.LoggerAdapter
	transports *transport.Registry
	buffers    *buffer.Registry
	registry   *prometheus.Registry
	metrics    *metricspkg.Metrics
	scheduler  *pipeline.Scheduler

	edgesMu sync.Mutex
	edges   map[string]*connection.Connection
	locks   map[string]*rangelock.RangeLock[int64]

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server
	stopOnce      sync.Once

	resourceOnce    sync.Once
	resourceTracker *resourceTracker
}

// NewService validates conf and constructs a Service. Add nodes on the
// returned Service before calling Run.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("runtime: invalid config: %w", err)
	}
	log = loggingpkg.OrNop(log).With(loggingpkg.LogFields{"rank": conf.Rank})
	log.Info("Creating dataflow service", loggingpkg.LogFields{
		"edges":  len(conf.Edges),
		"config": conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		wmLogger:   loggingpkg.NewWatermillAdapter(log),
		transports: deps.Transports,
		buffers:    deps.Buffers,
		registry:   deps.Registry,
		edges:      make(map[string]*connection.Connection),
		locks:      make(map[string]*rangelock.RangeLock[int64]),
	}
	if s.transports == nil {
		s.transports = transports.NewRegistry()
	}
	if s.buffers == nil {
		s.buffers = buffer.NewRegistry()
		if err := kinds.Register(s.buffers); err != nil {
			return nil, err
		}
	}
	if conf.MetricsEnabled {
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
		}
		s.metrics = metricspkg.New(s.registry)
		if err := s.metrics.Register(); err != nil {
			return nil, fmt.Errorf("runtime: register metrics: %w", err)
		}
	}

	hooks := pipeline.LoggingHooks(log).
		Merge(pipeline.MetricsHooks(s.metrics)).
		Merge(pipeline.TracingHooks(deps.Tracer)).
		Merge(deps.Hooks)
	s.scheduler = pipeline.NewScheduler(pipeline.Config{
		Name:  fmt.Sprintf("rank-%d", conf.Rank),
		Hooks: hooks,
		Retry: pipeline.RetryConfig{
			MaxRetries:      conf.RetryMaxRetries,
			InitialInterval: conf.RetryInitialInterval,
			MaxInterval:     conf.RetryMaxInterval,
		},
		Logger: log,
	})
	return s, nil
}

// Scheduler returns the scheduler that Run drives.
func (s *Service) Scheduler() *pipeline.Scheduler { return s.scheduler }

// Metrics returns the service collectors, or nil when metrics are disabled.
func (s *Service) Metrics() *metricspkg.Metrics { return s.metrics }

// Buffers returns the buffer kind registry.
func (s *Service) Buffers() *buffer.Registry { return s.buffers }

// AddNode schedules node. See pipeline.Scheduler.Add.
func (s *Service) AddNode(node pipeline.Node, opts ...pipeline.Option) error {
	return s.scheduler.Add(node, opts...)
}

// OpenEdge builds the connection for the configured edge name. The edge
// buffer is created from its kind and attached as the source of send edges
// or the destination of receive edges. Opening an edge twice returns the
// same connection.
func (s *Service) OpenEdge(ctx context.Context, name string) (*connection.Connection, error) {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	if conn, ok := s.edges[name]; ok {
		return conn, nil
	}

	edge, ok := s.Conf.Edge(name)
	if !ok {
		return nil, fmt.Errorf("runtime: unknown edge %q", name)
	}
	buf, err := s.buffers.MakeByName(edge.Kind, name)
	if err != nil {
		return nil, fmt.Errorf("runtime: edge %s: %w", name, err)
	}

	ep := transport.Endpoint{
		Local:     s.Conf.Rank,
		Peer:      edge.Peer,
		Tag:       edge.Tag,
		Role:      transport.Role(edge.Role),
		Binding:   edge.Binding,
		Address:   edge.Address,
		Path:      edge.Path,
		Interface: edge.Interface,
		PeerMAC:   edge.PeerMAC,
	}
	ch, err := s.transports.Build(ctx, strings.ToLower(edge.Backend), s.Conf, ep, s.wmLogger)
	if err != nil {
		return nil, fmt.Errorf("runtime: edge %s: %w", name, err)
	}

	cfg := connection.Config{
		Name:          name,
		Channel:       ch,
		Peer:          edge.Peer,
		Tag:           edge.Tag,
		MaxRecordSize: s.Conf.EffectiveMaxRecordSize(),
		PollInterval:  s.Conf.PollInterval,
		Logger:        s.Logger,
		Metrics:       s.metrics,
	}
	if edge.Role == configpkg.RoleSend {
		cfg.Source = buf
	} else {
		cfg.Destination = buf
	}
	conn, err := connection.New(cfg)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("runtime: edge %s: %w", name, err), ch.Close())
	}

	s.Logger.Info("Edge opened", loggingpkg.LogFields{
		"edge":    name,
		"backend": edge.Backend,
		"kind":    edge.Kind,
		"peer":    edge.Peer,
		"tag":     edge.Tag,
		"role":    edge.Role,
	})
	s.edges[name] = conn
	return conn, nil
}

// RangeLock returns the configured range lock name, creating it on first
// use.
func (s *Service) RangeLock(name string) (*rangelock.RangeLock[int64], error) {
	s.edgesMu.Lock()
	defer s.edgesMu.Unlock()
	if lock, ok := s.locks[name]; ok {
		return lock, nil
	}

	rc, ok := s.Conf.RangeLock(name)
	if !ok {
		return nil, fmt.Errorf("runtime: unknown range lock %q", name)
	}
	opts := []rangelock.Option[int64]{
		rangelock.WithOverwrite[int64](rc.Overwrite),
		rangelock.WithLogger[int64](s.Logger),
		rangelock.WithMetrics[int64](s.metrics),
	}
	if rc.MaxSpan > 0 {
		opts = append(opts, rangelock.WithMaxSpan(rc.MaxSpan))
	}
	lock, err := rangelock.New(name, rc.Capacity, rc.Min, rc.Max, opts...)
	if err != nil {
		return nil, err
	}
	s.locks[name] = lock
	return lock, nil
}

// Run serves the web UI when enabled and drives the scheduler until ctx is
// done or every node has terminated.
func (s *Service) Run(ctx context.Context) error {
	s.StartWebUIServer()
	s.startHTTPServers()
	return schedulerRun(s.scheduler, ctx)
}

// Stop disconnects every open edge and shuts the HTTP servers down. It is
// safe to call more than once.
func (s *Service) Stop() error {
	var errs []error
	s.stopOnce.Do(func() {
		s.edgesMu.Lock()
		for name, conn := range s.edges {
			if err := conn.Disconnect(); err != nil {
				errs = append(errs, fmt.Errorf("edge %s: %w", name, err))
			}
		}
		s.edgesMu.Unlock()

		s.httpServersMu.Lock()
		servers := s.servers
		s.servers = nil
		s.httpServersMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.Logger.Info("Dataflow service stopped", nil)
	})
	return errors.Join(errs...)
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	s.httpServers = nil
}
