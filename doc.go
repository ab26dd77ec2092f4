// Package tbflow moves typed, fixed-layout buffers between the ranks of a
// dataflow topology. A buffer kind declares its layout once; Encode and
// Decode turn it into a self-describing record that carries its kind,
// version and byte order, so peers on different architectures exchange
// records without agreeing on anything beyond the kind registry.
//
// Connection frames records with a length prefix and moves them over any
// transport Channel, using either the blocking contract or the
// non-blocking one with resumable partial transfers. Group fans a source
// out to many peers and picks the next ready member fairly. RangeLock
// coordinates one writer and one reader over a cyclic range, and the
// ingest ring built on it lets a receiver goroutine feed a pipeline with
// back-pressure or lossy overwrite. The pipeline Scheduler runs nodes at
// their own rates, retries transient failures with exponential backoff
// and terminates only the node that hit a fatal error.
//
// Service reads the edges and range locks of one rank from Config, builds
// the connections through the transport registry and drives the
// scheduler. A minimal setup therefore involves loading Config, creating a
// Service, opening edges, adding nodes and calling Run.
//
// # Transports
//
// tbflow ships 6 channel backends:
//   - memory: In-process hub for tests and single-host deployments
//   - file: Append-only record files for capture and replay
//   - stream: TCP byte streams
//   - cluster: NATS subjects routed by rank and tag
//   - link: Raw Ethernet frames between hosts on one segment
//   - broker: Watermill publishers and subscribers (gochannel, Kafka,
//     RabbitMQ, NATS, AWS SNS/SQS, HTTP)
//
// # Hooks
//
// LoggingHooks, MetricsHooks and TracingHooks wrap every node invocation
// with structured logs, Prometheus histograms and OpenTelemetry spans.
// ServiceDependencies.Hooks adds custom callbacks after the defaults.
package tbflow
