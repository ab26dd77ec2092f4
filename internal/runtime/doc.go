/*
Package runtime hosts one process's slice of a tbflow topology.

# Architecture Overview

A topology is a set of ranks connected by edges. Each edge moves encoded
buffers of one kind between two ranks over a transport backend. The runtime
package turns a config file describing this process's edges and range locks
into ready Connections and RangeLocks, and drives the pipeline nodes that
use them.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - The transport registry (memory, file, stream, cluster, link, broker)
  - The buffer kind registry
  - Prometheus collectors, when enabled
  - A pipeline scheduler with logging, metrics and tracing hooks
  - HTTP servers for the web UI and metrics

## Status (models.go, resources.go)

Snapshots of the scheduler, the open edges, the range locks and the
process CPU and memory usage.

## WebUI (webui.go)

HTTP API for introspecting node statistics and service status.

# Sub-packages

  - config/: Topology and backend configuration with validation
  - errors/: Sentinel errors, record errors and classification
  - ids/: ULID generation for connection IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collectors

# Usage Example

	cfg, err := tbflow.LoadConfig("rank0.yaml")
	if err != nil {
		return err
	}
	svc, err := tbflow.NewService(cfg, logger, tbflow.ServiceDependencies{})
	if err != nil {
		return err
	}
	defer svc.Stop()

	out, err := svc.OpenEdge(ctx, "samples-out")
	if err != nil {
		return err
	}
	svc.AddNode(tbflow.WriteNode("producer", out, fill))

	return svc.Run(ctx)
*/
package runtime
