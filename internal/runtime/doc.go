/*
Package runtime implements the node runtime of nodeflow: the part of a
dataflow participant that turns many input sources into one ordered event
stream and fans its outputs out to downstream nodes.

# Architecture Overview

A Node owns a Multiplexer over its input endpoints and a PortTable over its
output ports. The application drives it from a single goroutine:

	for {
		ev, err := node.Next(ctx)
		...
		switch e := ev.(type) {
		case runtime.InputEvent:
			_ = node.Send(ctx, "out", e.Payload, e.Metadata)
		case runtime.ErrorEvent:
			// recoverable unless the application calls node.Fail
		case runtime.StopEvent:
			return node.Wait(ctx)
		}
	}

# Package Structure

## Endpoints (endpoint.go)

An Endpoint is a bounded FIFO between one producer and one consumer. Push
blocks while it is full, which is how backpressure reaches producers. An
in-process link is a single endpoint shared by both nodes.

## Event stream (event.go, multiplexer.go)

The Multiplexer serves its sources round-robin, keeps per-source order and
emits exactly one Stop, either after RequestStop or when every input closed.
A failed input yields one ErrorEvent after its queued messages.

## Outputs (ports.go, propagator.go)

PortTable.Send stamps outgoing metadata through the Propagator (sequence
number, message, trace and causation ids, timestamp) and enqueues a copy of
the payload on every destination. Closed destinations are skipped and
reported as DegradedDelivery records.

## Lifecycle (node.go, state.go)

Created, Running, Draining, Stopped and Failed. After Stop is surfaced the
node drains its outputs for at most Config.DrainTimeout before releasing
pumps, forwarders and transports.

## Transports (inputs.go, outputs.go)

Inputs with a transport are fed by a subscription pump; destinations with a
transport are drained by a forwarder that publishes to the topic. Timer
inputs tick at a fixed interval.

## Observability (hooks.go, metrics.go, server.go)

NodeHooks observe state changes, events and degraded deliveries. Prometheus
metrics live in the nodeflow_node_* namespace and can be served on
Config.MetricsPort.

# Sub-packages

  - config/: Runtime and transport configuration with viper loading
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message and trace ids
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - metadata/: Immutable message metadata
  - topology/: Node and dataflow descriptions
  - transport/: Transport factory and per-node cache
*/
package runtime
