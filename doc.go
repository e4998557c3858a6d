// Package nodeflow is the runtime core of a dataflow node. A node is a
// process step with named inputs and named output ports; the runtime hands
// the application one event at a time from all inputs and fans every message
// the application sends out to the destinations of a port, stamping trace
// metadata on the way.
//
// A minimal node needs a Config, a NodeTopology, and a ServiceLogger:
//
//	node, err := nodeflow.NewNode(conf, topo, logger, nodeflow.Dependencies{})
//	if err != nil { ... }
//	if err := node.Start(ctx); err != nil { ... }
//	for {
//		ev, err := node.Next(ctx)
//		if err != nil { ... }
//		switch e := ev.(type) {
//		case nodeflow.InputEvent:
//			_ = node.Send(ctx, "out", e.Payload, e.Metadata)
//		case nodeflow.ErrorEvent:
//			// one input failed, the others keep delivering
//		case nodeflow.StopEvent:
//			return node.Wait(ctx)
//		}
//	}
//
// # Inputs
//
// Inputs are bounded queues. They are fed by the embedding process
// (Node.Input), by another node of the same Dataflow, by a periodic timer
// ("timer/100ms"), or by a Watermill subscription on one of the registered
// transports. Next multiplexes them round robin so a busy input cannot
// starve the others, and preserves the order within each input.
//
// # Outputs
//
// Send stamps seq, trace_id, message_id, causation_id, timestamp, node_id,
// and output_id on the message and pushes a copy to every destination of the
// port, blocking while a destination is full. A closed destination is
// skipped and reported on Node.Degraded.
//
// # Transports
//
// Destinations and inputs that name a topic are bridged to a Watermill
// transport: channel, kafka, rabbitmq, aws, nats, nats-jetstream, http, io,
// sqlite, or postgres. TransportFactory lets callers plug in their own.
//
// # Lifecycle
//
// A node moves from created to running, then draining, then stopped. Stop
// asks the inputs to close; queued inputs are still delivered before the
// Stop event, and pending outputs are flushed within Config.DrainTimeout.
// Any failure moves the node to failed, after which Next reports the cause.
// NodeHooks observe state changes, returned events, and degraded deliveries;
// LoggingHooks and MetricsHooks cover the common cases.
package nodeflow
