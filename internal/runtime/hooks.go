package runtime

import (
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
)

// NodeHooks defines callbacks for node lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type NodeHooks struct {
	// OnStateChange is called after every state transition.
	OnStateChange func(nodeID string, from, to State)

	// OnEvent is called for every event Next returns to the application.
	OnEvent func(nodeID string, ev Event)

	// OnDegraded is called when a send skipped a closed destination.
	OnDegraded func(nodeID string, d DegradedDelivery)
}

// Merge combines two NodeHooks. The hooks from other are called after the
// hooks from h.
func (h NodeHooks) Merge(other NodeHooks) NodeHooks {
	return NodeHooks{
		OnStateChange: chainStateHooks(h.OnStateChange, other.OnStateChange),
		OnEvent:       chainEventHooks(h.OnEvent, other.OnEvent),
		OnDegraded:    chainDegradedHooks(h.OnDegraded, other.OnDegraded),
	}
}

func chainStateHooks(a, b func(string, State, State)) func(string, State, State) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(nodeID string, from, to State) {
		a(nodeID, from, to)
		b(nodeID, from, to)
	}
}

func chainEventHooks(a, b func(string, Event)) func(string, Event) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(nodeID string, ev Event) {
		a(nodeID, ev)
		b(nodeID, ev)
	}
}

func chainDegradedHooks(a, b func(string, DegradedDelivery)) func(string, DegradedDelivery) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(nodeID string, d DegradedDelivery) {
		a(nodeID, d)
		b(nodeID, d)
	}
}

func (h NodeHooks) stateChanged(nodeID string, from, to State) {
	if h.OnStateChange != nil {
		h.OnStateChange(nodeID, from, to)
	}
}

func (h NodeHooks) eventReturned(nodeID string, ev Event) {
	if h.OnEvent != nil {
		h.OnEvent(nodeID, ev)
	}
}

func (h NodeHooks) degraded(nodeID string, d DegradedDelivery) {
	if h.OnDegraded != nil {
		h.OnDegraded(nodeID, d)
	}
}

// LoggingHooks returns pre-built hooks that log state changes, failed inputs
// and degraded deliveries.
func LoggingHooks(logger loggingpkg.ServiceLogger) NodeHooks {
	return NodeHooks{
		OnStateChange: func(nodeID string, from, to State) {
			logger.Info("Node state changed", loggingpkg.LogFields{
				"node_id": nodeID,
				"from":    from.String(),
				"state":   to.String(),
			})
		},
		OnEvent: func(nodeID string, ev Event) {
			if e, ok := ev.(ErrorEvent); ok {
				logger.Error("Input failed", e.Err, loggingpkg.LogFields{
					"node_id": nodeID,
					"source":  e.Source,
				})
			}
		},
		OnDegraded: func(nodeID string, d DegradedDelivery) {
			logger.Info("Destination skipped", loggingpkg.LogFields{
				"node_id":     nodeID,
				"port":        d.Port,
				"destination": d.Destination,
				"seq":         d.Sequence,
				"reason":      d.Reason,
			})
		},
	}
}

// MetricsHooks returns pre-built hooks that record node metrics.
func MetricsHooks(m *Metrics) NodeHooks {
	return NodeHooks{
		OnStateChange: func(nodeID string, _, to State) {
			m.SetState(nodeID, to)
		},
		OnEvent: func(nodeID string, ev Event) {
			m.RecordEvent(nodeID, ev.Kind())
		},
		OnDegraded: func(nodeID string, d DegradedDelivery) {
			m.RecordDegraded(nodeID, d.Port)
		},
	}
}
