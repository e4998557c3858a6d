package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/nodeflow"

// DegradedDelivery records a destination that was skipped because it was
// closed.
type DegradedDelivery struct {
	Port        string
	Destination string
	Sequence    uint64
	Reason      string
}

type outputPort struct {
	name  string
	dests []*Endpoint

	mu   sync.Mutex
	seq  uint64
	dead bool
}

// PortTable maps output port names to their destinations.
type PortTable struct {
	nodeID string
	ports  map[string]*outputPort
	prop   *Propagator

	closed   atomic.Bool
	inflight atomic.Int64

	degraded   chan DegradedDelivery
	onDegraded func(DegradedDelivery)
	metrics    *Metrics
	tracer     trace.Tracer
	logger     loggingpkg.ServiceLogger
}

// PortTableOptions carries the optional collaborators of a PortTable.
type PortTableOptions struct {
	// DegradedBuffer is the capacity of the Degraded channel.
	DegradedBuffer int
	OnDegraded     func(DegradedDelivery)
	Metrics        *Metrics
	Logger         loggingpkg.ServiceLogger
}

// NewPortTable creates a table with one port per key of dests. The
// destination order of each port is the delivery order.
func NewPortTable(nodeID string, dests map[string][]*Endpoint, prop *Propagator, opts PortTableOptions) *PortTable {
	if opts.Logger == nil {
		opts.Logger = loggingpkg.NewNopServiceLogger()
	}
	if prop == nil {
		prop = NewPropagator(nodeID)
	}
	t := &PortTable{
		nodeID:     nodeID,
		ports:      make(map[string]*outputPort, len(dests)),
		prop:       prop,
		degraded:   make(chan DegradedDelivery, max(opts.DegradedBuffer, 0)),
		onDegraded: opts.OnDegraded,
		metrics:    opts.Metrics,
		tracer:     otel.Tracer(tracerName),
		logger:     opts.Logger,
	}
	for name, eps := range dests {
		t.ports[name] = &outputPort{name: name, dests: eps}
	}
	return t
}

// Degraded returns the side channel of skipped deliveries. Records are
// dropped when nobody drains it.
func (t *PortTable) Degraded() <-chan DegradedDelivery { return t.degraded }

// Inflight returns the number of Send calls in progress.
func (t *PortTable) Inflight() int64 { return t.inflight.Load() }

// Send delivers payload to every destination of port. It blocks while a
// destination is full and skips destinations that are closed. Each call
// consumes one sequence number of the port, also when ctx ends midway.
func (t *PortTable) Send(ctx context.Context, port string, payload []byte, md metadata.Metadata) (err error) {
	t.inflight.Add(1)
	defer t.inflight.Add(-1)

	if t.closed.Load() {
		return &errspkg.SendError{Kind: errspkg.Closed, Port: port}
	}
	p, ok := t.ports[port]
	if !ok {
		err = &errspkg.SendError{Kind: errspkg.UnknownPort, Port: port}
		t.record(port, 0, err)
		return err
	}
	if len(p.dests) == 0 {
		return nil
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, "nodeflow.send", trace.WithAttributes(
		attribute.String("nodeflow.node_id", t.nodeID),
		attribute.String("nodeflow.port", port),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		t.record(port, time.Since(start), err)
	}()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dead {
		return &errspkg.SendError{Kind: errspkg.Closed, Port: port}
	}

	p.seq++
	seq := p.seq
	out := t.prop.Derive(ctx, md, port, seq)
	span.SetAttributes(attribute.Int64("nodeflow.seq", int64(seq)))

	delivered := 0
	for _, dest := range p.dests {
		buf := make([]byte, len(payload))
		copy(buf, payload)

		err := dest.Push(ctx, Message{Payload: buf, Metadata: out})
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, errspkg.ErrEndpointClosed):
			t.skip(DegradedDelivery{Port: port, Destination: dest.ID(), Sequence: seq, Reason: "destination closed"})
		default:
			return err
		}
	}

	if delivered == 0 {
		p.dead = true
		t.logger.Info("Output port has no live destination", loggingpkg.LogFields{"port": port})
		return &errspkg.SendError{Kind: errspkg.Closed, Port: port}
	}
	return nil
}

func (t *PortTable) skip(d DegradedDelivery) {
	select {
	case t.degraded <- d:
	default:
		t.logger.Debug("Degraded channel full, dropping record", loggingpkg.LogFields{
			"port":        d.Port,
			"destination": d.Destination,
		})
	}
	if t.onDegraded != nil {
		t.onDegraded(d)
	}
}

func (t *PortTable) record(port string, took time.Duration, err error) {
	if t.metrics != nil {
		t.metrics.RecordSend(t.nodeID, port, took, err)
	}
}

// Destinations returns every destination endpoint of every port.
func (t *PortTable) Destinations() []*Endpoint {
	var out []*Endpoint
	for _, p := range t.ports {
		out = append(out, p.dests...)
	}
	return out
}

// Idle reports whether no Send is in progress and every destination is empty
// or closed.
func (t *PortTable) Idle() bool {
	if t.inflight.Load() > 0 {
		return false
	}
	for _, dest := range t.Destinations() {
		if dest.Len() > 0 && !dest.Closed() {
			return false
		}
	}
	return true
}

// Close rejects further sends and closes every destination so downstream
// consumers see their input end.
func (t *PortTable) Close() {
	if t.closed.Swap(true) {
		return
	}
	for _, dest := range t.Destinations() {
		dest.Close()
	}
}

func sendErrorKind(err error) string {
	var sendErr *errspkg.SendError
	switch {
	case errors.As(err, &sendErr):
		return sendErr.Kind.String()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	default:
		return "other"
	}
}
