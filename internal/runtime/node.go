package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/nodeflow/internal/runtime/config"
	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
	"github.com/drblury/nodeflow/internal/runtime/topology"
	transportpkg "github.com/drblury/nodeflow/internal/runtime/transport"
)

var drainPollInterval = 10 * time.Millisecond

// Dependencies holds the optional collaborators of a Node. Leave fields nil
// to use the defaults.
type Dependencies struct {
	TransportFactory transportpkg.Factory
	Hooks            NodeHooks
	// Metrics is shared by the nodes of a process. When nil and metrics are
	// enabled in the config, the node creates and registers its own.
	Metrics    *Metrics
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// DisableMetricsServer keeps the node from serving /metrics itself.
	DisableMetricsServer bool
}

type linkedDestination struct {
	target string
	ep     *Endpoint
}

// Node runs one participant of a dataflow: it multiplexes the inputs into
// Next, sends outputs through Send and drives the lifecycle from Start to
// Stopped or Failed. Next and Send are meant to be called from one goroutine.
type Node struct {
	id      string
	conf    config.Config
	topo    topology.Node
	logger  loggingpkg.ServiceLogger
	hooks   NodeHooks
	deps    Dependencies
	metrics *Metrics

	mu       sync.Mutex
	state    State
	cause    error
	external map[string]*Endpoint
	dests    map[string]map[string]*Endpoint

	done chan struct{}

	linkedInputs map[string]*Endpoint
	linkedDests  map[string][]linkedDestination

	ports      *PortTable
	mux        *Multiplexer
	transports *transportpkg.Cache
	servers    *httpServers

	pumpCancel  context.CancelFunc
	fwdCancel   context.CancelFunc
	pumps       sync.WaitGroup
	forwarders  sync.WaitGroup
	releaseOnce sync.Once
}

// NewNode creates a node in the Created state. Nothing is connected until
// Start.
func NewNode(conf *config.Config, topo topology.Node, logger loggingpkg.ServiceLogger, deps Dependencies) (*Node, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if topo.ID == "" {
		return nil, errspkg.ErrNodeIDRequired
	}

	c := conf.WithDefaults()
	metrics := deps.Metrics
	if metrics == nil && c.MetricsEnabled {
		metrics = NewMetrics(deps.Registerer)
	}
	if metrics != nil {
		if err := metrics.Register(); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	hooks := deps.Hooks
	if metrics != nil {
		hooks = MetricsHooks(metrics).Merge(hooks)
	}

	log := logger.With(loggingpkg.LogFields{"node_id": topo.ID})
	n := &Node{
		id:           topo.ID,
		conf:         c,
		topo:         topo,
		logger:       log,
		hooks:        hooks,
		deps:         deps,
		metrics:      metrics,
		state:        StateCreated,
		done:         make(chan struct{}),
		linkedInputs: make(map[string]*Endpoint),
		linkedDests:  make(map[string][]linkedDestination),
		transports:   transportpkg.NewCache(deps.TransportFactory, &c, loggingpkg.NewWatermillAdapter(log)),
		servers:      newHTTPServers(log),
	}
	if metrics != nil {
		metrics.SetState(n.id, StateCreated)
	}
	return n, nil
}

func (n *Node) ID() string              { return n.id }
func (n *Node) Topology() topology.Node { return n.topo }
func (n *Node) Done() <-chan struct{}   { return n.done }
func (n *Node) Config() config.Config   { return n.conf }

// Logger returns the node's logger, already tagged with node_id.
func (n *Node) Logger() loggingpkg.ServiceLogger { return n.logger }

func (n *Node) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) snapshot() (State, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state, n.cause
}

// Start connects every input and output and moves the node to Running. Any
// failure is returned as an InitializationError and leaves the node Failed.
func (n *Node) Start(ctx context.Context) error {
	if st := n.State(); st != StateCreated {
		return fmt.Errorf("%w: cannot start a %s node", errspkg.ErrInvalidTransition, st)
	}

	if err := n.build(ctx); err != nil {
		initErr := &errspkg.InitializationError{Node: n.id, Err: err}
		n.logger.Error("Failed to start node", err, nil)
		n.finish(StateFailed, initErr, false)
		return initErr
	}
	if _, ok := n.transition(StateRunning, nil); !ok {
		return fmt.Errorf("%w: node changed state during start", errspkg.ErrInvalidTransition)
	}
	n.startMetricsServer()

	n.logger.Info("Node started", loggingpkg.LogFields{
		"inputs":  len(n.topo.Inputs),
		"outputs": len(n.topo.Outputs),
	})
	return nil
}

func (n *Node) build(ctx context.Context) error {
	if err := n.topo.Validate(); err != nil {
		return err
	}
	if err := n.conf.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	pumpCtx, pumpCancel := context.WithCancel(context.WithoutCancel(ctx))
	fwdCtx, fwdCancel := context.WithCancel(context.WithoutCancel(ctx))
	n.pumpCancel = pumpCancel
	n.fwdCancel = fwdCancel

	var starts []func()
	external := make(map[string]*Endpoint)
	sources := make([]*Endpoint, 0, len(n.topo.Inputs))

	for _, in := range n.topo.Inputs {
		var ep *Endpoint
		switch in.Kind() {
		case topology.SourceExternal:
			ep = NewEndpoint(in.ID, n.queueSize(in.QueueSize))
			external[in.ID] = ep

		case topology.SourceLink:
			linked, ok := n.linkedInputs[in.ID]
			if !ok {
				return fmt.Errorf("input %q: link %q is not connected", in.ID, in.Source)
			}
			ep = linked

		case topology.SourceTimer:
			every, err := in.Interval()
			if err != nil {
				return err
			}
			size := in.QueueSize
			if size <= 0 {
				size = n.conf.TimerQueueSize
			}
			ep = NewEndpoint(in.ID, size)
			starts = append(starts, func() {
				n.pumps.Add(1)
				go n.runTimer(pumpCtx, ep, every)
			})

		case topology.SourceTransport:
			t, err := n.transport(ctx, in.Transport)
			if err != nil {
				return fmt.Errorf("input %q: %w", in.ID, err)
			}
			if t.Subscriber == nil {
				return fmt.Errorf("input %q: transport %q cannot subscribe", in.ID, n.transports.Name(in.Transport))
			}
			msgs, err := t.Subscriber.Subscribe(pumpCtx, in.Topic)
			if err != nil {
				return fmt.Errorf("input %q: subscribe to %q: %w", in.ID, in.Topic, err)
			}
			ep = NewEndpoint(in.ID, n.queueSize(in.QueueSize))
			topic := in.Topic
			starts = append(starts, func() {
				n.pumps.Add(1)
				go n.runPump(pumpCtx, ep, topic, msgs)
			})
		}
		sources = append(sources, ep)
	}

	for port := range n.linkedDests {
		if _, ok := n.topo.Output(port); !ok {
			return fmt.Errorf("link from unknown output %q", port)
		}
	}

	byPort := make(map[string][]*Endpoint, len(n.topo.Outputs))
	dests := make(map[string]map[string]*Endpoint, len(n.topo.Outputs))
	for _, out := range n.topo.Outputs {
		eps := make([]*Endpoint, 0, len(out.Destinations))
		dests[out.ID] = make(map[string]*Endpoint)
		linked := n.linkedDests[out.ID]
		used := make(map[string]bool)

		for _, d := range out.Destinations {
			if ep := findLinked(linked, d.Target); ep != nil && !d.UsesTransport() {
				used[d.Target] = true
				eps = append(eps, ep)
				dests[out.ID][d.Target] = ep
				continue
			}

			ep := NewEndpoint(d.Target, n.queueSize(d.QueueSize))
			if d.UsesTransport() {
				t, err := n.transport(ctx, d.Transport)
				if err != nil {
					return fmt.Errorf("output %q: destination %q: %w", out.ID, d.Target, err)
				}
				if t.Publisher == nil {
					return fmt.Errorf("output %q: transport %q cannot publish", out.ID, n.transports.Name(d.Transport))
				}
				pub, topic := t.Publisher, d.Topic
				starts = append(starts, func() {
					n.forwarders.Add(1)
					go n.runForwarder(fwdCtx, ep, pub, topic)
				})
			}
			eps = append(eps, ep)
			dests[out.ID][d.Target] = ep
		}

		for _, l := range linked {
			if used[l.target] {
				continue
			}
			eps = append(eps, l.ep)
			dests[out.ID][l.target] = l.ep
		}
		byPort[out.ID] = eps
	}

	ports := NewPortTable(n.id, byPort, NewPropagator(n.id), PortTableOptions{
		DegradedBuffer: n.conf.DegradedBufferSize,
		OnDegraded:     func(d DegradedDelivery) { n.hooks.degraded(n.id, d) },
		Metrics:        n.metrics,
		Logger:         n.logger,
	})
	mux := NewMultiplexer(sources, n.logger)

	n.mu.Lock()
	n.external = external
	n.dests = dests
	n.ports = ports
	n.mux = mux
	n.mu.Unlock()

	for _, start := range starts {
		start()
	}
	return nil
}

func findLinked(linked []linkedDestination, target string) *Endpoint {
	for _, l := range linked {
		if l.target == target {
			return l.ep
		}
	}
	return nil
}

func (n *Node) transport(ctx context.Context, name string) (transportpkg.Transport, error) {
	t, err := n.transports.Get(ctx, name)
	if err != nil {
		return t, err
	}
	if caps := n.transports.Capabilities(name); caps.Known() && !caps.SupportsOrdering {
		n.logger.Info("Transport does not preserve message order", loggingpkg.LogFields{
			"transport": n.transports.Name(name),
		})
	}
	return t, nil
}

func (n *Node) queueSize(size int) int {
	if size > 0 {
		return size
	}
	return n.conf.DefaultQueueSize
}

// Next blocks until the next event. After the Stop event every call returns
// Stop again; once the node failed it returns ErrNodeFailed wrapping the
// cause.
func (n *Node) Next(ctx context.Context) (Event, error) {
	switch st, cause := n.snapshot(); st {
	case StateCreated:
		return nil, errspkg.ErrNodeNotRunning
	case StateFailed:
		return nil, failedError(cause)
	case StateDraining, StateStopped:
		return StopEvent{}, nil
	}

	ev, err := n.mux.Next(ctx)
	if err != nil {
		return nil, err
	}
	if st, cause := n.snapshot(); st == StateFailed {
		return nil, failedError(cause)
	}

	if _, ok := ev.(StopEvent); ok {
		n.beginDrain()
	}
	n.hooks.eventReturned(n.id, ev)
	return ev, nil
}

func failedError(cause error) error {
	if cause == nil {
		return errspkg.ErrNodeFailed
	}
	return fmt.Errorf("%w: %w", errspkg.ErrNodeFailed, cause)
}

// Send delivers payload to every destination of port. See PortTable.Send.
func (n *Node) Send(ctx context.Context, port string, payload []byte, md metadata.Metadata) error {
	n.mu.Lock()
	st, ports := n.state, n.ports
	n.mu.Unlock()

	if st == StateCreated {
		return errspkg.ErrNodeNotRunning
	}
	if ports == nil {
		return &errspkg.SendError{Kind: errspkg.Closed, Port: port}
	}
	return ports.Send(ctx, port, payload, md)
}

// Stop asks the node to finish gracefully. Inputs are closed, queued input
// events are still delivered and Next then returns Stop.
func (n *Node) Stop() error {
	switch n.State() {
	case StateCreated:
		return errspkg.ErrNodeNotRunning
	case StateRunning:
		n.logger.Info("Stop requested", nil)
		n.mux.RequestStop()
	}
	return nil
}

// Fail moves the node to Failed and releases everything without flushing
// outputs. It has no effect on a node that already stopped or failed.
func (n *Node) Fail(err error) {
	if err == nil {
		err = errors.New("failed without cause")
	}
	n.finish(StateFailed, err, false)
}

// Wait blocks until the node stopped or failed and returns the failure cause,
// if any.
func (n *Node) Wait(ctx context.Context) error {
	select {
	case <-n.done:
		_, cause := n.snapshot()
		return cause
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Input returns the endpoint of an input fed by the embedding process.
func (n *Node) Input(id string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.external[id]
	return ep, ok
}

// Destination returns the endpoint behind one destination of an output port.
// Destinations without a transport and without a linked node are drained by
// the embedding process through it.
func (n *Node) Destination(port, target string) (*Endpoint, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.dests[port][target]
	return ep, ok
}

// Degraded returns the side channel of skipped deliveries, or nil before
// Start.
func (n *Node) Degraded() <-chan DegradedDelivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ports == nil {
		return nil
	}
	return n.ports.Degraded()
}

func (n *Node) attachInput(id string, ep *Endpoint) {
	n.linkedInputs[id] = ep
}

func (n *Node) attachDestination(port, target string, ep *Endpoint) {
	n.linkedDests[port] = append(n.linkedDests[port], linkedDestination{target: target, ep: ep})
}

func (n *Node) transition(to State, cause error) (State, bool) {
	n.mu.Lock()
	from := n.state
	if !CanTransition(from, to) {
		n.mu.Unlock()
		return from, false
	}
	n.state = to
	if cause != nil {
		n.cause = cause
	}
	n.mu.Unlock()

	n.logger.Debug("State transition", loggingpkg.LogFields{"from": from.String(), "state": to.String()})
	n.hooks.stateChanged(n.id, from, to)
	return from, true
}

func (n *Node) beginDrain() {
	if _, ok := n.transition(StateDraining, nil); ok {
		go n.drain()
	}
}

func (n *Node) drain() {
	deadline := time.NewTimer(n.conf.DrainTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		if n.State() != StateDraining {
			return
		}
		if n.ports.Idle() {
			n.finish(StateStopped, nil, true)
			return
		}
		select {
		case <-deadline.C:
			n.logger.Info("Drain timed out, dropping pending outputs", loggingpkg.LogFields{
				"timeout": n.conf.DrainTimeout.String(),
			})
			n.finish(StateStopped, nil, false)
			return
		case <-ticker.C:
		}
	}
}

func (n *Node) finish(to State, cause error, flush bool) {
	if _, ok := n.transition(to, cause); !ok {
		return
	}
	if to == StateFailed {
		n.logger.Error("Node failed", cause, nil)
	}
	n.release(flush)
	close(n.done)
	n.logger.Info("Node finished", loggingpkg.LogFields{"state": to.String()})
}

// release closes inputs and outputs, waits for pumps and forwarders and
// closes the transports. Forwarders are cancelled unless flush is set.
func (n *Node) release(flush bool) {
	n.releaseOnce.Do(func() {
		n.mu.Lock()
		mux, ports := n.mux, n.ports
		n.mu.Unlock()

		if mux != nil {
			mux.RequestStop()
		}
		if ports != nil {
			ports.Close()
		}
		if n.pumpCancel != nil {
			n.pumpCancel()
		}
		n.pumps.Wait()

		if !flush && n.fwdCancel != nil {
			n.fwdCancel()
		}
		n.forwarders.Wait()
		if n.fwdCancel != nil {
			n.fwdCancel()
		}

		if err := n.transports.Close(); err != nil {
			n.logger.Error("Failed to close transports", err, nil)
		}
		n.stopMetricsServer()
	})
}

func (n *Node) startMetricsServer() {
	if n.metrics == nil || n.deps.DisableMetricsServer || n.conf.MetricsPort <= 0 {
		return
	}
	n.servers.Handle(n.conf.MetricsPort, "/metrics", Handler(n.gatherer()))
	n.servers.Start()
}

func (n *Node) stopMetricsServer() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := n.servers.Shutdown(ctx); err != nil {
		n.logger.Error("Failed to stop HTTP servers", err, nil)
	}
}

func (n *Node) gatherer() prometheus.Gatherer {
	if n.deps.Gatherer != nil {
		return n.deps.Gatherer
	}
	if g, ok := n.deps.Registerer.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}
