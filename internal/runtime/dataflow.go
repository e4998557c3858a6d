package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/nodeflow/internal/runtime/config"
	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/topology"
)

// Dataflow runs several nodes in one process. Link inputs are connected to
// the referenced outputs through a shared endpoint.
type Dataflow struct {
	nodes   []*Node
	byID    map[string]*Node
	conf    config.Config
	logger  loggingpkg.ServiceLogger
	metrics *Metrics
	deps    Dependencies
	servers *httpServers
}

// NewDataflow validates desc, creates its nodes and links them.
func NewDataflow(conf *config.Config, desc topology.Dataflow, logger loggingpkg.ServiceLogger, deps Dependencies) (*Dataflow, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataflow: %w", err)
	}

	c := conf.WithDefaults()
	if deps.Metrics == nil && c.MetricsEnabled {
		deps.Metrics = NewMetrics(deps.Registerer)
	}
	nodeDeps := deps
	nodeDeps.DisableMetricsServer = true

	d := &Dataflow{
		byID:    make(map[string]*Node, len(desc.Nodes)),
		conf:    c,
		logger:  logger,
		metrics: deps.Metrics,
		deps:    deps,
		servers: newHTTPServers(logger),
	}
	for _, topo := range desc.Nodes {
		n, err := NewNode(&c, topo, logger, nodeDeps)
		if err != nil {
			return nil, fmt.Errorf("create node %q: %w", topo.ID, err)
		}
		d.nodes = append(d.nodes, n)
		d.byID[n.ID()] = n
	}

	for _, link := range desc.Links() {
		size := link.QueueSize
		if size <= 0 {
			size = c.DefaultQueueSize
		}
		ep := NewEndpoint(link.ToInput, size)
		d.byID[link.ToNode].attachInput(link.ToInput, ep)
		d.byID[link.FromNode].attachDestination(link.FromOutput, link.Target(), ep)
	}
	return d, nil
}

// Nodes returns the nodes in descriptor order.
func (d *Dataflow) Nodes() []*Node { return d.nodes }

// Node returns the node with the given id.
func (d *Dataflow) Node(id string) (*Node, bool) {
	n, ok := d.byID[id]
	return n, ok
}

// Start starts every node. When one fails to start the already started ones
// are failed with the same error.
func (d *Dataflow) Start(ctx context.Context) error {
	for i, n := range d.nodes {
		if err := n.Start(ctx); err != nil {
			for _, started := range d.nodes[:i] {
				started.Fail(err)
			}
			for _, pending := range d.nodes[i+1:] {
				pending.Fail(err)
			}
			return err
		}
	}

	if d.metrics != nil && d.conf.MetricsPort > 0 && !d.deps.DisableMetricsServer {
		g := d.deps.Gatherer
		if g == nil {
			g = d.nodes[0].gatherer()
		}
		d.servers.Handle(d.conf.MetricsPort, "/metrics", Handler(g))
		d.servers.Start()
	}
	d.logger.Info("Dataflow started", loggingpkg.LogFields{"nodes": len(d.nodes)})
	return nil
}

// Stop requests a graceful stop of every running node.
func (d *Dataflow) Stop() {
	for _, n := range d.nodes {
		_ = n.Stop()
	}
}

// Wait blocks until every node stopped or failed and joins their failure
// causes.
func (d *Dataflow) Wait(ctx context.Context) error {
	var errs []error
	for _, n := range d.nodes {
		if err := n.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("node %q: %w", n.ID(), err))
		}
		if ctx.Err() != nil {
			break
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := d.servers.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
