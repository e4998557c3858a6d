package runtime

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors shared by the nodes of a process.
type Metrics struct {
	mu sync.Mutex

	eventsTotal     *prometheus.CounterVec
	sendsTotal      *prometheus.CounterVec
	sendErrorsTotal *prometheus.CounterVec
	degradedTotal   *prometheus.CounterVec
	publishErrors   *prometheus.CounterVec
	state           *prometheus.GaugeVec
	sendDuration    *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// newNodeCounterVec creates a new counter vec with the nodeflow/node namespace.
func newNodeCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nodeflow",
			Subsystem: "node",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newNodeGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "nodeflow",
			Subsystem: "node",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newNodeHistogramVec(name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nodeflow",
			Subsystem: "node",
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewMetrics creates the collectors. A nil registerer means the Prometheus
// default registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:      registerer,
		eventsTotal:     newNodeCounterVec("events_total", "Events returned by Next", []string{"node", "kind"}),
		sendsTotal:      newNodeCounterVec("sends_total", "Successful sends per output port", []string{"node", "port"}),
		sendErrorsTotal: newNodeCounterVec("send_errors_total", "Failed sends per output port", []string{"node", "port", "kind"}),
		degradedTotal:   newNodeCounterVec("degraded_total", "Deliveries skipped because the destination was closed", []string{"node", "port"}),
		publishErrors:   newNodeCounterVec("publish_errors_total", "Messages a transport destination failed to publish", []string{"node", "destination"}),
		state:           newNodeGaugeVec("state", "Current lifecycle state (0 created, 1 running, 2 draining, 3 stopped, 4 failed)", []string{"node"}),
		sendDuration:    newNodeHistogramVec("send_duration_seconds", "Time spent in Send including backpressure", prometheus.DefBuckets, []string{"node", "port"}),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
// Collectors another Metrics already registered on the same registerer are
// adopted, so every node reports into the same series.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	if err := register(m.registerer, &m.eventsTotal); err != nil {
		return err
	}
	if err := register(m.registerer, &m.sendsTotal); err != nil {
		return err
	}
	if err := register(m.registerer, &m.sendErrorsTotal); err != nil {
		return err
	}
	if err := register(m.registerer, &m.degradedTotal); err != nil {
		return err
	}
	if err := register(m.registerer, &m.publishErrors); err != nil {
		return err
	}
	if err := register(m.registerer, &m.state); err != nil {
		return err
	}
	if err := register(m.registerer, &m.sendDuration); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// register registers *c, or replaces it with the collector already
// registered under the same descriptor.
func register[C prometheus.Collector](r prometheus.Registerer, c *C) error {
	err := r.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return err
	}
	existing, ok := are.ExistingCollector.(C)
	if !ok {
		return fmt.Errorf("metric already registered with a different type: %w", err)
	}
	*c = existing
	return nil
}

func (m *Metrics) RecordEvent(node string, kind EventKind) {
	m.eventsTotal.WithLabelValues(node, kind.String()).Inc()
}

// RecordSend records the outcome of one Send call.
func (m *Metrics) RecordSend(node, port string, took time.Duration, err error) {
	m.sendDuration.WithLabelValues(node, port).Observe(took.Seconds())
	if err == nil {
		m.sendsTotal.WithLabelValues(node, port).Inc()
		return
	}
	m.sendErrorsTotal.WithLabelValues(node, port, sendErrorKind(err)).Inc()
}

func (m *Metrics) RecordDegraded(node, port string) {
	m.degradedTotal.WithLabelValues(node, port).Inc()
}

func (m *Metrics) RecordPublishError(node, destination string) {
	m.publishErrors.WithLabelValues(node, destination).Inc()
}

func (m *Metrics) SetState(node string, s State) {
	m.state.WithLabelValues(node).Set(float64(s))
}

// Handler serves the metrics gathered by g, or by the default gatherer when
// g is nil.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
