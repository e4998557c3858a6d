package runtime

import (
	"context"
	"sync"

	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
)

// Multiplexer merges the inputs of a node into one event stream. Sources are
// served round-robin starting after the one that produced the previous event,
// and each source keeps its FIFO order. It is used by a single goroutine;
// only RequestStop may be called concurrently.
type Multiplexer struct {
	sources  []*Endpoint
	reported []bool
	next     int
	stopped  bool
	closed   bool

	wake     chan struct{}
	stopReq  chan struct{}
	stopOnce sync.Once

	logger loggingpkg.ServiceLogger
}

// NewMultiplexer subscribes to every source.
func NewMultiplexer(sources []*Endpoint, logger loggingpkg.ServiceLogger) *Multiplexer {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	m := &Multiplexer{
		sources:  sources,
		reported: make([]bool, len(sources)),
		wake:     make(chan struct{}, 1),
		stopReq:  make(chan struct{}),
		logger:   logger,
	}
	for _, src := range sources {
		src.Notify(m.wake)
	}
	return m
}

// RequestStop closes every source. Messages they already accepted are still
// delivered before the Stop event.
func (m *Multiplexer) RequestStop() {
	m.stopOnce.Do(func() {
		for _, src := range m.sources {
			src.Close()
		}
		close(m.stopReq)
	})
}

// StopRequested reports whether RequestStop was called.
func (m *Multiplexer) StopRequested() bool {
	select {
	case <-m.stopReq:
		return true
	default:
		return false
	}
}

// Next blocks until an event is available. When ctx ends first it returns
// the context error and consumes nothing.
func (m *Multiplexer) Next(ctx context.Context) (Event, error) {
	if m.stopped {
		return StopEvent{}, nil
	}
	for {
		if ev, ok := m.poll(); ok {
			return ev, nil
		}
		if m.finished() {
			m.stopped = true
			return StopEvent{}, nil
		}

		select {
		case <-m.wake:
		case <-m.stopReq:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Multiplexer) poll() (Event, bool) {
	n := len(m.sources)
	for i := 0; i < n; i++ {
		idx := (m.next + i) % n
		src := m.sources[idx]

		if msg, ok := src.TryPop(); ok {
			m.next = idx + 1
			return InputEvent{Source: src.ID(), Payload: msg.Payload, Metadata: msg.Metadata}, true
		}
		if m.reported[idx] || !src.Drained() {
			continue
		}
		if err := src.Err(); err != nil {
			m.reported[idx] = true
			m.next = idx + 1
			return ErrorEvent{Source: src.ID(), Reason: err.Error(), Err: err}, true
		}
	}
	return nil, false
}

func (m *Multiplexer) finished() bool {
	for i, src := range m.sources {
		if !src.Drained() {
			return false
		}
		if src.Err() != nil && !m.reported[i] {
			return false
		}
	}
	if m.StopRequested() {
		return true
	}
	if len(m.sources) == 0 {
		return false
	}
	if !m.closed {
		m.closed = true
		m.logger.Info("All inputs closed", nil)
	}
	return true
}
