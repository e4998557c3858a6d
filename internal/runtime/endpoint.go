package runtime

import (
	"context"
	"errors"
	"sync"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// Endpoint is a bounded FIFO connecting one producer to one consumer. Push
// blocks while the queue is full. Once closed, no push succeeds but queued
// messages can still be popped.
type Endpoint struct {
	id string

	mu     sync.Mutex
	buf    []Message
	head   int
	size   int
	closed bool
	err    error
	seq    uint64

	// space is closed and replaced whenever a full queue frees a slot, and
	// closed for good when the endpoint closes.
	space chan struct{}
	// ready wakes the consumer blocked in Pop.
	ready     chan struct{}
	listeners []chan<- struct{}
}

// NewEndpoint returns an open endpoint. A capacity below one is raised to one.
func NewEndpoint(id string, capacity int) *Endpoint {
	if capacity < 1 {
		capacity = 1
	}
	return &Endpoint{
		id:    id,
		buf:   make([]Message, capacity),
		space: make(chan struct{}),
		ready: make(chan struct{}, 1),
	}
}

func (e *Endpoint) ID() string { return e.id }
func (e *Endpoint) Cap() int   { return len(e.buf) }

func (e *Endpoint) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.size
}

func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Drained reports whether the endpoint is closed and empty.
func (e *Endpoint) Drained() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed && e.size == 0
}

// Err returns the failure recorded by Fail, if any.
func (e *Endpoint) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Watch returns a channel that receives a value whenever a message arrives or
// the endpoint closes. It is meant for the single consumer.
func (e *Endpoint) Watch() <-chan struct{} { return e.ready }

// Notify registers ch to be signalled, without blocking, on the same
// occasions as Watch. A Multiplexer uses one channel for all its sources.
func (e *Endpoint) Notify(ch chan<- struct{}) {
	e.mu.Lock()
	e.listeners = append(e.listeners, ch)
	e.mu.Unlock()
	signal(ch)
}

// Push enqueues msg, waiting for space while the queue is full. A message
// without a sequence number gets the next endpoint-local one; a malformed
// sequence number fails the endpoint.
func (e *Endpoint) Push(ctx context.Context, msg Message) error {
	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return errspkg.ErrEndpointClosed
		}
		if e.size < len(e.buf) {
			err := e.enqueueLocked(msg)
			e.mu.Unlock()
			return err
		}
		space := e.space
		e.mu.Unlock()

		select {
		case <-space:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Endpoint) enqueueLocked(msg Message) error {
	seq, err := msg.Metadata.Sequence()
	switch {
	case errors.Is(err, errspkg.ErrSequenceMissing):
		e.seq++
		msg.Metadata = msg.Metadata.With(metadata.KeySequence, e.seq)
	case err != nil:
		upstream := &errspkg.UpstreamError{Source: e.id, Err: err}
		e.closeLocked(upstream)
		return upstream
	default:
		if seq > e.seq {
			e.seq = seq
		}
	}

	e.buf[(e.head+e.size)%len(e.buf)] = msg
	e.size++
	e.notifyLocked()
	return nil
}

// TryPop removes the oldest message without blocking.
func (e *Endpoint) TryPop() (Message, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.size == 0 {
		return Message{}, false
	}
	msg := e.buf[e.head]
	e.buf[e.head] = Message{}
	e.head = (e.head + 1) % len(e.buf)
	wasFull := e.size == len(e.buf)
	e.size--
	if wasFull && !e.closed {
		close(e.space)
		e.space = make(chan struct{})
	}
	return msg, true
}

// Pop waits for the next message. Once the endpoint is closed and empty it
// returns the failure cause, or ErrEndpointClosed after a plain Close.
func (e *Endpoint) Pop(ctx context.Context) (Message, error) {
	for {
		if msg, ok := e.TryPop(); ok {
			return msg, nil
		}
		e.mu.Lock()
		closed, err := e.closed && e.size == 0, e.err
		e.mu.Unlock()
		if closed {
			if err != nil {
				return Message{}, err
			}
			return Message{}, errspkg.ErrEndpointClosed
		}

		select {
		case <-e.ready:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close stops accepting messages. It is idempotent.
func (e *Endpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(nil)
}

// Fail closes the endpoint and records err as an UpstreamError. It has no
// effect on an endpoint that is already closed.
func (e *Endpoint) Fail(err error) {
	if err == nil {
		err = errors.New("unknown failure")
	}
	var upstream *errspkg.UpstreamError
	if !errors.As(err, &upstream) {
		upstream = &errspkg.UpstreamError{Source: e.id, Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeLocked(upstream)
}

func (e *Endpoint) closeLocked(cause error) {
	if e.closed {
		return
	}
	e.closed = true
	if cause != nil {
		e.err = cause
	}
	close(e.space)
	e.notifyLocked()
}

func (e *Endpoint) notifyLocked() {
	signal(e.ready)
	for _, l := range e.listeners {
		signal(l)
	}
}

func signal(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
