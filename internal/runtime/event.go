package runtime

import (
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// EventKind identifies the variant of an Event.
type EventKind int

const (
	EventInput EventKind = iota + 1
	EventStop
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventInput:
		return "INPUT"
	case EventStop:
		return "STOP"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Event is what Node.Next hands to the application. The set of variants is
// closed: InputEvent, StopEvent and ErrorEvent. Match them with a type switch.
type Event interface {
	Kind() EventKind
	event()
}

// InputEvent carries one message read from an input. The payload belongs to
// the caller.
type InputEvent struct {
	Source   string
	Payload  []byte
	Metadata metadata.Metadata
}

// StopEvent tells the application to finish. Once returned, every later call
// to Next returns it again.
type StopEvent struct{}

// ErrorEvent reports an input that failed. The input is closed afterwards;
// the node keeps running unless the application calls Fail.
type ErrorEvent struct {
	Source string
	Reason string
	Err    error
}

func (InputEvent) Kind() EventKind { return EventInput }
func (StopEvent) Kind() EventKind  { return EventStop }
func (ErrorEvent) Kind() EventKind { return EventError }

func (InputEvent) event() {}
func (StopEvent) event()  {}
func (ErrorEvent) event() {}

// Message is the unit stored in endpoints.
type Message struct {
	Payload  []byte
	Metadata metadata.Metadata
}
