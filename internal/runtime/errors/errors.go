package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("nodeflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("nodeflow: logger is required")
	ErrNodeIDRequired    = sterrors.New("nodeflow: node id is required")
	ErrNodeNotRunning    = sterrors.New("nodeflow: node is not running")
	ErrNodeFailed        = sterrors.New("nodeflow: node failed")
	ErrInvalidTransition = sterrors.New("nodeflow: invalid state transition")
	ErrEndpointClosed    = sterrors.New("nodeflow: endpoint is closed")
	ErrUnknownPort       = sterrors.New("nodeflow: unknown output port")
	ErrPortClosed        = sterrors.New("nodeflow: output port is closed")
	ErrSequenceMissing   = sterrors.New("nodeflow: metadata has no sequence number")
	ErrSequenceInvalid   = sterrors.New("nodeflow: metadata sequence number is not an unsigned integer")
	ErrUnknownTransport  = sterrors.New("nodeflow: unknown transport")
	ErrTopicRequired     = sterrors.New("nodeflow: topic is required")
)

// InitializationError reports a node that could not be brought up. The node
// never reaches Running.
type InitializationError struct {
	Node string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("nodeflow: initialize node %q: %v", e.Node, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// UpstreamError reports a failed input source. It is delivered to the
// application as an Error event.
type UpstreamError struct {
	Source string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("nodeflow: input %q failed: %v", e.Source, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// SendErrorKind classifies a failed Send.
type SendErrorKind int

const (
	// UnknownPort means the port is not declared in the topology.
	UnknownPort SendErrorKind = iota + 1
	// Closed means no live destination accepted the message.
	Closed
)

func (k SendErrorKind) String() string {
	switch k {
	case UnknownPort:
		return "unknown_port"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// SendError is returned by Send. errors.Is matches it against ErrUnknownPort
// and ErrPortClosed.
type SendError struct {
	Kind SendErrorKind
	Port string
}

func (e *SendError) Error() string {
	switch e.Kind {
	case UnknownPort:
		return fmt.Sprintf("nodeflow: send to %q: unknown output port", e.Port)
	case Closed:
		return fmt.Sprintf("nodeflow: send to %q: port is closed", e.Port)
	default:
		return fmt.Sprintf("nodeflow: send to %q failed", e.Port)
	}
}

func (e *SendError) Is(target error) bool {
	switch e.Kind {
	case UnknownPort:
		return target == ErrUnknownPort
	case Closed:
		return target == ErrPortClosed
	}
	return false
}
