// Package topology describes which inputs and outputs a node has and how they
// are connected, and validates those descriptions before a node starts.
package topology

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimerPrefix marks an input fed by a periodic timer, e.g. "timer/100ms".
const TimerPrefix = "timer/"

// SourceKind tells how an input is fed.
type SourceKind int

const (
	// SourceExternal inputs are fed by the embedding process through
	// Node.Input.
	SourceExternal SourceKind = iota
	// SourceLink inputs are fed in process by another node's output.
	SourceLink
	// SourceTimer inputs receive an empty payload on every tick.
	SourceTimer
	// SourceTransport inputs are fed by a transport subscription.
	SourceTransport
)

func (k SourceKind) String() string {
	switch k {
	case SourceExternal:
		return "external"
	case SourceLink:
		return "link"
	case SourceTimer:
		return "timer"
	case SourceTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Node is the topology of a single node.
type Node struct {
	ID      string   `yaml:"id" json:"id"`
	Inputs  []Input  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []Output `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Input is one named input source.
type Input struct {
	ID string `yaml:"id" json:"id"`
	// Source is "" (external), "<node>/<output>" (link) or "timer/<duration>".
	Source    string `yaml:"source,omitempty" json:"source,omitempty"`
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`
	Topic     string `yaml:"topic,omitempty" json:"topic,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// Output is one named output port.
type Output struct {
	ID           string        `yaml:"id" json:"id"`
	Destinations []Destination `yaml:"destinations,omitempty" json:"destinations,omitempty"`
}

// Destination is one receiver of an output port.
type Destination struct {
	// Target names the receiver, conventionally "<node>/<input>".
	Target    string `yaml:"target" json:"target"`
	Transport string `yaml:"transport,omitempty" json:"transport,omitempty"`
	Topic     string `yaml:"topic,omitempty" json:"topic,omitempty"`
	QueueSize int    `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
}

// Kind classifies the input.
func (i Input) Kind() SourceKind {
	switch {
	case i.Transport != "" || i.Topic != "":
		return SourceTransport
	case strings.HasPrefix(i.Source, TimerPrefix):
		return SourceTimer
	case i.Source != "":
		return SourceLink
	default:
		return SourceExternal
	}
}

// Link splits a link source into node and output ids.
func (i Input) Link() (node, output string, ok bool) {
	if i.Kind() != SourceLink {
		return "", "", false
	}
	return SplitAddress(i.Source)
}

// Interval parses the period of a timer input.
func (i Input) Interval() (time.Duration, error) {
	raw, ok := strings.CutPrefix(i.Source, TimerPrefix)
	if !ok {
		return 0, fmt.Errorf("input %q is not a timer", i.ID)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("input %q: invalid timer interval %q: %w", i.ID, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("input %q: timer interval must be positive", i.ID)
	}
	return d, nil
}

// UsesTransport reports whether the destination publishes to a transport.
func (d Destination) UsesTransport() bool {
	return d.Transport != "" || d.Topic != ""
}

// SplitAddress splits "<node>/<port>".
func SplitAddress(addr string) (node, port string, ok bool) {
	node, port, ok = strings.Cut(addr, "/")
	if !ok || node == "" || port == "" || strings.Contains(port, "/") {
		return "", "", false
	}
	return node, port, true
}

// Input returns the input with the given id.
func (n Node) Input(id string) (Input, bool) {
	for _, in := range n.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return Input{}, false
}

// Output returns the output with the given id.
func (n Node) Output(id string) (Output, bool) {
	for _, out := range n.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return Output{}, false
}

// Validate checks a single node description. Link sources are only checked
// for syntax; Dataflow.Validate resolves them.
func (n Node) Validate() error {
	var errs []error
	if n.ID == "" {
		errs = append(errs, errors.New("node id is required"))
	} else if strings.Contains(n.ID, "/") {
		errs = append(errs, fmt.Errorf("node id %q must not contain '/'", n.ID))
	}

	seen := make(map[string]struct{}, len(n.Inputs))
	for _, in := range n.Inputs {
		errs = append(errs, n.validateInput(in, seen)...)
	}

	seen = make(map[string]struct{}, len(n.Outputs))
	for _, out := range n.Outputs {
		errs = append(errs, n.validateOutput(out, seen)...)
	}
	return errors.Join(errs...)
}

func (n Node) validateInput(in Input, seen map[string]struct{}) []error {
	var errs []error
	if in.ID == "" {
		return []error{fmt.Errorf("%s: input id is required", n.ID)}
	}
	if _, dup := seen[in.ID]; dup {
		errs = append(errs, fmt.Errorf("%s/%s: duplicate input", n.ID, in.ID))
	}
	seen[in.ID] = struct{}{}

	if in.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("%s/%s: queue_size cannot be negative", n.ID, in.ID))
	}

	switch in.Kind() {
	case SourceTransport:
		if in.Source != "" {
			errs = append(errs, fmt.Errorf("%s/%s: source and transport are mutually exclusive", n.ID, in.ID))
		}
		if in.Topic == "" {
			errs = append(errs, fmt.Errorf("%s/%s: topic is required", n.ID, in.ID))
		}
	case SourceTimer:
		if _, err := in.Interval(); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", n.ID, in.ID, err))
		}
	case SourceLink:
		if _, _, ok := SplitAddress(in.Source); !ok {
			errs = append(errs, fmt.Errorf("%s/%s: source %q must be <node>/<output>", n.ID, in.ID, in.Source))
		}
	}
	return errs
}

func (n Node) validateOutput(out Output, seen map[string]struct{}) []error {
	var errs []error
	if out.ID == "" {
		return []error{fmt.Errorf("%s: output id is required", n.ID)}
	}
	if _, dup := seen[out.ID]; dup {
		errs = append(errs, fmt.Errorf("%s/%s: duplicate output", n.ID, out.ID))
	}
	seen[out.ID] = struct{}{}

	targets := make(map[string]struct{}, len(out.Destinations))
	for _, d := range out.Destinations {
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("%s/%s: destination target is required", n.ID, out.ID))
			continue
		}
		if _, dup := targets[d.Target]; dup {
			errs = append(errs, fmt.Errorf("%s/%s: duplicate destination %q", n.ID, out.ID, d.Target))
		}
		targets[d.Target] = struct{}{}
		if d.Transport != "" && d.Topic == "" {
			errs = append(errs, fmt.Errorf("%s/%s: destination %q: topic is required", n.ID, out.ID, d.Target))
		}
		if d.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("%s/%s: destination %q: queue_size cannot be negative", n.ID, out.ID, d.Target))
		}
	}
	return errs
}
