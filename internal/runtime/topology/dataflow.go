package topology

import (
	"errors"
	"fmt"
)

// Dataflow describes several nodes whose link inputs refer to each other's
// outputs.
type Dataflow struct {
	Nodes []Node `yaml:"nodes" json:"nodes"`
}

// Node returns the node with the given id.
func (d Dataflow) Node(id string) (Node, bool) {
	for _, n := range d.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Link connects an output of one node to an input of another.
type Link struct {
	FromNode   string
	FromOutput string
	ToNode     string
	ToInput    string
	QueueSize  int
}

// Target returns the "<node>/<input>" address of the receiving side.
func (l Link) Target() string { return l.ToNode + "/" + l.ToInput }

// Links lists every link input in node order. Call Validate first.
func (d Dataflow) Links() []Link {
	var links []Link
	for _, n := range d.Nodes {
		for _, in := range n.Inputs {
			fromNode, fromOutput, ok := in.Link()
			if !ok {
				continue
			}
			links = append(links, Link{
				FromNode:   fromNode,
				FromOutput: fromOutput,
				ToNode:     n.ID,
				ToInput:    in.ID,
				QueueSize:  in.QueueSize,
			})
		}
	}
	return links
}

// Validate checks every node and resolves every link input: the source node
// must exist and declare the referenced output.
func (d Dataflow) Validate() error {
	if len(d.Nodes) == 0 {
		return errors.New("dataflow has no nodes")
	}

	var errs []error
	seen := make(map[string]struct{}, len(d.Nodes))
	for _, n := range d.Nodes {
		if err := n.Validate(); err != nil {
			errs = append(errs, err)
		}
		if _, dup := seen[n.ID]; dup && n.ID != "" {
			errs = append(errs, fmt.Errorf("duplicate node %q", n.ID))
		}
		seen[n.ID] = struct{}{}
	}

	for _, n := range d.Nodes {
		for _, in := range n.Inputs {
			if err := d.checkInput(n, in); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (d Dataflow) checkInput(n Node, in Input) error {
	fromNode, fromOutput, ok := in.Link()
	if !ok {
		return nil
	}
	source, ok := d.Node(fromNode)
	if !ok {
		return fmt.Errorf("%s/%s: source node %q not found", n.ID, in.ID, fromNode)
	}
	if _, ok := source.Output(fromOutput); !ok {
		return fmt.Errorf("%s/%s: node %q has no output %q", n.ID, in.ID, fromNode, fromOutput)
	}
	if fromNode == n.ID {
		return fmt.Errorf("%s/%s: node cannot consume its own output", n.ID, in.ID)
	}
	return nil
}
