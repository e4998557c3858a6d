package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/nodeflow/internal/runtime/config"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/topology"
)

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewNopServiceLogger()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestNode(t *testing.T, topo topology.Node, deps Dependencies, mutate ...func(*config.Config)) *Node {
	t.Helper()
	conf := &config.Config{DrainTimeout: 2 * time.Second}
	for _, m := range mutate {
		m(conf)
	}
	n, err := NewNode(conf, topo, testLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { n.Fail(errors.New("test finished")) })
	return n
}

func startTestNode(t *testing.T, topo topology.Node, deps Dependencies, mutate ...func(*config.Config)) *Node {
	t.Helper()
	n := newTestNode(t, topo, deps, mutate...)
	require.NoError(t, n.Start(testContext(t)))
	return n
}

// echoTopology has one external input "x" and one output "random" with a
// single external destination "sink/in".
func echoTopology() topology.Node {
	return topology.Node{
		ID:     "echo",
		Inputs: []topology.Input{{ID: "x", QueueSize: 8}},
		Outputs: []topology.Output{{
			ID:           "random",
			Destinations: []topology.Destination{{Target: "sink/in", QueueSize: 8}},
		}},
	}
}

func msg(payload string) Message {
	return Message{Payload: []byte(payload)}
}

// runEcho forwards every input to port until Stop.
func runEcho(ctx context.Context, n *Node, port string) error {
	for {
		ev, err := n.Next(ctx)
		if err != nil {
			return err
		}
		switch e := ev.(type) {
		case InputEvent:
			if err := n.Send(ctx, port, e.Payload, e.Metadata); err != nil {
				return err
			}
		case ErrorEvent:
		case StopEvent:
			return nil
		}
	}
}

type transitionRecorder struct {
	mu          sync.Mutex
	transitions [][2]State
}

func (r *transitionRecorder) hooks() NodeHooks {
	return NodeHooks{
		OnStateChange: func(_ string, from, to State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transitions = append(r.transitions, [2]State{from, to})
		},
	}
}

func (r *transitionRecorder) get() [][2]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]State(nil), r.transitions...)
}
