package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fill(t *testing.T, ep *Endpoint, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, ep.Push(context.Background(), msg(fmt.Sprintf("%s-%d", ep.ID(), i))))
	}
}

func nextInput(t *testing.T, m *Multiplexer) InputEvent {
	t.Helper()
	ev, err := m.Next(testContext(t))
	require.NoError(t, err)
	in, ok := ev.(InputEvent)
	require.Truef(t, ok, "expected input event, got %#v", ev)
	return in
}

func TestMultiplexerPreservesPerSourceOrder(t *testing.T) {
	a, b := NewEndpoint("a", 16), NewEndpoint("b", 16)
	fill(t, a, 10)
	fill(t, b, 10)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	last := map[string]uint64{}
	for i := 0; i < 20; i++ {
		ev := nextInput(t, m)
		seq, err := ev.Metadata.Sequence()
		require.NoError(t, err)
		if seq <= last[ev.Source] {
			t.Fatalf("source %s went from seq %d to %d", ev.Source, last[ev.Source], seq)
		}
		last[ev.Source] = seq
	}
	assert.Equal(t, map[string]uint64{"a": 10, "b": 10}, last)
}

func TestMultiplexerIsFair(t *testing.T) {
	a, b := NewEndpoint("a", 16), NewEndpoint("b", 16)
	fill(t, a, 10)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	assert.Equal(t, "a", nextInput(t, m).Source)
	fill(t, b, 1)

	// b has one pending event; it must be served within K+1 calls even
	// though a still has nine.
	var sources []string
	for i := 0; i < 11; i++ {
		sources = append(sources, nextInput(t, m).Source)
		if sources[len(sources)-1] == "b" {
			break
		}
	}
	assert.Contains(t, sources, "b")
	assert.LessOrEqual(t, len(sources), 2)
}

func TestMultiplexerIsFairWhenBothSourcesAreBacklogged(t *testing.T) {
	const k = 10
	a, b := NewEndpoint("a", 16), NewEndpoint("b", 16)
	fill(t, a, k+2)
	fill(t, b, k+2)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	sinceB := 0
	seen := map[string]int{}
	for i := 0; i < 2*(k+2); i++ {
		ev := nextInput(t, m)
		seen[ev.Source]++
		assert.Equal(t, fmt.Sprintf("%s-%d", ev.Source, seen[ev.Source]), string(ev.Payload))
		if ev.Source == "b" {
			sinceB = 0
			continue
		}
		sinceB++
		if b.Len() > 0 {
			require.LessOrEqual(t, sinceB, k+1, "b starved while it had pending events")
		}
	}
	assert.Equal(t, map[string]int{"a": k + 2, "b": k + 2}, seen)
}

func TestMultiplexerAlternatesBetweenBusySources(t *testing.T) {
	a, b := NewEndpoint("a", 8), NewEndpoint("b", 8)
	fill(t, a, 3)
	fill(t, b, 3)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	var got []string
	for i := 0; i < 6; i++ {
		got = append(got, string(nextInput(t, m).Payload))
	}
	assert.Equal(t, []string{"a-1", "b-1", "a-2", "b-2", "a-3", "b-3"}, got)
}

func TestMultiplexerStopAfterRequestDeliversQueued(t *testing.T) {
	a := NewEndpoint("a", 8)
	fill(t, a, 2)
	m := NewMultiplexer([]*Endpoint{a}, nil)

	m.RequestStop()
	assert.True(t, m.StopRequested())
	assert.True(t, a.Closed())

	assert.Equal(t, "a-1", string(nextInput(t, m).Payload))
	assert.Equal(t, "a-2", string(nextInput(t, m).Payload))

	for i := 0; i < 3; i++ {
		ev, err := m.Next(testContext(t))
		require.NoError(t, err)
		assert.Equal(t, EventStop, ev.Kind())
	}
}

func TestMultiplexerStopsWhenAllInputsClose(t *testing.T) {
	a, b := NewEndpoint("a", 2), NewEndpoint("b", 2)
	fill(t, b, 1)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	a.Close()
	assert.Equal(t, "b-1", string(nextInput(t, m).Payload))

	stopped := make(chan Event, 1)
	go func() {
		ev, _ := m.Next(context.Background())
		stopped <- ev
	}()

	select {
	case ev := <-stopped:
		t.Fatalf("stop delivered while b is open: %#v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	b.Close()
	select {
	case ev := <-stopped:
		assert.Equal(t, StopEvent{}, ev)
	case <-time.After(time.Second):
		t.Fatal("stop not delivered after every input closed")
	}
}

func TestMultiplexerWithoutInputsWaitsForStopRequest(t *testing.T) {
	m := NewMultiplexer(nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	m.RequestStop()
	ev, err := m.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, EventStop, ev.Kind())
}

func TestMultiplexerReportsFailedSourceOnce(t *testing.T) {
	a, b := NewEndpoint("a", 4), NewEndpoint("b", 4)
	fill(t, a, 1)
	boom := errors.New("broker went away")
	a.Fail(boom)
	m := NewMultiplexer([]*Endpoint{a, b}, nil)

	assert.Equal(t, "a-1", string(nextInput(t, m).Payload))

	ev, err := m.Next(testContext(t))
	require.NoError(t, err)
	errEv, ok := ev.(ErrorEvent)
	require.True(t, ok, "expected error event, got %#v", ev)
	assert.Equal(t, "a", errEv.Source)
	assert.ErrorIs(t, errEv.Err, boom)
	assert.Contains(t, errEv.Reason, "broker went away")

	fill(t, b, 1)
	assert.Equal(t, "b-1", string(nextInput(t, m).Payload))

	b.Close()
	ev, err = m.Next(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, EventStop, ev.Kind())
}

func TestMultiplexerNextConsumesNothingOnCancel(t *testing.T) {
	a := NewEndpoint("a", 2)
	m := NewMultiplexer([]*Endpoint{a}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	fill(t, a, 1)
	assert.Equal(t, "a-1", string(nextInput(t, m).Payload))
}

func TestMultiplexerWakesOnPush(t *testing.T) {
	a := NewEndpoint("a", 2)
	m := NewMultiplexer([]*Endpoint{a}, nil)

	got := make(chan Event, 1)
	go func() {
		ev, _ := m.Next(context.Background())
		got <- ev
	}()

	time.Sleep(20 * time.Millisecond)
	fill(t, a, 1)

	select {
	case ev := <-got:
		assert.Equal(t, EventInput, ev.Kind())
	case <-time.After(time.Second):
		t.Fatal("next did not wake up on push")
	}
}

func TestEventKindString(t *testing.T) {
	assert.Equal(t, "INPUT", InputEvent{}.Kind().String())
	assert.Equal(t, "STOP", StopEvent{}.Kind().String())
	assert.Equal(t, "ERROR", ErrorEvent{}.Kind().String())
	assert.Equal(t, "UNKNOWN", EventKind(0).String())
}
