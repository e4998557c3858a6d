package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

func TestEndpointCapacityIsAtLeastOne(t *testing.T) {
	assert.Equal(t, 1, NewEndpoint("a", 0).Cap())
	assert.Equal(t, 1, NewEndpoint("a", -4).Cap())
	assert.Equal(t, 7, NewEndpoint("a", 7).Cap())
}

func TestEndpointBackpressure(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 2)

	require.NoError(t, ep.Push(ctx, msg("1")))
	require.NoError(t, ep.Push(ctx, msg("2")))

	pushed := make(chan error, 1)
	go func() { pushed <- ep.Push(ctx, msg("3")) }()

	select {
	case err := <-pushed:
		t.Fatalf("push into a full endpoint returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	first, ok := ep.TryPop()
	require.True(t, ok)
	assert.Equal(t, "1", string(first.Payload))

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("push did not resume after a pop freed space")
	}

	for _, want := range []string{"2", "3"} {
		got, ok := ep.TryPop()
		require.True(t, ok)
		assert.Equal(t, want, string(got.Payload))
	}
	_, ok = ep.TryPop()
	assert.False(t, ok)
}

func TestEndpointPushHonoursContext(t *testing.T) {
	ep := NewEndpoint("a", 1)
	require.NoError(t, ep.Push(context.Background(), msg("1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := ep.Push(ctx, msg("2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, ep.Len())
}

func TestEndpointCloseWakesBlockedPush(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 1)
	require.NoError(t, ep.Push(ctx, msg("1")))

	pushed := make(chan error, 1)
	go func() { pushed <- ep.Push(ctx, msg("2")) }()
	time.Sleep(20 * time.Millisecond)
	ep.Close()

	select {
	case err := <-pushed:
		assert.ErrorIs(t, err, errspkg.ErrEndpointClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the blocked push")
	}
}

func TestEndpointClosedStillDrains(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 4)
	require.NoError(t, ep.Push(ctx, msg("1")))
	require.NoError(t, ep.Push(ctx, msg("2")))

	ep.Close()
	ep.Close()

	assert.True(t, ep.Closed())
	assert.False(t, ep.Drained())
	assert.ErrorIs(t, ep.Push(ctx, msg("3")), errspkg.ErrEndpointClosed)

	for _, want := range []string{"1", "2"} {
		got, err := ep.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(got.Payload))
	}
	assert.True(t, ep.Drained())

	_, err := ep.Pop(ctx)
	assert.ErrorIs(t, err, errspkg.ErrEndpointClosed)
}

func TestEndpointStampsMissingSequence(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 4)

	require.NoError(t, ep.Push(ctx, msg("1")))
	require.NoError(t, ep.Push(ctx, Message{Metadata: metadata.New(metadata.KeySequence, uint64(10))}))
	require.NoError(t, ep.Push(ctx, msg("3")))

	var seqs []uint64
	for i := 0; i < 3; i++ {
		got, ok := ep.TryPop()
		require.True(t, ok)
		seq, err := got.Metadata.Sequence()
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	assert.Equal(t, []uint64{1, 10, 11}, seqs)
}

func TestEndpointMalformedSequenceFails(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 4)
	require.NoError(t, ep.Push(ctx, msg("ok")))

	err := ep.Push(ctx, Message{Metadata: metadata.New(metadata.KeySequence, "abc")})
	var upstream *errspkg.UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, "a", upstream.Source)
	assert.ErrorIs(t, err, errspkg.ErrSequenceInvalid)

	assert.True(t, ep.Closed())
	assert.Equal(t, err, ep.Err())

	got, err := ep.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got.Payload))

	_, err = ep.Pop(ctx)
	assert.ErrorAs(t, err, &upstream)
}

func TestEndpointFail(t *testing.T) {
	ep := NewEndpoint("a", 1)
	boom := errors.New("boom")
	ep.Fail(boom)
	ep.Fail(errors.New("ignored"))

	var upstream *errspkg.UpstreamError
	require.ErrorAs(t, ep.Err(), &upstream)
	assert.ErrorIs(t, ep.Err(), boom)
	assert.True(t, ep.Drained())
}

func TestEndpointPopWaitsForPush(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint("a", 1)

	popped := make(chan Message, 1)
	go func() {
		m, err := ep.Pop(ctx)
		if err == nil {
			popped <- m
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ep.Push(ctx, msg("late")))

	select {
	case m := <-popped:
		assert.Equal(t, "late", string(m.Payload))
	case <-time.After(time.Second):
		t.Fatal("pop did not wake up")
	}
}

func TestEndpointPopHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEndpoint("a", 1).Pop(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEndpointNotifySignalsListeners(t *testing.T) {
	ep := NewEndpoint("a", 2)
	wake := make(chan struct{}, 1)
	ep.Notify(wake)
	<-wake // Notify signals once on registration

	require.NoError(t, ep.Push(context.Background(), msg("1")))
	select {
	case <-wake:
	default:
		t.Fatal("push did not signal the listener")
	}

	ep.Close()
	select {
	case <-wake:
	default:
		t.Fatal("close did not signal the listener")
	}
}
