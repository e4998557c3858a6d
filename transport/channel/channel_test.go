package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestSharedPubSubConnectsHandles(t *testing.T) {
	a, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	b, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, err := b.Subscriber.Subscribe(ctx, "frames")
	require.NoError(t, err)

	require.NoError(t, a.Publisher.Publish("frames", message.NewMessage("1", []byte("hello"))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered across handles")
	}

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "closing a handle twice is a no-op")
	require.NoError(t, b.Close())
}

func TestFactoryClosedWithLastHandle(t *testing.T) {
	originalFactory := Factory
	defer func() { Factory = originalFactory }()

	built := 0
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		built++
		assert.Equal(t, int64(OutputBuffer), cfg.OutputChannelBuffer)
		return pub, sub
	}

	first, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	second, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	require.NoError(t, first.Close())
	assert.False(t, pub.Closed)
	require.NoError(t, second.Close())
	assert.True(t, pub.Closed)
	assert.True(t, sub.Closed)

	third, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, 2, built, "a new pub/sub is created after full release")
	require.NoError(t, third.Close())
}
