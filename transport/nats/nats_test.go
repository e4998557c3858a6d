package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/transporttest"
)

func TestBuild(t *testing.T) {
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	var pubURL, subURL string
	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubURL = cfg.URL
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		subURL = cfg.URL
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, "nats://localhost:4222", pubURL)
	assert.Equal(t, pubURL, subURL)

	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("no servers available")
	}
	_, err = Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "no servers available")
	assert.True(t, pub.Closed)

	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "URL is required")
}

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.False(t, caps.SupportsOrdering)
	assert.Equal(t, Capabilities(), caps)
}
