package http

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	watermillhttp "github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/transporttest"
)

type startingSubscriber struct {
	transporttest.Subscriber
	started chan struct{}
}

func (s *startingSubscriber) StartHTTPServer() error {
	close(s.started)
	return nil
}

func swapFactories(t *testing.T, pubErr, subErr error) (*watermillhttp.PublisherConfig, *startingSubscriber, *transporttest.Publisher) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() { PublisherFactory, SubscriberFactory = origPub, origSub })

	var pubCfg watermillhttp.PublisherConfig
	pub := &transporttest.Publisher{}
	sub := &startingSubscriber{started: make(chan struct{})}
	PublisherFactory = func(cfg watermillhttp.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		pubCfg = cfg
		if pubErr != nil {
			return nil, pubErr
		}
		return pub, nil
	}
	SubscriberFactory = func(string, watermillhttp.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		if subErr != nil {
			return nil, subErr
		}
		return sub, nil
	}
	return &pubCfg, sub, pub
}

func TestBuildBothDirections(t *testing.T) {
	pubCfg, sub, _ := swapFactories(t, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{
		HTTPServerAddress: ":0",
		HTTPPublisherURL:  "http://localhost:8080/",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	require.NotNil(t, tr.Publisher)
	require.NotNil(t, tr.Subscriber)

	req, err := pubCfg.MarshalMessageFunc("frames", message.NewMessage("id-1", []byte("x")))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/frames", req.URL.String())

	_, err = tr.Subscriber.Subscribe(context.Background(), "frames")
	require.NoError(t, err)
	<-sub.started
	_, err = tr.Subscriber.Subscribe(context.Background(), "boxes")
	require.NoError(t, err)
	assert.Equal(t, []string{"/frames", "/boxes"}, sub.Topics)
}

func TestBuildSingleDirection(t *testing.T) {
	swapFactories(t, nil, nil)

	tr, err := Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://localhost/"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.Nil(t, tr.Subscriber)

	tr, err = Build(context.Background(), &transporttest.Config{HTTPServerAddress: ":0"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestBuildErrors(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "server address or publisher URL is required")

	swapFactories(t, errors.New("publisher error"), nil)
	_, err = Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://x/"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "publisher error")

	_, _, pub := swapFactories(t, nil, errors.New("listen error"))
	_, err = Build(context.Background(), &transporttest.Config{HTTPPublisherURL: "http://x/", HTTPServerAddress: ":0"}, watermill.NopLogger{})
	assert.ErrorContains(t, err, "listen error")
	assert.True(t, pub.Closed)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "http://h/a", TopicURL("http://h/", "a"))
	assert.Equal(t, "http://h/a", TopicURL("http://h", "/a"))
	assert.Equal(t, "/a", RoutePath("a"))
	assert.Equal(t, "/a", RoutePath("/a"))
}

func TestRegister(t *testing.T) {
	Register()
	assert.Equal(t, transport.HTTPCapabilities, transport.GetCapabilities(TransportName))
	assert.False(t, Capabilities().SupportsOrdering)
}
