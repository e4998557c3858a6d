// Package channel provides an in-process transport backed by watermill's
// GoChannel. Every node in the process that builds the channel transport
// shares one pub/sub, so topics connect nodes without a broker.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/nodeflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// OutputBuffer is the per-subscription buffer of the shared GoChannel.
const OutputBuffer = 64

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

var shared struct {
	mu   sync.Mutex
	refs int
	pub  message.Publisher
	sub  message.Subscriber
}

// Build returns a handle on the process-wide pub/sub. The pub/sub is closed
// once every handle has been closed.
func Build(_ context.Context, _ transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	if shared.refs == 0 {
		shared.pub, shared.sub = Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger)
	}
	shared.refs++

	h := &handle{pub: shared.pub, sub: shared.sub}
	return transport.Transport{Publisher: h, Subscriber: h}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

type handle struct {
	once sync.Once
	pub  message.Publisher
	sub  message.Subscriber
}

func (h *handle) Publish(topic string, msgs ...*message.Message) error {
	return h.pub.Publish(topic, msgs...)
}

func (h *handle) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return h.sub.Subscribe(ctx, topic)
}

func (h *handle) Close() error {
	var err error
	h.once.Do(func() { err = release() })
	return err
}

func release() error {
	shared.mu.Lock()
	defer shared.mu.Unlock()

	shared.refs--
	if shared.refs > 0 {
		return nil
	}
	pub, sub := shared.pub, shared.sub
	shared.pub, shared.sub = nil, nil
	if err := pub.Close(); err != nil {
		return err
	}
	if any(sub) != any(pub) {
		return sub.Close()
	}
	return nil
}
