// Package http provides an HTTP transport for nodeflow. Outputs POST each
// message to <publisher_url><topic>; inputs are served as POST routes on
// <server_address>/<topic>.
package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodeflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register adds the HTTP transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// Build creates the publisher when a publisher URL is configured and the
// subscriber when a server address is configured.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	serverAddr := cfg.GetHTTPServerAddress()
	publisherURL := cfg.GetHTTPPublisherURL()
	if serverAddr == "" && publisherURL == "" {
		return transport.Transport{}, errors.New("http: server address or publisher URL is required")
	}

	var tr transport.Transport
	if publisherURL != "" {
		publisher, err := PublisherFactory(http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(TopicURL(publisherURL, topic), msg)
			},
		}, logger)
		if err != nil {
			return transport.Transport{}, err
		}
		tr.Publisher = publisher
	}

	if serverAddr != "" {
		subscriber, err := SubscriberFactory(serverAddr, http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		}, logger)
		if err != nil {
			if tr.Publisher != nil {
				_ = tr.Publisher.Close()
			}
			return transport.Transport{}, err
		}
		tr.Subscriber = &lazySubscriber{Subscriber: subscriber, logger: logger}
	}
	return tr, nil
}

// TopicURL joins the publisher base URL and a topic.
func TopicURL(base, topic string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(topic, "/")
}

// RoutePath maps a topic to the route served by the subscriber.
func RoutePath(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

type serverStarter interface {
	StartHTTPServer() error
}

// lazySubscriber starts the HTTP server once the first route is registered,
// since routes must exist before the server starts accepting requests.
type lazySubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *lazySubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, RoutePath(topic))
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		starter, ok := s.Subscriber.(serverStarter)
		if !ok {
			return
		}
		go func() {
			if err := starter.StartHTTPServer(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
				s.logger.Error("HTTP subscriber server stopped", err, nil)
			}
		}()
	})
	return ch, nil
}
