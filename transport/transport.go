// Package transport defines how nodeflow reaches message brokers. Each backend
// (kafka, rabbitmq, nats, ...) lives in its own sub-package and registers a
// Builder under its name; node inputs subscribe and node outputs publish
// through the Transport a builder returns.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
// Either side may be nil when a backend only supports one direction.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides, tolerating nil and shared instances.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the values backends need without depending on the runtime
// config package.
type Config interface {
	// GetDefaultTransport names the backend used when a port leaves its
	// transport empty.
	GetDefaultTransport() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetSQLiteFile() string

	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their
// capabilities at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
