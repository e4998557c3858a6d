package transport

// Capabilities describes what a backend guarantees. Nodes log a warning when
// an input is bound to a transport that does not preserve ordering, since
// per-source order is only as good as the broker's.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport carries metadata headers, so
	// trace ids survive the hop.
	SupportsTracing bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport redelivers nacked messages.
	SupportsNack bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery returns true if the transport supports
// at-least-once delivery (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Known reports whether the capabilities were registered by a backend.
func (c Capabilities) Known() bool {
	return c != Capabilities{Name: c.Name}
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsTracing:  true,
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	PostgresCapabilities = Capabilities{
		Name:             "postgres",
		SupportsOrdering: true,
		SupportsTracing:  true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
		SupportsTracing:  true,
	}
)

// GetCapabilities returns the capabilities registered for name in the
// default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
