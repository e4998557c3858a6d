package transports

import (
	"testing"

	"github.com/drblury/nodeflow/transport"
)

func TestAllBackendsRegistered(t *testing.T) {
	for _, name := range []string{
		"aws", "channel", "http", "io", "nats-jetstream", "kafka", "nats", "postgres", "postgresql", "rabbitmq", "sqlite",
	} {
		if !transport.DefaultRegistry.Has(name) {
			t.Errorf("transport %q is not registered", name)
		}
		if !transport.GetCapabilities(name).Known() {
			t.Errorf("transport %q has no capabilities", name)
		}
	}
}
