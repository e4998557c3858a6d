// Package transports imports every built-in backend so they register with
// the default registry. Import it for side effects.
package transports

import (
	_ "github.com/drblury/nodeflow/transport/aws"
	_ "github.com/drblury/nodeflow/transport/channel"
	_ "github.com/drblury/nodeflow/transport/http"
	_ "github.com/drblury/nodeflow/transport/io"
	_ "github.com/drblury/nodeflow/transport/jetstream"
	_ "github.com/drblury/nodeflow/transport/kafka"
	_ "github.com/drblury/nodeflow/transport/nats"
	_ "github.com/drblury/nodeflow/transport/postgres"
	_ "github.com/drblury/nodeflow/transport/rabbitmq"
	_ "github.com/drblury/nodeflow/transport/sqlite"
)
