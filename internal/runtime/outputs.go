package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodeflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// runForwarder publishes everything queued in ep to topic until ep is closed
// and drained or ctx ends. Publish errors are logged and the message is
// dropped.
func (n *Node) runForwarder(ctx context.Context, ep *Endpoint, pub message.Publisher, topic string) {
	defer n.forwarders.Done()

	log := n.logger.With(loggingpkg.LogFields{"destination": ep.ID(), "topic": topic})
	for {
		msg, err := ep.Pop(ctx)
		if err != nil {
			return
		}

		uuid := msg.Metadata.MessageID()
		if uuid == "" {
			uuid = ids.CreateULID()
		}
		wm := message.NewMessage(uuid, msg.Payload)
		wm.Metadata = metadata.ToWatermill(msg.Metadata)
		wm.SetContext(ctx)

		if err := pub.Publish(topic, wm); err != nil {
			log.Error("Failed to publish message", err, loggingpkg.LogFields{"message_uuid": uuid})
			if n.metrics != nil {
				n.metrics.RecordPublishError(n.id, ep.ID())
			}
		}
	}
}
