package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// runTimer pushes an empty message into ep on every tick. Ticks that arrive
// while ep is full are coalesced by the ticker.
func (n *Node) runTimer(ctx context.Context, ep *Endpoint, every time.Duration) {
	defer n.pumps.Done()

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := ep.Push(ctx, Message{Payload: []byte{}}); err != nil {
			return
		}
	}
}

// runPump copies a transport subscription into ep, acking every message the
// endpoint accepted. The endpoint closes when the subscription ends.
func (n *Node) runPump(ctx context.Context, ep *Endpoint, topic string, msgs <-chan *message.Message) {
	defer n.pumps.Done()

	log := n.logger.With(loggingpkg.LogFields{"source": ep.ID(), "topic": topic})
	for {
		var msg *message.Message
		var ok bool
		select {
		case <-ctx.Done():
			return
		case msg, ok = <-msgs:
		}
		if !ok {
			if ctx.Err() == nil {
				log.Info("Subscription ended, closing input", nil)
				ep.Close()
			}
			return
		}

		err := ep.Push(ctx, Message{
			Payload:  msg.Payload,
			Metadata: metadata.FromWatermill(msg.Metadata),
		})
		if err == nil {
			msg.Ack()
			continue
		}

		msg.Nack()
		var upstream *errspkg.UpstreamError
		switch {
		case errors.As(err, &upstream):
			log.Error("Rejected malformed message", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
		case errors.Is(err, errspkg.ErrEndpointClosed):
			log.Debug("Input closed, dropping message", loggingpkg.LogFields{"message_uuid": msg.UUID})
		}
		return
	}
}
