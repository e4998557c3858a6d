package runtime

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/nodeflow/internal/runtime/ids"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// Propagator derives the metadata of outgoing messages from the metadata of
// the message being handled.
type Propagator struct {
	nodeID string
	newID  func() string
	now    func() time.Time
}

func NewPropagator(nodeID string) *Propagator {
	return &Propagator{
		nodeID: nodeID,
		newID:  ids.CreateULID,
		now:    time.Now,
	}
}

// Derive copies every parent entry and then sets the reserved keys. The trace
// id is inherited from the parent, then from the span in ctx, and otherwise a
// new trace is started. The parent's message id becomes the causation id.
func (p *Propagator) Derive(ctx context.Context, parent metadata.Metadata, port string, seq uint64) metadata.Metadata {
	md := parent

	if md.TraceID() == "" {
		traceID := ""
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		} else {
			traceID = p.newID()
		}
		md = md.With(metadata.KeyTraceID, traceID)
	}

	if parentID := parent.MessageID(); parentID != "" {
		md = md.With(metadata.KeyCausationID, parentID)
	} else {
		md = md.Without(metadata.KeyCausationID)
	}

	return md.
		With(metadata.KeyMessageID, p.newID()).
		With(metadata.KeySequence, seq).
		With(metadata.KeyTimestamp, p.now().UTC().Format(time.RFC3339Nano)).
		With(metadata.KeyNodeID, p.nodeID).
		With(metadata.KeyOutputID, port)
}
