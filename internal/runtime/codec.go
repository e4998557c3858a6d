package runtime

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/drblury/nodeflow/internal/runtime/jsoncodec"
	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

// ContentTypeProtobuf marks payloads encoded with SendProto.
const ContentTypeProtobuf = "application/x-protobuf"

// SendJSON encodes v as JSON and sends it on port with content_type set.
func (n *Node) SendJSON(ctx context.Context, port string, v any, md metadata.Metadata) error {
	payload, err := jsoncodec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return n.Send(ctx, port, payload, md.With(metadata.KeyContentType, jsoncodec.ContentType))
}

// SendProto encodes msg in protobuf binary form and sends it on port with
// content_type set.
func (n *Node) SendProto(ctx context.Context, port string, msg proto.Message, md metadata.Metadata) error {
	if msg == nil {
		return errors.New("encode protobuf: message is nil")
	}
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode protobuf: %w", err)
	}
	return n.Send(ctx, port, payload, md.With(metadata.KeyContentType, ContentTypeProtobuf))
}

// DecodeJSON decodes the payload into v. A content_type other than JSON is
// rejected; a missing one is accepted.
func (e InputEvent) DecodeJSON(v any) error {
	if err := e.checkContentType(jsoncodec.ContentType); err != nil {
		return err
	}
	if err := jsoncodec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode json from %q: %w", e.Source, err)
	}
	return nil
}

// DecodeProto decodes the payload into msg. A content_type other than
// protobuf is rejected; a missing one is accepted.
func (e InputEvent) DecodeProto(msg proto.Message) error {
	if err := e.checkContentType(ContentTypeProtobuf); err != nil {
		return err
	}
	if err := proto.Unmarshal(e.Payload, msg); err != nil {
		return fmt.Errorf("decode protobuf from %q: %w", e.Source, err)
	}
	return nil
}

func (e InputEvent) checkContentType(want string) error {
	got := e.Metadata.GetString(metadata.KeyContentType)
	if got != "" && got != want {
		return fmt.Errorf("input %q has content type %q, want %q", e.Source, got, want)
	}
	return nil
}
