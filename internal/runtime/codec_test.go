package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/drblury/nodeflow/internal/runtime/metadata"
)

type reading struct {
	Sensor string  `json:"sensor"`
	Value  float64 `json:"value"`
}

func popInput(t *testing.T, ep *Endpoint) InputEvent {
	t.Helper()
	m, ok := ep.TryPop()
	require.True(t, ok)
	return InputEvent{Source: ep.ID(), Payload: m.Payload, Metadata: m.Metadata}
}

func TestSendJSONAndDecode(t *testing.T) {
	n := startTestNode(t, echoTopology(), Dependencies{})
	out, _ := n.Destination("random", "sink/in")

	require.NoError(t, n.SendJSON(testContext(t), "random", reading{Sensor: "t1", Value: 21.5}, metadata.Metadata{}))
	ev := popInput(t, out)
	assert.Equal(t, "application/json", ev.Metadata.GetString(metadata.KeyContentType))

	var got reading
	require.NoError(t, ev.DecodeJSON(&got))
	assert.Equal(t, reading{Sensor: "t1", Value: 21.5}, got)

	var msg structpb.Struct
	err := ev.DecodeProto(&msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content type")
}

func TestSendProtoAndDecode(t *testing.T) {
	n := startTestNode(t, echoTopology(), Dependencies{})
	out, _ := n.Destination("random", "sink/in")

	payload, err := structpb.NewStruct(map[string]any{"sensor": "t1", "value": 21.5})
	require.NoError(t, err)
	require.NoError(t, n.SendProto(testContext(t), "random", payload, metadata.New("tenant", "acme")))

	ev := popInput(t, out)
	assert.Equal(t, ContentTypeProtobuf, ev.Metadata.GetString(metadata.KeyContentType))
	assert.Equal(t, "acme", ev.Metadata.GetString("tenant"))

	var got structpb.Struct
	require.NoError(t, ev.DecodeProto(&got))
	assert.Equal(t, "t1", got.Fields["sensor"].GetStringValue())
	assert.Equal(t, 21.5, got.Fields["value"].GetNumberValue())

	var r reading
	assert.Error(t, ev.DecodeJSON(&r))
}

func TestDecodeWithoutContentType(t *testing.T) {
	ev := InputEvent{Source: "x", Payload: []byte(`{"sensor":"t2","value":1}`)}
	var got reading
	require.NoError(t, ev.DecodeJSON(&got))
	assert.Equal(t, "t2", got.Sensor)

	bad := InputEvent{Source: "x", Payload: []byte("{")}
	assert.Error(t, bad.DecodeJSON(&got))
}

func TestSendProtoRejectsNil(t *testing.T) {
	n := startTestNode(t, echoTopology(), Dependencies{})
	assert.Error(t, n.SendProto(testContext(t), "random", nil, metadata.Metadata{}))
}
