package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
)

type mockConfig struct {
	defaultTransport string
}

func (m *mockConfig) GetDefaultTransport() string   { return m.defaultTransport }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetHTTPServerAddress() string  { return "" }
func (m *mockConfig) GetHTTPPublisherURL() string   { return "" }
func (m *mockConfig) GetIOFile() string             { return "" }
func (m *mockConfig) GetSQLiteFile() string         { return "" }
func (m *mockConfig) GetPostgresURL() string        { return "" }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct {
	closed int
	err    error
}

func (m *mockPublisher) Publish(string, ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed++
	return m.err
}

type mockSubscriber struct {
	closed int
}

func (m *mockSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	m.closed++
	return nil
}

type mockPubSub struct {
	mockSubscriber
}

func (m *mockPubSub) Publish(string, ...*message.Message) error { return nil }

func TestTransportClose(t *testing.T) {
	pub := &mockPublisher{}
	sub := &mockSubscriber{}
	require.NoError(t, Transport{Publisher: pub, Subscriber: sub}.Close())
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)

	shared := &mockPubSub{}
	require.NoError(t, Transport{Publisher: shared, Subscriber: shared}.Close())
	assert.Equal(t, 1, shared.closed, "shared pub/sub must be closed once")

	require.NoError(t, Transport{}.Close())

	failing := &mockPublisher{err: errors.New("boom")}
	assert.ErrorContains(t, Transport{Publisher: failing}.Close(), "boom")
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	var gotLogger watermill.LoggerAdapter
	reg.Register("mock", func(_ context.Context, _ Config, logger watermill.LoggerAdapter) (Transport, error) {
		gotLogger = logger
		return Transport{Publisher: &mockPublisher{}, Subscriber: &mockSubscriber{}}, nil
	})

	tr, err := reg.Build(context.Background(), "mock", &mockConfig{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, gotLogger, "nil logger must be replaced")

	tr, err = reg.Build(context.Background(), "", &mockConfig{defaultTransport: "mock"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistryBuildErrors(t *testing.T) {
	reg := NewRegistry()
	reg.Register("broken", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, errors.New("dial failed")
	})

	_, err := reg.Build(context.Background(), "missing", &mockConfig{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrUnknownTransport)
	assert.Contains(t, err.Error(), "broken")

	_, err = reg.Build(context.Background(), "broken", &mockConfig{}, nil)
	assert.ErrorContains(t, err, "build broken transport: dial failed")

	_, err = reg.Build(context.Background(), "broken", nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
}

func TestRegistryNamesAndCapabilities(t *testing.T) {
	reg := NewRegistry()
	noop := func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) { return Transport{}, nil }
	reg.Register("zeta", noop)
	reg.RegisterWithCapabilities("alpha", noop, ChannelCapabilities)

	assert.Equal(t, []string{"alpha", "zeta"}, reg.Names())
	assert.True(t, reg.Has("zeta"))
	assert.False(t, reg.Has("beta"))

	caps := reg.GetCapabilities("alpha")
	assert.True(t, caps.Known())
	assert.True(t, caps.SupportsOrdering)

	unknown := reg.GetCapabilities("zeta")
	assert.False(t, unknown.Known())
	assert.Equal(t, "zeta", unknown.Name)
}

func TestCapabilitiesReliableDelivery(t *testing.T) {
	tests := []struct {
		caps Capabilities
		want bool
	}{
		{ChannelCapabilities, true},
		{RabbitMQCapabilities, true},
		{NATSJetStreamCapabilities, true},
		{KafkaCapabilities, false},
		{NATSCapabilities, false},
		{HTTPCapabilities, false},
		{IOCapabilities, false},
	}
	for _, tt := range tests {
		t.Run(tt.caps.Name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.SupportsReliableDelivery())
		})
	}
}

func TestDefaultRegistryHelpers(t *testing.T) {
	name := "transport-test-default"
	RegisterWithCapabilities(name, func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{Publisher: &mockPublisher{}}, nil
	}, Capabilities{Name: name, SupportsOrdering: true})
	Register(name+"-plain", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, nil
	})

	tr, err := Build(context.Background(), name, &mockConfig{}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.True(t, GetCapabilities(name).SupportsOrdering)
	assert.True(t, DefaultRegistry.Has(name+"-plain"))
}
