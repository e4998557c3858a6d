package nodeflow

import (
	runtimepkg "github.com/drblury/nodeflow/internal/runtime"
	configpkg "github.com/drblury/nodeflow/internal/runtime/config"
	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
	idspkg "github.com/drblury/nodeflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/nodeflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/nodeflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/nodeflow/internal/runtime/metadata"
	topologypkg "github.com/drblury/nodeflow/internal/runtime/topology"
	transportpkg "github.com/drblury/nodeflow/internal/runtime/transport"
	newtransport "github.com/drblury/nodeflow/transport"
)

type (
	Config       = configpkg.Config
	Node         = runtimepkg.Node
	Dependencies = runtimepkg.Dependencies
	Dataflow     = runtimepkg.Dataflow

	// Events returned by Node.Next
	Event      = runtimepkg.Event
	EventKind  = runtimepkg.EventKind
	InputEvent = runtimepkg.InputEvent
	StopEvent  = runtimepkg.StopEvent
	ErrorEvent = runtimepkg.ErrorEvent

	Message          = runtimepkg.Message
	Endpoint         = runtimepkg.Endpoint
	Multiplexer      = runtimepkg.Multiplexer
	DegradedDelivery = runtimepkg.DegradedDelivery
	State            = runtimepkg.State

	Metadata      = metadatapkg.Metadata
	MetadataEntry = metadatapkg.Entry

	// Topology descriptions
	NodeTopology     = topologypkg.Node
	DataflowTopology = topologypkg.Dataflow
	Input            = topologypkg.Input
	Output           = topologypkg.Output
	Destination      = topologypkg.Destination
	Link             = topologypkg.Link
	SourceKind       = topologypkg.SourceKind

	// Lifecycle hooks and metrics
	NodeHooks = runtimepkg.NodeHooks
	Metrics   = runtimepkg.Metrics

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	InitializationError = errspkg.InitializationError
	UpstreamError       = errspkg.UpstreamError
	SendError           = errspkg.SendError
	SendErrorKind       = errspkg.SendErrorKind

	Transport        = transportpkg.Transport
	TransportFactory = transportpkg.Factory
	Capabilities     = transportpkg.Capabilities

	TransportBuilder  = newtransport.Builder
	TransportConfig   = newtransport.Config
	TransportRegistry = newtransport.Registry
)

var (
	NewNode        = runtimepkg.NewNode
	NewDataflow    = runtimepkg.NewDataflow
	NewEndpoint    = runtimepkg.NewEndpoint
	NewMultiplexer = runtimepkg.NewMultiplexer
	NewMetrics     = runtimepkg.NewMetrics
	MetricsHandler = runtimepkg.Handler

	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	LoadNodeTopology      = topologypkg.LoadNode
	LoadDataflowTopology  = topologypkg.LoadDataflow
	ParseNodeTopology     = topologypkg.ParseNodeYAML
	ParseDataflowTopology = topologypkg.ParseDataflowYAML

	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks

	NewMetadata     = metadatapkg.New
	MetadataFromMap = metadatapkg.FromMap

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZapServiceLogger       = loggingpkg.NewZapServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopServiceLogger       = loggingpkg.NewNopServiceLogger

	DefaultTransportFactory           = transportpkg.DefaultFactory
	RegistryTransportFactory          = transportpkg.RegistryFactory
	NewTransportRegistry              = newtransport.NewRegistry
	RegisterTransport                 = newtransport.Register
	RegisterTransportWithCapabilities = newtransport.RegisterWithCapabilities

	CreateULID = idspkg.CreateULID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

const (
	EventInput = runtimepkg.EventInput
	EventStop  = runtimepkg.EventStop
	EventError = runtimepkg.EventError

	StateCreated  = runtimepkg.StateCreated
	StateRunning  = runtimepkg.StateRunning
	StateDraining = runtimepkg.StateDraining
	StateStopped  = runtimepkg.StateStopped
	StateFailed   = runtimepkg.StateFailed

	SourceExternal  = topologypkg.SourceExternal
	SourceLink      = topologypkg.SourceLink
	SourceTimer     = topologypkg.SourceTimer
	SourceTransport = topologypkg.SourceTransport

	SendErrorUnknownPort = errspkg.UnknownPort
	SendErrorClosed      = errspkg.Closed

	ContentTypeJSON     = jsoncodec.ContentType
	ContentTypeProtobuf = runtimepkg.ContentTypeProtobuf
)

// Reserved metadata keys.
const (
	MetadataKeySequence    = metadatapkg.KeySequence
	MetadataKeyTraceID     = metadatapkg.KeyTraceID
	MetadataKeyMessageID   = metadatapkg.KeyMessageID
	MetadataKeyCausationID = metadatapkg.KeyCausationID
	MetadataKeyTimestamp   = metadatapkg.KeyTimestamp
	MetadataKeyNodeID      = metadatapkg.KeyNodeID
	MetadataKeyOutputID    = metadatapkg.KeyOutputID
	MetadataKeyContentType = metadatapkg.KeyContentType
)

var (
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrNodeIDRequired    = errspkg.ErrNodeIDRequired
	ErrNodeNotRunning    = errspkg.ErrNodeNotRunning
	ErrNodeFailed        = errspkg.ErrNodeFailed
	ErrInvalidTransition = errspkg.ErrInvalidTransition
	ErrEndpointClosed    = errspkg.ErrEndpointClosed
	ErrUnknownPort       = errspkg.ErrUnknownPort
	ErrPortClosed        = errspkg.ErrPortClosed
	ErrSequenceMissing   = errspkg.ErrSequenceMissing
	ErrSequenceInvalid   = errspkg.ErrSequenceInvalid
	ErrUnknownTransport  = errspkg.ErrUnknownTransport
	ErrTopicRequired     = errspkg.ErrTopicRequired
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// NodeFromFile loads a node topology and creates the node. The embedding
// process still has to call Start.
func NodeFromFile(conf *Config, path string, logger ServiceLogger, deps Dependencies) (*Node, error) {
	topo, err := topologypkg.LoadNode(path)
	if err != nil {
		return nil, err
	}
	return runtimepkg.NewNode(conf, topo, logger, deps)
}

// DataflowFromFile loads a dataflow topology and wires its nodes.
func DataflowFromFile(conf *Config, path string, logger ServiceLogger, deps Dependencies) (*Dataflow, error) {
	desc, err := topologypkg.LoadDataflow(path)
	if err != nil {
		return nil, err
	}
	return runtimepkg.NewDataflow(conf, desc, logger, deps)
}
