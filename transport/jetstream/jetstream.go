// Package jetstream provides a NATS JetStream transport for nodeflow. Every
// topic maps to a subject inside one stream and is consumed through a durable
// pull consumer, so node inputs resume where they left off after a restart.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/nodeflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "NODEFLOW"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultFetchBatch = 10
)

var errClosed = errors.New("nats-jetstream: transport is closed")

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS and ensures the stream exists.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg.GetNATSURL() == "" {
		return transport.Transport{}, errors.New("nats-jetstream: URL is required")
	}
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// RetentionPolicy is "limits" (default), "interest" or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.RetentionPolicy {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Transport implements message.Publisher and message.Subscriber.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subMu         sync.Mutex
	subscriptions []*nats.Subscription

	closeOnce sync.Once
	closed    chan struct{}
}

// New connects to the server and creates or updates the stream.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("nodeflow"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:     nc,
		js:     js,
		config: cfg,
		logger: logger,
		closed: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		if _, infoErr := t.js.StreamInfo(t.config.StreamName); infoErr != nil {
			return fmt.Errorf("ensure stream %s: %w", t.config.StreamName, err)
		}
		t.logger.Info("JetStream stream exists with different settings", watermill.LogFields{
			"stream": t.config.StreamName,
		})
	}
	return nil
}

// Publish sends every message synchronously and waits for the stream ack.
func (t *Transport) Publish(topic string, msgs ...*message.Message) error {
	if t.isClosed() {
		return errClosed
	}
	subject := Subject(t.config.StreamName, topic)
	for _, msg := range msgs {
		if _, err := t.js.PublishMsg(toNATS(subject, msg)); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

// Subscribe creates or updates a durable consumer for topic and delivers its
// messages one at a time; the next message is only fetched after the
// previous one was acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, errClosed
	}

	subject := Subject(t.config.StreamName, topic)
	durable := ConsumerName(topic)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", durable, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, durable, nats.Bind(t.config.StreamName, durable))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	t.subMu.Lock()
	t.subscriptions = append(t.subscriptions, sub)
	t.subMu.Unlock()

	out := make(chan *message.Message)
	go t.consume(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer close(out)
	logFields := watermill.LogFields{"topic": topic}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closed:
			return
		default:
		}

		batch, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if t.isClosed() || errors.Is(err, nats.ErrBadSubscription) || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			t.logger.Error("JetStream fetch failed", err, logFields)
			continue
		}

		for _, natsMsg := range batch {
			msg := fromNATS(natsMsg)
			msg.SetContext(ctx)
			select {
			case out <- msg:
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}

			select {
			case <-msg.Acked():
				err = natsMsg.Ack()
			case <-msg.Nacked():
				err = natsMsg.Nak()
			case <-ctx.Done():
				return
			case <-t.closed:
				return
			}
			if err != nil {
				t.logger.Error("JetStream ack failed", err, logFields)
			}
		}
	}
}

// Close stops every consumer loop and drops the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.subMu.Lock()
		for _, sub := range t.subscriptions {
			_ = sub.Unsubscribe()
		}
		t.subscriptions = nil
		t.subMu.Unlock()

		t.nc.Close()
	})
	return nil
}

// Capabilities reports the JetStream capabilities.
func (t *Transport) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Subject maps a topic to a subject inside the stream.
func Subject(stream, topic string) string {
	return stream + "." + topic
}

// ConsumerName derives a durable consumer name; durable names cannot contain
// '.', '*', '>' or whitespace.
func ConsumerName(topic string) string {
	r := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")
	return "nodeflow_" + r.Replace(topic)
}

func toNATS(subject string, msg *message.Message) *nats.Msg {
	header := nats.Header{}
	for k, v := range msg.Metadata {
		header.Set(k, v)
	}
	header.Set(nats.MsgIdHdr, msg.UUID)
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: header}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}
