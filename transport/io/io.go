// Package io provides a file transport for nodeflow. Published messages are
// appended as JSON lines; subscribers tail the file and pick the lines of
// their topic. Useful for recording a node's output and replaying it.
package io

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodeflow/internal/runtime/jsoncodec"
	"github.com/drblury/nodeflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "io"

// DefaultFilePath is used when the config leaves the file empty.
const DefaultFilePath = "nodeflow_messages.jsonl"

// PollInterval is how often a subscriber checks the file for new lines.
var PollInterval = 50 * time.Millisecond

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return &Publisher{filePath: filePath, logger: logger}, nil
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return &Subscriber{filePath: filePath, logger: logger, closed: make(chan struct{})}, nil
}

func init() {
	Register()
}

// Register adds the I/O transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.IOCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.IOCapabilities
}

// Build creates a publisher and subscriber on the configured file.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	filePath := cfg.GetIOFile()
	if filePath == "" {
		filePath = DefaultFilePath
	}

	pub, err := PublisherFactory(filePath, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	sub, err := SubscriberFactory(filePath, logger)
	if err != nil {
		_ = pub.Close()
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: pub, Subscriber: sub}, nil
}

// Record is one line of the file.
type Record struct {
	UUID     string            `json:"uuid"`
	Topic    string            `json:"topic"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// Publisher appends records to a file.
type Publisher struct {
	filePath string
	logger   watermill.LoggerAdapter
	mu       sync.Mutex
}

// Publish appends one line per message.
func (p *Publisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", p.filePath, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		rec := Record{UUID: msg.UUID, Topic: topic, Metadata: msg.Metadata, Payload: msg.Payload}
		if err := jsoncodec.Encode(w, rec); err != nil {
			return fmt.Errorf("encode message %s: %w", msg.UUID, err)
		}
	}
	return w.Flush()
}

// Close is a no-op; the file is opened per publish.
func (p *Publisher) Close() error { return nil }

// Subscriber tails a file.
type Subscriber struct {
	filePath  string
	logger    watermill.LoggerAdapter
	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe delivers every record of topic from the start of the file and
// then follows appended lines.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	f, err := os.OpenFile(s.filePath, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", s.filePath, err)
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		defer f.Close()
		s.tail(ctx, f, topic, out)
	}()
	return out, nil
}

func (s *Subscriber) tail(ctx context.Context, f *os.File, topic string, out chan<- *message.Message) {
	reader := bufio.NewReader(f)
	var partial []byte
	for {
		chunk, err := reader.ReadBytes('\n')
		partial = append(partial, chunk...)
		if errors.Is(err, io.EOF) {
			select {
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			case <-time.After(PollInterval):
			}
			continue
		}
		if err != nil {
			s.logger.Error("Failed to read message file", err, watermill.LogFields{"file": s.filePath})
			return
		}

		line := partial
		partial = nil
		if !s.deliver(ctx, line, topic, out) {
			return
		}
	}
}

// deliver reports whether tailing should continue.
func (s *Subscriber) deliver(ctx context.Context, line []byte, topic string, out chan<- *message.Message) bool {
	var rec Record
	if err := jsoncodec.Unmarshal(line, &rec); err != nil {
		s.logger.Error("Skipping malformed line", err, watermill.LogFields{"file": s.filePath})
		return true
	}
	if rec.Topic != topic {
		return true
	}

	msg := message.NewMessage(rec.UUID, rec.Payload)
	for k, v := range rec.Metadata {
		msg.Metadata.Set(k, v)
	}
	msg.SetContext(ctx)

	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
		s.logger.Debug("Nacked message is not redelivered", watermill.LogFields{"uuid": msg.UUID})
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	return true
}

// Close stops all subscriptions.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
