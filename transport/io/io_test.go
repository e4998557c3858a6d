package io

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nodeflow/internal/runtime/jsoncodec"
	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.SupportsOrdering)
	assert.Equal(t, transport.IOCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("uses default file path when empty", func(t *testing.T) {
		origPub := PublisherFactory
		defer func() { PublisherFactory = origPub }()

		var gotPath string
		PublisherFactory = func(filePath string, _ watermill.LoggerAdapter) (message.Publisher, error) {
			gotPath = filePath
			return &transporttest.Publisher{}, nil
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, DefaultFilePath, gotPath)
	})

	t.Run("subscriber factory error closes publisher", func(t *testing.T) {
		origPub, origSub := PublisherFactory, SubscriberFactory
		defer func() { PublisherFactory, SubscriberFactory = origPub, origSub }()

		pub := &transporttest.Publisher{}
		PublisherFactory = func(string, watermill.LoggerAdapter) (message.Publisher, error) { return pub, nil }
		SubscriberFactory = func(string, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("no file")
		}
		_, err := Build(context.Background(), &transporttest.Config{IOFile: "x"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "no file")
		assert.True(t, pub.Closed)
	})
}

func TestPublishWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	tr, err := Build(context.Background(), &transporttest.Config{IOFile: path}, watermill.NopLogger{})
	require.NoError(t, err)

	msg := message.NewMessage("id-1", []byte("hello"))
	msg.Metadata.Set("seq", "1")
	require.NoError(t, tr.Publisher.Publish("frames", msg, message.NewMessage("id-2", []byte("world"))))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, jsoncodec.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)
	assert.Equal(t, "frames", records[0].Topic)
	assert.Equal(t, "1", records[0].Metadata["seq"])
	assert.Equal(t, "world", string(records[1].Payload))
}

func TestSubscribeFiltersAndFollows(t *testing.T) {
	origPoll := PollInterval
	PollInterval = 5 * time.Millisecond
	defer func() { PollInterval = origPoll }()

	path := filepath.Join(t.TempDir(), "bus.jsonl")
	tr, err := Build(context.Background(), &transporttest.Config{IOFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	require.NoError(t, tr.Publisher.Publish("other", message.NewMessage("skip", []byte("skip"))))
	require.NoError(t, tr.Publisher.Publish("frames", message.NewMessage("a", []byte("first"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscriber.Subscribe(ctx, "frames")
	require.NoError(t, err)

	got := func() *message.Message {
		select {
		case msg := <-ch:
			msg.Ack()
			return msg
		case <-time.After(3 * time.Second):
			t.Fatal("timed out")
			return nil
		}
	}
	assert.Equal(t, "first", string(got().Payload))

	require.NoError(t, tr.Publisher.Publish("frames", message.NewMessage("b", []byte("second"))))
	assert.Equal(t, "second", string(got().Payload))

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 5*time.Millisecond)
}
