// Package sqlqueue implements a polling message queue on a SQL table. The
// sqlite and postgres transports share it and only differ in Dialect.
//
// A subscriber claims one message at a time by setting locked_until and
// only claims the next after the previous one was acked or nacked, so
// messages on a topic are delivered in publish order. Nacked messages are
// retried with a linear backoff and moved to the dead letter table after
// MaxRetries attempts.
package sqlqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/nodeflow/internal/runtime/jsoncodec"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultMaxRetries   = 3
	DefaultLockTimeout  = 30 * time.Second
	DefaultRetryBackoff = time.Second
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("sqlqueue: queue is closed")

// Config tunes polling and retries.
type Config struct {
	PollInterval time.Duration
	MaxRetries   int
	LockTimeout  time.Duration
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Queue implements message.Publisher and message.Subscriber.
type Queue struct {
	db      *sql.DB
	dialect Dialect
	q       queries
	config  Config
	logger  watermill.LoggerAdapter
	now     func() time.Time

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// New creates the schema and returns a queue owning db; Close closes db.
func New(ctx context.Context, db *sql.DB, dialect Dialect, cfg Config, logger watermill.LoggerAdapter) (*Queue, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	for _, stmt := range dialect.Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("%s: initialize schema: %w", dialect.Name, err)
		}
	}
	return &Queue{
		db:      db,
		dialect: dialect,
		q:       dialect.queries(),
		config:  cfg.withDefaults(),
		logger:  logger.With(watermill.LogFields{"transport": dialect.Name}),
		now:     time.Now,
		closed:  make(chan struct{}),
	}, nil
}

// DB returns the underlying database handle.
func (q *Queue) DB() *sql.DB { return q.db }

// Publish inserts all messages in one transaction.
func (q *Queue) Publish(topic string, msgs ...*message.Message) error {
	if q.isClosed() {
		return ErrClosed
	}

	ctx := context.Background()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	availableAt := q.now().UnixMilli()
	for _, msg := range msgs {
		md, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q.q.insert, msg.UUID, topic, msg.Payload, string(md), availableAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit publish: %w", err)
	}
	return nil
}

// Subscribe polls topic until ctx is cancelled or the queue is closed.
func (q *Queue) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if q.isClosed() {
		return nil, ErrClosed
	}
	out := make(chan *message.Message)
	q.wg.Add(1)
	go q.poll(ctx, topic, out)
	return out, nil
}

func (q *Queue) poll(ctx context.Context, topic string, out chan<- *message.Message) {
	defer q.wg.Done()
	defer close(out)

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		for q.deliverNext(ctx, topic, out) {
		}
		select {
		case <-ctx.Done():
			return
		case <-q.closed:
			return
		case <-ticker.C:
		}
	}
}

type claimed struct {
	id         int64
	retryCount int
	msg        *message.Message
}

// deliverNext claims and delivers one message and waits for its outcome.
// It reports whether polling should continue immediately.
func (q *Queue) deliverNext(ctx context.Context, topic string, out chan<- *message.Message) bool {
	if ctx.Err() != nil || q.isClosed() {
		return false
	}
	c, err := q.claim(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			q.logger.Error("Failed to claim message", err, watermill.LogFields{"topic": topic})
		}
		return false
	}
	c.msg.SetContext(ctx)

	select {
	case out <- c.msg:
	case <-ctx.Done():
		q.unlock(c.id)
		return false
	case <-q.closed:
		q.unlock(c.id)
		return false
	}

	select {
	case <-c.msg.Acked():
		q.exec(q.q.ack, c.id)
		return true
	case <-c.msg.Nacked():
		q.nack(c)
		return true
	case <-ctx.Done():
		q.unlock(c.id)
	case <-q.closed:
		q.unlock(c.id)
	}
	return false
}

func (q *Queue) claim(ctx context.Context, topic string) (claimed, error) {
	now := q.now()
	var (
		c       claimed
		uuid    string
		payload []byte
		md      []byte
	)
	row := q.db.QueryRowContext(ctx, q.q.claim,
		now.Add(q.config.LockTimeout).UnixMilli(), topic, now.UnixMilli(), now.UnixMilli())
	if err := row.Scan(&c.id, &uuid, &payload, &md, &c.retryCount); err != nil {
		return claimed{}, err
	}

	c.msg = message.NewMessage(uuid, payload)
	if len(md) > 0 {
		if err := jsoncodec.Unmarshal(md, &c.msg.Metadata); err != nil {
			q.logger.Error("Failed to decode metadata", err, watermill.LogFields{"uuid": uuid})
		}
	}
	if c.msg.Metadata == nil {
		c.msg.Metadata = make(message.Metadata)
	}
	return c, nil
}

func (q *Queue) nack(c claimed) {
	if c.retryCount+1 < q.config.MaxRetries {
		backoff := time.Duration(c.retryCount+1) * q.config.RetryBackoff
		q.exec(q.q.retry, q.now().Add(backoff).UnixMilli(), c.id)
		return
	}

	ctx := context.Background()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		q.logger.Error("Failed to begin dead letter move", err, nil)
		return
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, q.q.deadLetter, q.now().UnixMilli(), c.id); err != nil {
		q.logger.Error("Failed to move message to dead letters", err, watermill.LogFields{"uuid": c.msg.UUID})
		return
	}
	if _, err := tx.ExecContext(ctx, q.q.ack, c.id); err != nil {
		q.logger.Error("Failed to delete dead lettered message", err, watermill.LogFields{"uuid": c.msg.UUID})
		return
	}
	if err := tx.Commit(); err != nil {
		q.logger.Error("Failed to commit dead letter move", err, nil)
		return
	}
	q.logger.Info("Message moved to dead letters", watermill.LogFields{"uuid": c.msg.UUID, "retries": c.retryCount + 1})
}

func (q *Queue) unlock(id int64) {
	q.exec(q.q.unlock, id)
}

func (q *Queue) exec(query string, args ...any) {
	if _, err := q.db.ExecContext(context.Background(), query, args...); err != nil {
		q.logger.Error("Queue update failed", err, nil)
	}
}

// PendingCount returns the number of messages waiting or in flight on topic.
func (q *Queue) PendingCount(ctx context.Context, topic string) (int64, error) {
	return q.count(ctx, q.q.pending, topic)
}

// DeadLetterCount returns the number of dead lettered messages for topic.
func (q *Queue) DeadLetterCount(ctx context.Context, topic string) (int64, error) {
	return q.count(ctx, q.q.deadLetters, topic)
}

func (q *Queue) count(ctx context.Context, query, topic string) (int64, error) {
	var n int64
	if err := q.db.QueryRowContext(ctx, query, topic).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Close stops all subscriptions, waits for them and closes the database.
func (q *Queue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.closed)
		q.wg.Wait()
		err = q.db.Close()
	})
	return err
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
