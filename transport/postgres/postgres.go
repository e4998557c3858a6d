// Package postgres provides a PostgreSQL-backed transport for nodeflow.
// Several consumers may poll one topic; FOR UPDATE SKIP LOCKED keeps them
// from claiming the same message.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/lib/pq"

	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "postgres"

// DefaultSchema holds the queue tables.
const DefaultSchema = "nodeflow"

// Open allows overriding how the database is opened for testing.
var Open = func(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

func init() {
	Register()
}

// Register adds the PostgreSQL transport to the default registry under both
// "postgres" and "postgresql".
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.PostgresCapabilities)
	transport.RegisterWithCapabilities("postgresql", Build, transport.PostgresCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.PostgresCapabilities
}

// Build connects using the configured connection string.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{ConnectionString: cfg.GetPostgresURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Config holds PostgreSQL specific settings.
type Config struct {
	ConnectionString string
	SchemaName       string
	MaxOpenConns     int
	MaxIdleConns     int
	Queue            sqlqueue.Config
}

func (c Config) withDefaults() Config {
	if c.SchemaName == "" {
		c.SchemaName = DefaultSchema
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	return c
}

// New connects, verifies the connection and prepares the queue tables.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("postgres: connection string is required")
	}
	cfg = cfg.withDefaults()

	dialect, err := sqlqueue.Postgres(cfg.SchemaName)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	db, err := Open(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	q, err := sqlqueue.New(ctx, db, dialect, cfg.Queue, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}
