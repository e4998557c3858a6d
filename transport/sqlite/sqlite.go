// Package sqlite provides a SQLite-backed transport for nodeflow using the
// pure Go modernc.org/sqlite driver. Nodes on one host can exchange messages
// through a shared database file without running a broker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	_ "modernc.org/sqlite"

	"github.com/drblury/nodeflow/transport"
	"github.com/drblury/nodeflow/transport/sqlqueue"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

// DefaultFilePath is used when the config leaves the file empty.
const DefaultFilePath = "nodeflow_queue.db"

func init() {
	Register()
}

// Register adds the SQLite transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.SQLiteCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Build opens the configured database file.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	q, err := New(ctx, Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: q, Subscriber: q}, nil
}

// Config holds SQLite specific settings.
type Config struct {
	// FilePath is the database file; ":memory:" keeps everything in process.
	FilePath string
	Queue    sqlqueue.Config
}

// New opens the database and prepares the queue tables.
func New(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (*sqlqueue.Queue, error) {
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultFilePath
	}

	db, err := sql.Open("sqlite", DSN(cfg.FilePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	q, err := sqlqueue.New(ctx, db, sqlqueue.SQLite(), cfg.Queue, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// DSN adds the busy timeout and, for files, WAL journaling.
func DSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}
	return dsn
}
