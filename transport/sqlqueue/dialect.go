package sqlqueue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Dialect holds what differs between the SQL engines backing the queue.
type Dialect struct {
	Name string
	// Messages and DeadLetters are the qualified table names.
	Messages    string
	DeadLetters string
	// Schema is executed statement by statement on startup.
	Schema []string
	// NumberedPlaceholders rewrites '?' to $1, $2, ...
	NumberedPlaceholders bool
	// SkipLocked adds FOR UPDATE SKIP LOCKED to the claim subquery.
	SkipLocked bool
}

// SQLite returns the dialect used with modernc.org/sqlite.
func SQLite() Dialect {
	m, d := "nodeflow_messages", "nodeflow_dead_letters"
	return Dialect{
		Name:        "sqlite",
		Messages:    m,
		DeadLetters: d,
		Schema: []string{
			`CREATE TABLE IF NOT EXISTS ` + m + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BLOB NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				available_at INTEGER NOT NULL,
				locked_until INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_nodeflow_messages_topic ON ` + m + ` (topic, available_at, id)`,
			`CREATE TABLE IF NOT EXISTS ` + d + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BLOB NOT NULL,
				metadata TEXT NOT NULL DEFAULT '{}',
				retry_count INTEGER NOT NULL DEFAULT 0,
				failed_at INTEGER NOT NULL
			)`,
		},
	}
}

// Postgres returns the dialect used with lib/pq. Tables live in schema.
func Postgres(schema string) (Dialect, error) {
	if !identifierPattern.MatchString(schema) {
		return Dialect{}, fmt.Errorf("invalid schema name %q", schema)
	}
	m, d := schema+".messages", schema+".dead_letters"
	return Dialect{
		Name:        "postgres",
		Messages:    m,
		DeadLetters: d,
		Schema: []string{
			`CREATE SCHEMA IF NOT EXISTS ` + schema,
			`CREATE TABLE IF NOT EXISTS ` + m + ` (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BYTEA NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				available_at BIGINT NOT NULL,
				locked_until BIGINT NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_topic ON ` + m + ` (topic, available_at, id)`,
			`CREATE TABLE IF NOT EXISTS ` + d + ` (
				id BIGSERIAL PRIMARY KEY,
				uuid TEXT NOT NULL,
				topic TEXT NOT NULL,
				payload BYTEA NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}',
				retry_count INTEGER NOT NULL DEFAULT 0,
				failed_at BIGINT NOT NULL
			)`,
		},
		NumberedPlaceholders: true,
		SkipLocked:           true,
	}, nil
}

// Rebind rewrites '?' placeholders for dialects that number them.
func (d Dialect) Rebind(query string) string {
	if !d.NumberedPlaceholders {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queries struct {
	insert, claim, ack, retry, unlock, deadLetter, pending, deadLetters string
}

func (d Dialect) queries() queries {
	lock := ""
	if d.SkipLocked {
		lock = " FOR UPDATE SKIP LOCKED"
	}
	claim := `UPDATE ` + d.Messages + ` SET locked_until = ? WHERE id = (
		SELECT id FROM ` + d.Messages + `
		WHERE topic = ? AND available_at <= ? AND locked_until < ?
		ORDER BY available_at, id
		LIMIT 1` + lock + `
	) RETURNING id, uuid, payload, metadata, retry_count`

	q := queries{
		insert:      `INSERT INTO ` + d.Messages + ` (uuid, topic, payload, metadata, available_at) VALUES (?, ?, ?, ?, ?)`,
		claim:       claim,
		ack:         `DELETE FROM ` + d.Messages + ` WHERE id = ?`,
		retry:       `UPDATE ` + d.Messages + ` SET retry_count = retry_count + 1, locked_until = 0, available_at = ? WHERE id = ?`,
		unlock:      `UPDATE ` + d.Messages + ` SET locked_until = 0 WHERE id = ?`,
		deadLetter:  `INSERT INTO ` + d.DeadLetters + ` (uuid, topic, payload, metadata, retry_count, failed_at) SELECT uuid, topic, payload, metadata, retry_count, ? FROM ` + d.Messages + ` WHERE id = ?`,
		pending:     `SELECT COUNT(*) FROM ` + d.Messages + ` WHERE topic = ?`,
		deadLetters: `SELECT COUNT(*) FROM ` + d.DeadLetters + ` WHERE topic = ?`,
	}
	for _, p := range []*string{&q.insert, &q.claim, &q.ack, &q.retry, &q.unlock, &q.deadLetter, &q.pending, &q.deadLetters} {
		*p = d.Rebind(*p)
	}
	return q
}
