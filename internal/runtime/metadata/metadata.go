package metadata

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	errspkg "github.com/drblury/nodeflow/internal/runtime/errors"
)

// Entry is one key/value pair. Values are always one of string, bool, int64,
// uint64 or float64.
type Entry struct {
	Key   string
	Value any
}

// Metadata is an ordered, immutable set of entries carried alongside every
// event and outgoing message. Methods that change it return a copy; the
// receiver is never modified. The zero value is empty and ready to use.
type Metadata struct {
	entries []Entry
}

// New constructs Metadata from alternating key/value pairs. Pairs whose key is
// not a string are skipped.
func New(pairs ...any) Metadata {
	var md Metadata
	for i := 0; i+1 < len(pairs); i += 2 {
		key, ok := pairs[i].(string)
		if !ok {
			continue
		}
		md = md.With(key, pairs[i+1])
	}
	return md
}

// FromMap builds Metadata from a map, ordering keys lexicographically.
func FromMap(m map[string]any) Metadata {
	keys := sortedKeys(m)
	md := Metadata{entries: make([]Entry, 0, len(keys))}
	for _, k := range keys {
		md.entries = append(md.entries, Entry{Key: k, Value: normalize(m[k])})
	}
	return md
}

// Len returns the number of entries.
func (m Metadata) Len() int { return len(m.entries) }

// Keys returns the keys in order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in order.
func (m Metadata) Entries() []Entry {
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	if i := m.index(key); i >= 0 {
		return m.entries[i].Value, true
	}
	return nil, false
}

// GetString returns the value under key formatted as a string, or "" when the
// key is absent.
func (m Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	return format(v)
}

// With returns a copy containing key=value. An existing key keeps its
// position.
func (m Metadata) With(key string, value any) Metadata {
	value = normalize(value)
	if i := m.index(key); i >= 0 {
		cloned := m.clone(0)
		cloned.entries[i].Value = value
		return cloned
	}
	cloned := m.clone(1)
	cloned.entries = append(cloned.entries, Entry{Key: key, Value: value})
	return cloned
}

// WithAll returns a copy extended with every entry of other, in other's order.
func (m Metadata) WithAll(other Metadata) Metadata {
	cloned := m.clone(other.Len())
	for _, e := range other.entries {
		if i := cloned.index(e.Key); i >= 0 {
			cloned.entries[i].Value = e.Value
			continue
		}
		cloned.entries = append(cloned.entries, e)
	}
	return cloned
}

// Without returns a copy with key removed.
func (m Metadata) Without(key string) Metadata {
	i := m.index(key)
	if i < 0 {
		return m
	}
	out := Metadata{entries: make([]Entry, 0, len(m.entries)-1)}
	out.entries = append(out.entries, m.entries[:i]...)
	out.entries = append(out.entries, m.entries[i+1:]...)
	return out
}

// Map returns the entries as a fresh map.
func (m Metadata) Map() map[string]any {
	out := make(map[string]any, len(m.entries))
	for _, e := range m.entries {
		out[e.Key] = e.Value
	}
	return out
}

// Sequence returns the sequence number. It fails with ErrSequenceMissing when
// absent and ErrSequenceInvalid when the value is not an unsigned integer.
func (m Metadata) Sequence() (uint64, error) {
	v, ok := m.Get(KeySequence)
	if !ok {
		return 0, errspkg.ErrSequenceMissing
	}
	switch n := v.(type) {
	case uint64:
		return n, nil
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case float64:
		if n >= 0 && n == math.Trunc(n) && n < math.MaxUint64 {
			return uint64(n), nil
		}
	case string:
		if seq, err := strconv.ParseUint(strings.TrimSpace(n), 10, 64); err == nil {
			return seq, nil
		}
	}
	return 0, fmt.Errorf("%w: %v", errspkg.ErrSequenceInvalid, v)
}

func (m Metadata) TraceID() string     { return m.GetString(KeyTraceID) }
func (m Metadata) MessageID() string   { return m.GetString(KeyMessageID) }
func (m Metadata) CausationID() string { return m.GetString(KeyCausationID) }

// Timestamp parses the timestamp entry.
func (m Metadata) Timestamp() (time.Time, bool) {
	raw := m.GetString(KeyTimestamp)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (m Metadata) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, e := range m.entries {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Key)
		b.WriteByte('=')
		b.WriteString(format(e.Value))
	}
	b.WriteByte('}')
	return b.String()
}

func (m Metadata) index(key string) int {
	for i, e := range m.entries {
		if e.Key == key {
			return i
		}
	}
	return -1
}

func (m Metadata) clone(extra int) Metadata {
	cloned := Metadata{entries: make([]Entry, len(m.entries), len(m.entries)+extra)}
	copy(cloned.entries, m.entries)
	return cloned
}

func normalize(v any) any {
	switch n := v.(type) {
	case string, bool, int64, uint64, float64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return uint64(n)
	case uint8:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint32:
		return uint64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339Nano)
	case time.Duration:
		return n.String()
	case fmt.Stringer:
		return n.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(n)
	}
}

func format(v any) string {
	switch n := v.(type) {
	case string:
		return n
	case bool:
		return strconv.FormatBool(n)
	case int64:
		return strconv.FormatInt(n, 10)
	case uint64:
		return strconv.FormatUint(n, 10)
	case float64:
		return strconv.FormatFloat(n, 'g', -1, 64)
	default:
		return fmt.Sprint(n)
	}
}
