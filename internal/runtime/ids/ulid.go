package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces monotonic ULIDs. It is safe for concurrent use.
type Generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewGenerator returns a Generator reading randomness from r. A nil r uses
// crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{entropy: ulid.Monotonic(r, 0), now: time.Now}
}

// New returns the next ULID as a 26-character string. IDs created by one
// Generator within the same millisecond are strictly increasing.
func (g *Generator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

var defaultGenerator = NewGenerator(nil)

// CreateULID returns a time-sortable ULID from the process-wide generator. It
// is used for message ids and new trace roots.
func CreateULID() string {
	return defaultGenerator.New()
}

// Time extracts the creation time encoded in a ULID string.
func Time(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
