package ids

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestCreateULIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := range total {
		ids[i] = CreateULID()
	}

	for i := range total {
		if len(ids[i]) != 26 {
			t.Fatalf("expected ULID length 26, got %d", len(ids[i]))
		}
		if _, err := ulid.Parse(ids[i]); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ULIDs to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestGeneratorConcurrentUniqueness(t *testing.T) {
	const goroutines = 8
	const perGoroutine = 50

	gen := NewGenerator(nil)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{}, goroutines*perGoroutine)
	)

	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				id := gen.New()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestGeneratorUsesClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	gen := NewGenerator(bytes.NewReader(bytes.Repeat([]byte{1}, 64)))
	gen.now = func() time.Time { return fixed }

	got, err := Time(gen.New())
	if err != nil {
		t.Fatalf("Time() error: %v", err)
	}
	if !got.Equal(fixed) {
		t.Fatalf("Time() = %v, want %v", got, fixed)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatal("expected parse error")
	}
}
