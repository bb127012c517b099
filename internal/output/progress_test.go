package output

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/pubbench/internal/metrics"
)

// syncBuffer guards a bytes.Buffer so the reporter goroutine and the test can
// touch it concurrently.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestProgressReporterOutput(t *testing.T) {
	store := metrics.NewStore(4, zerolog.Nop())
	store.Start()
	id := ulid.Make()
	if _, err := store.RegisterSend(id); err != nil {
		t.Fatalf("register: %v", err)
	}
	store.RecordAck(id)

	var buf syncBuffer
	reporter := NewProgressReporter(store, time.Millisecond, &buf)
	reporter.Start()

	deadline := time.After(2 * time.Second)
	for !strings.Contains(buf.String(), "Published: 1/4") {
		select {
		case <-deadline:
			t.Fatalf("no progress line observed, output: %q", buf.String())
		case <-time.After(5 * time.Millisecond):
		}
	}
	reporter.Stop()

	out := buf.String()
	if !strings.Contains(out, "Acked: 1") {
		t.Fatalf("output missing ack count: %q", out)
	}
}

func TestProgressReporterStopIsIdempotent(t *testing.T) {
	store := metrics.NewStore(1, zerolog.Nop())
	reporter := NewProgressReporter(store, time.Millisecond, io.Discard)
	reporter.Start()
	reporter.Stop()
	reporter.Stop() // second stop must not panic or block
}

func TestProgressReporterStartTwice(t *testing.T) {
	store := metrics.NewStore(1, zerolog.Nop())
	reporter := NewProgressReporter(store, time.Millisecond, io.Discard)
	reporter.Start()
	reporter.Start() // no second goroutine
	reporter.Stop()
}
