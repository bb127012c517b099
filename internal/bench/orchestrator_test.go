package bench_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/pubbench/internal/bench"
	"github.com/torosent/pubbench/internal/metrics"
	"github.com/torosent/pubbench/internal/transport"
	"github.com/torosent/pubbench/internal/transport/loopback"
)

// closeTracker wraps a transport and records whether Close was called.
type closeTracker struct {
	transport.Transport
	closed int32
}

func (c *closeTracker) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return c.Transport.Close()
}

// startTracker wraps a transport and records whether Start was called.
type startTracker struct {
	transport.Transport
	started int32
}

func (s *startTracker) Start(ctx context.Context, sink transport.EventSink) error {
	atomic.StoreInt32(&s.started, 1)
	return s.Transport.Start(ctx, sink)
}

// rejectingTransport acks every message except one, which it reports as an
// asynchronous send failure.
type rejectingTransport struct {
	rejectAt int

	mu   sync.Mutex
	sink transport.EventSink
	sent int
}

func (r *rejectingTransport) Start(_ context.Context, sink transport.EventSink) error {
	r.sink = sink
	return nil
}

func (r *rejectingTransport) Send(_ context.Context, id ulid.ULID, _ []byte) error {
	r.mu.Lock()
	r.sent++
	n := r.sent
	r.mu.Unlock()
	if n == r.rejectAt {
		r.sink.OnSendError(id, errors.New("broker rejected publish"))
		return nil
	}
	r.sink.OnAck(id)
	r.sink.OnConsume(id)
	return nil
}

func (r *rejectingTransport) Close() error { return nil }

type failingStartTransport struct{}

func (failingStartTransport) Start(context.Context, transport.EventSink) error {
	return errors.New("broker refused connection")
}
func (failingStartTransport) Send(context.Context, ulid.ULID, []byte) error { return nil }
func (failingStartTransport) Close() error                                  { return nil }

// TestRunEndToEnd drives 100 messages over 10 stripes through the loopback
// transport and checks the full structured result.
func TestRunEndToEnd(t *testing.T) {
	lb := loopback.New(loopback.Config{
		AckDelay:     time.Millisecond,
		ConsumeDelay: 2 * time.Millisecond,
	})
	tr := &closeTracker{Transport: lb}

	orch := bench.New(bench.Options{
		Messages:  100,
		Stripes:   10,
		WarmUp:    10 * time.Millisecond,
		Transport: tr,
		Logger:    zerolog.Nop(),
	})

	res, err := orch.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if orch.State() != bench.StateDone {
		t.Fatalf("state = %s, want %s", orch.State(), bench.StateDone)
	}
	if atomic.LoadInt32(&tr.closed) != 1 {
		t.Fatal("transport not closed after run")
	}

	if res.Messages != 100 {
		t.Fatalf("messages = %d, want 100", res.Messages)
	}
	if res.Summary.Ack.Count != 100 || res.Summary.Consume.Count != 100 {
		t.Fatalf("recorded ack=%d consume=%d, want 100/100",
			res.Summary.Ack.Count, res.Summary.Consume.Count)
	}
	if res.SendDuration <= 0 || res.ConsumeDuration <= 0 {
		t.Fatalf("durations send=%s consume=%s", res.SendDuration, res.ConsumeDuration)
	}
	if len(res.Summary.Histogram) != metrics.HistogramBuckets {
		t.Fatalf("histogram buckets = %d, want %d",
			len(res.Summary.Histogram), metrics.HistogramBuckets)
	}
	total := 0
	for _, b := range res.Summary.Histogram {
		total += b.Count
	}
	if total != 100 {
		t.Fatalf("histogram total = %d, want 100", total)
	}
	for i, m := range orch.Store().Snapshot() {
		if m.AckLatency == metrics.LatencyUnset || m.ConsumeLatency == metrics.LatencyUnset {
			t.Fatalf("slot %d incomplete after run", i)
		}
	}
}

// TestRunAbortsOnTransportStartError ensures a failed start reaches the
// aborted state with the transport still released.
func TestRunAbortsOnTransportStartError(t *testing.T) {
	tr := &closeTracker{Transport: failingStartTransport{}}
	orch := bench.New(bench.Options{
		Messages:  10,
		Stripes:   2,
		Transport: tr,
		Logger:    zerolog.Nop(),
	})

	_, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected start error")
	}
	if orch.State() != bench.StateAborted {
		t.Fatalf("state = %s, want %s", orch.State(), bench.StateAborted)
	}
	if atomic.LoadInt32(&tr.closed) != 1 {
		t.Fatal("transport not closed after abort")
	}
}

// TestRunAbortsOnInvalidPartition ensures the divisibility invariant is
// rejected before the transport is even started.
func TestRunAbortsOnInvalidPartition(t *testing.T) {
	tr := &startTracker{Transport: loopback.New(loopback.Config{})}
	orch := bench.New(bench.Options{
		Messages:  10,
		Stripes:   3,
		Transport: tr,
		Logger:    zerolog.Nop(),
	})

	_, err := orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected partition error")
	}
	if orch.State() != bench.StateAborted {
		t.Fatalf("state = %s, want %s", orch.State(), bench.StateAborted)
	}
	if atomic.LoadInt32(&tr.started) != 0 {
		t.Fatal("transport started despite invalid configuration")
	}
	if orch.Store().RegisteredCount() != 0 {
		t.Fatal("sends registered despite invalid configuration")
	}
}

// TestRunAbortsOnAsyncSendFailure ensures a broker-side publish rejection
// fails the run instead of stalling the ack wait forever.
func TestRunAbortsOnAsyncSendFailure(t *testing.T) {
	tr := &closeTracker{Transport: &rejectingTransport{rejectAt: 3}}
	orch := bench.New(bench.Options{
		Messages:  10,
		Stripes:   2,
		Transport: tr,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := orch.Run(ctx)
	if err == nil {
		t.Fatal("expected run to fail on rejected publish")
	}
	if ctx.Err() != nil {
		t.Fatal("run only ended because the test timeout expired")
	}
	if !strings.Contains(err.Error(), "rejected publish") {
		t.Fatalf("error %q does not carry the send failure", err)
	}
	if orch.State() != bench.StateAborted {
		t.Fatalf("state = %s, want %s", orch.State(), bench.StateAborted)
	}
	if atomic.LoadInt32(&tr.closed) != 1 {
		t.Fatal("transport not closed after abort")
	}
}

// TestRunStopsWhenConsumesNeverArrive exercises cancellation while awaiting
// completion: acks flow but consumes are dropped.
func TestRunStopsWhenConsumesNeverArrive(t *testing.T) {
	lb := loopback.New(loopback.Config{DropConsumes: true})
	tr := &closeTracker{Transport: lb}

	orch := bench.New(bench.Options{
		Messages:  20,
		Stripes:   4,
		Transport: tr,
		Logger:    zerolog.Nop(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := orch.Run(ctx)
	if err == nil {
		t.Fatal("expected run to fail while awaiting consumes")
	}
	if orch.State() != bench.StateAborted {
		t.Fatalf("state = %s, want %s", orch.State(), bench.StateAborted)
	}
	if atomic.LoadInt32(&tr.closed) != 1 {
		t.Fatal("transport not closed after timeout")
	}
}
