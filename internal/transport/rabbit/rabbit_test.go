package rabbit

import (
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type recordingSink struct {
	acks []ulid.ULID
	errs []error
}

func (s *recordingSink) OnAck(id ulid.ULID)                 { s.acks = append(s.acks, id) }
func (s *recordingSink) OnConsume(ulid.ULID)                {}
func (s *recordingSink) OnSendError(_ ulid.ULID, err error) { s.errs = append(s.errs, err) }

// TestConfirmLoopNackIsSendError ensures a broker nack surfaces as a send
// failure instead of leaving the message forever unacked.
func TestConfirmLoopNackIsSendError(t *testing.T) {
	sink := &recordingSink{}
	tr := &Transport{
		cfg:     Config{Logger: zerolog.Nop()},
		sink:    sink,
		pending: newConfirmTracker(),
	}

	nacked := ulid.Make()
	acked := ulid.Make()
	tr.pending.add(1, nacked)
	tr.pending.add(2, acked)

	confirms := make(chan amqp.Confirmation, 2)
	confirms <- amqp.Confirmation{DeliveryTag: 1, Ack: false}
	confirms <- amqp.Confirmation{DeliveryTag: 2, Ack: true}
	close(confirms)

	tr.wg.Add(1)
	tr.confirmLoop(confirms)

	if len(sink.errs) != 1 {
		t.Fatalf("send errors = %d, want 1", len(sink.errs))
	}
	if len(sink.acks) != 1 || sink.acks[0] != acked {
		t.Fatalf("acks = %v, want [%v]", sink.acks, acked)
	}
	if got := tr.pending.outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}

func TestConfirmTrackerResolve(t *testing.T) {
	tracker := newConfirmTracker()
	first := ulid.Make()
	second := ulid.Make()
	tracker.add(1, first)
	tracker.add(2, second)

	if got := tracker.outstanding(); got != 2 {
		t.Fatalf("outstanding = %d, want 2", got)
	}

	id, ok := tracker.resolve(2)
	if !ok || id != second {
		t.Fatalf("resolve(2) = %v, %v; want %v, true", id, ok, second)
	}

	// confirms can arrive out of order; the earlier tag is still resolvable
	id, ok = tracker.resolve(1)
	if !ok || id != first {
		t.Fatalf("resolve(1) = %v, %v; want %v, true", id, ok, first)
	}
	if got := tracker.outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}

func TestConfirmTrackerResolveUnknown(t *testing.T) {
	tracker := newConfirmTracker()
	if _, ok := tracker.resolve(99); ok {
		t.Fatal("resolve of unknown tag reported ok")
	}
}

func TestConfirmTrackerResolveTwice(t *testing.T) {
	tracker := newConfirmTracker()
	id := ulid.Make()
	tracker.add(7, id)
	if _, ok := tracker.resolve(7); !ok {
		t.Fatal("first resolve failed")
	}
	if _, ok := tracker.resolve(7); ok {
		t.Fatal("second resolve of same tag reported ok")
	}
}

func TestConfirmTrackerConcurrent(t *testing.T) {
	tracker := newConfirmTracker()
	const n = 200

	ids := make([]ulid.ULID, n)
	for i := range ids {
		ids[i] = ulid.Make()
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq uint64, id ulid.ULID) {
			defer wg.Done()
			tracker.add(seq, id)
		}(uint64(i+1), ids[i])
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(seq uint64, want ulid.ULID) {
			defer wg.Done()
			got, ok := tracker.resolve(seq)
			if !ok || got != want {
				t.Errorf("resolve(%d) = %v, %v; want %v, true", seq, got, ok, want)
			}
		}(uint64(i+1), ids[i])
	}
	wg.Wait()

	if got := tracker.outstanding(); got != 0 {
		t.Fatalf("outstanding = %d, want 0", got)
	}
}
