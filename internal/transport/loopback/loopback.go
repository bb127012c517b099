// Package loopback provides an in-process Transport that echoes every sent
// message back as an ack and a consume event after configurable synthetic
// delays. It exists for smoke runs without a broker and for exercising the
// benchmark pipeline in tests.
package loopback

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/torosent/pubbench/internal/transport"
)

// Config controls the synthetic event timing.
type Config struct {
	AckDelay     time.Duration // delay between Send and OnAck
	ConsumeDelay time.Duration // delay between Send and OnConsume

	// DropAcks / DropConsumes suppress the corresponding event entirely.
	// Used by tests that need a completion signal to stay pending.
	DropAcks     bool
	DropConsumes bool
}

// Transport is an in-process loopback implementation of transport.Transport.
type Transport struct {
	cfg Config

	mu     sync.Mutex
	sink   transport.EventSink
	closed bool
	wg     sync.WaitGroup
}

// New creates a loopback transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Start registers the sink. The loopback has no connection to establish.
func (t *Transport) Start(_ context.Context, sink transport.EventSink) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sink = sink
	t.closed = false
	return nil
}

// Send schedules the synthetic ack and consume events for the message.
// With zero delays the events fire concurrently with Send returning, which
// mirrors how a real broker may deliver before the publish call unwinds.
func (t *Transport) Send(ctx context.Context, id ulid.ULID, _ []byte) error {
	t.mu.Lock()
	sink := t.sink
	closed := t.closed
	t.mu.Unlock()
	if sink == nil || closed {
		return transport.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !t.cfg.DropAcks {
		t.fireAfter(t.cfg.AckDelay, func() { sink.OnAck(id) })
	}
	if !t.cfg.DropConsumes {
		t.fireAfter(t.cfg.ConsumeDelay, func() { sink.OnConsume(id) })
	}
	return nil
}

// Close waits for all pending synthetic events to fire.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *Transport) fireAfter(d time.Duration, fn func()) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if d > 0 {
			time.Sleep(d)
		}
		fn()
	}()
}
