// Package transport abstracts the message broker connection used by the benchmark.
//
// A Transport publishes benchmark messages and reports two asynchronous events
// back through the [EventSink]: the broker's durable-receipt acknowledgment and
// the consumer-side delivery. Implementations own their connection lifecycle and
// may invoke sink callbacks from any goroutine, in any order relative to the
// Send call that produced the message.
package transport

import (
	"context"
	"errors"

	"github.com/oklog/ulid/v2"
)

// EventSink receives asynchronous per-message events from a Transport.
// Implementations must be safe for concurrent use and must tolerate unknown
// or repeated ids.
type EventSink interface {
	// OnAck is invoked when the broker confirms durable receipt of a message.
	OnAck(id ulid.ULID)
	// OnConsume is invoked when a consumer reports delivery of a message.
	OnConsume(id ulid.ULID)
	// OnSendError is invoked when the broker asynchronously rejects a
	// message, such as a nack or a failed publish acknowledgment. The
	// message will never be acked, so the sink must treat this as a failed
	// send rather than wait for it.
	OnSendError(id ulid.ULID, err error)
}

// Transport abstracts a broker connection capable of publishing messages and
// reporting ack/consume events.
type Transport interface {
	// Start connects to the broker, declares topology, registers the sink and
	// begins consuming. It must be called before any Send.
	Start(ctx context.Context, sink EventSink) error
	// Send publishes one message. It returns once the transport has accepted
	// the message for delivery; the broker ack arrives later via the sink.
	Send(ctx context.Context, id ulid.ULID, payload []byte) error
	// Close releases the broker connection. Safe to call after a failed Start.
	Close() error
}

// Options carry broker-independent publish/subscribe hints.
type Options struct {
	// Durable requests durable topology and persistent messages.
	Durable bool
	// Prefetch limits unacknowledged deliveries on the consumer side.
	// Zero leaves the broker default in place.
	Prefetch int
}

// ErrNotStarted is returned by Send when the transport has not been started.
var ErrNotStarted = errors.New("transport: not started")
