// Package rabbit implements the benchmark Transport against RabbitMQ.
//
// Broker acks come from publisher confirms on the publish channel; consume
// events come from a dedicated consumer channel on the same connection. The
// message id travels in the AMQP MessageId property.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/torosent/pubbench/internal/transport"
)

const consumerTag = "pubbench-consumer"

// errNacked reports a broker-refused publish. A nacked message will never be
// acked, so it is surfaced through the sink as a send failure.
var errNacked = errors.New("rabbit: broker nacked publish")

// confirmBuffer sizes the publisher-confirm channel so the broker's confirm
// stream never blocks the connection reader.
const confirmBuffer = 4096

// Config configures the RabbitMQ transport.
type Config struct {
	URL     string
	Queue   string
	Options transport.Options
	Logger  zerolog.Logger
}

// Transport is the RabbitMQ implementation of transport.Transport.
type Transport struct {
	cfg  Config
	sink transport.EventSink

	conn   *amqp.Connection
	pubCh  *amqp.Channel
	consCh *amqp.Channel

	// pubMu serializes publishes so each confirm tag maps to exactly one id.
	pubMu   sync.Mutex
	pending *confirmTracker

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates an unconnected RabbitMQ transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, pending: newConfirmTracker()}
}

// Start dials the broker, declares the queue, puts the publish channel into
// confirm mode and begins consuming.
func (t *Transport) Start(ctx context.Context, sink transport.EventSink) error {
	t.sink = sink

	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("rabbit: dial %s: %w", t.cfg.URL, err)
	}
	t.conn = conn

	pubCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit: publish channel: %w", err)
	}
	t.pubCh = pubCh

	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("rabbit: confirm mode: %w", err)
	}
	confirms := pubCh.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	durable := t.cfg.Options.Durable
	if _, err := pubCh.QueueDeclare(t.cfg.Queue, durable, !durable, false, false, nil); err != nil {
		return fmt.Errorf("rabbit: declare queue %s: %w", t.cfg.Queue, err)
	}

	consCh, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbit: consume channel: %w", err)
	}
	t.consCh = consCh

	if t.cfg.Options.Prefetch > 0 {
		if err := consCh.Qos(t.cfg.Options.Prefetch, 0, false); err != nil {
			return fmt.Errorf("rabbit: qos: %w", err)
		}
	}

	deliveries, err := consCh.Consume(t.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbit: consume: %w", err)
	}

	t.wg.Add(2)
	go t.confirmLoop(confirms)
	go t.consumeLoop(deliveries)

	t.cfg.Logger.Info().Str("queue", t.cfg.Queue).Bool("durable", durable).
		Msg("rabbit transport started")
	return nil
}

// Send publishes one message on the default exchange. The publish sequence
// number is reserved and mapped to the id before the frame goes out, so the
// confirm can never race ahead of the mapping.
func (t *Transport) Send(ctx context.Context, id ulid.ULID, payload []byte) error {
	if t.pubCh == nil {
		return transport.ErrNotStarted
	}

	mode := amqp.Transient
	if t.cfg.Options.Durable {
		mode = amqp.Persistent
	}

	t.pubMu.Lock()
	seq := t.pubCh.GetNextPublishSeqNo()
	t.pending.add(seq, id)
	err := t.pubCh.PublishWithContext(ctx, "", t.cfg.Queue, false, false, amqp.Publishing{
		MessageId:    id.String(),
		DeliveryMode: mode,
		Body:         payload,
	})
	if err != nil {
		t.pending.resolve(seq)
	}
	t.pubMu.Unlock()

	if err != nil {
		return fmt.Errorf("rabbit: publish %s: %w", id, err)
	}
	return nil
}

// Close shuts down the channels and the connection and waits for the event
// loops to drain.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.consCh != nil {
			if err := t.consCh.Cancel(consumerTag, false); err != nil {
				t.closeErr = err
			}
		}
		if t.conn != nil {
			if err := t.conn.Close(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
		t.wg.Wait()
	})
	return t.closeErr
}

func (t *Transport) confirmLoop(confirms <-chan amqp.Confirmation) {
	defer t.wg.Done()
	for c := range confirms {
		id, ok := t.pending.resolve(c.DeliveryTag)
		if !ok {
			t.cfg.Logger.Warn().Uint64("tag", c.DeliveryTag).
				Msg("confirm for unknown publish tag")
			continue
		}
		if !c.Ack {
			t.cfg.Logger.Warn().Stringer("id", id).Msg("broker nacked message")
			t.sink.OnSendError(id, errNacked)
			continue
		}
		t.sink.OnAck(id)
	}
}

func (t *Transport) consumeLoop(deliveries <-chan amqp.Delivery) {
	defer t.wg.Done()
	for d := range deliveries {
		id, err := ulid.Parse(d.MessageId)
		if err != nil {
			t.cfg.Logger.Warn().Str("message_id", d.MessageId).
				Msg("delivery with unparseable message id")
			_ = d.Ack(false)
			continue
		}
		t.sink.OnConsume(id)
		_ = d.Ack(false)
	}
}

// confirmTracker maps outstanding publish sequence numbers to message ids
// until the broker confirms them.
type confirmTracker struct {
	mu      sync.Mutex
	pending map[uint64]ulid.ULID
}

func newConfirmTracker() *confirmTracker {
	return &confirmTracker{pending: make(map[uint64]ulid.ULID)}
}

func (c *confirmTracker) add(seq uint64, id ulid.ULID) {
	c.mu.Lock()
	c.pending[seq] = id
	c.mu.Unlock()
}

func (c *confirmTracker) resolve(seq uint64) (ulid.ULID, bool) {
	c.mu.Lock()
	id, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	return id, ok
}

func (c *confirmTracker) outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
