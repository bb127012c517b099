// Package jetstream implements the benchmark Transport against NATS JetStream.
//
// Broker acks come from asynchronous publish ack futures; consume events come
// from a push subscription on the benchmark subject. The message id travels in
// a header.
package jetstream

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/torosent/pubbench/internal/transport"
)

// HeaderID is the message header carrying the benchmark correlation id.
const HeaderID = "Pubbench-Id"

// maxPendingAsync bounds outstanding async publishes awaiting a broker ack.
const maxPendingAsync = 4096

// Config configures the JetStream transport.
type Config struct {
	URL     string
	Stream  string
	Subject string
	Options transport.Options
	Logger  zerolog.Logger
}

// Transport is the NATS JetStream implementation of transport.Transport.
type Transport struct {
	cfg  Config
	sink transport.EventSink

	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	// life spans Start to Close. Ack waiters select on it instead of the
	// Send context: acks routinely arrive after the dispatcher's context is
	// done, and abandoning them would stall the all-sent signal.
	life     context.Context
	stopLife context.CancelFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New creates an unconnected JetStream transport.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg}
}

// Start connects to the server, ensures the stream exists and subscribes to
// the benchmark subject. Only messages published after the subscription is
// bound are delivered, so a prior run's stream content is not replayed.
func (t *Transport) Start(ctx context.Context, sink transport.EventSink) error {
	t.sink = sink
	t.life, t.stopLife = context.WithCancel(context.Background())

	conn, err := nats.Connect(t.cfg.URL, nats.Name("pubbench"))
	if err != nil {
		return fmt.Errorf("jetstream: connect %s: %w", t.cfg.URL, err)
	}
	t.conn = conn

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(maxPendingAsync))
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream: context: %w", err)
	}
	t.js = js

	storage := nats.MemoryStorage
	if t.cfg.Options.Durable {
		storage = nats.FileStorage
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: []string{t.cfg.Subject},
		Storage:  storage,
	})
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream: add stream %s: %w", t.cfg.Stream, err)
	}

	subOpts := []nats.SubOpt{nats.ManualAck(), nats.DeliverNew()}
	if t.cfg.Options.Prefetch > 0 {
		subOpts = append(subOpts, nats.MaxAckPending(t.cfg.Options.Prefetch))
	}
	sub, err := js.Subscribe(t.cfg.Subject, t.handleDelivery, subOpts...)
	if err != nil {
		conn.Close()
		return fmt.Errorf("jetstream: subscribe %s: %w", t.cfg.Subject, err)
	}
	t.sub = sub

	t.cfg.Logger.Info().Str("stream", t.cfg.Stream).Str("subject", t.cfg.Subject).
		Bool("durable", t.cfg.Options.Durable).Msg("jetstream transport started")
	return nil
}

// Send publishes one message asynchronously. The call returns once the client
// has accepted the message; the broker ack resolves the future later and is
// forwarded to the sink. The waiter is bound to the transport's lifetime, not
// to ctx, because the ack is expected after Send returns.
func (t *Transport) Send(ctx context.Context, id ulid.ULID, payload []byte) error {
	if t.js == nil {
		return transport.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := nats.NewMsg(t.cfg.Subject)
	msg.Header.Set(HeaderID, id.String())
	msg.Data = payload

	future, err := t.js.PublishMsgAsync(msg)
	if err != nil {
		return fmt.Errorf("jetstream: publish %s: %w", id, err)
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-future.Ok():
			t.sink.OnAck(id)
		case err := <-future.Err():
			t.cfg.Logger.Warn().Stringer("id", id).Err(err).Msg("publish ack failed")
			t.sink.OnSendError(id, err)
		case <-t.life.Done():
		}
	}()
	return nil
}

// Close releases the ack waiters, unsubscribes and drains the connection.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		if t.stopLife != nil {
			t.stopLife()
		}
		t.wg.Wait()
		if t.sub != nil {
			if err := t.sub.Unsubscribe(); err != nil {
				t.closeErr = err
			}
		}
		if t.conn != nil {
			if err := t.conn.Drain(); err != nil && t.closeErr == nil {
				t.closeErr = err
			}
		}
	})
	return t.closeErr
}

func (t *Transport) handleDelivery(m *nats.Msg) {
	raw := m.Header.Get(HeaderID)
	id, err := ulid.Parse(raw)
	if err != nil {
		t.cfg.Logger.Warn().Str("header", raw).Msg("delivery without a valid id header")
		_ = m.Ack()
		return
	}
	t.sink.OnConsume(id)
	_ = m.Ack()
}
