// Package bench owns the benchmark run lifecycle: transport startup, warm-up,
// dispatch, completion waiting, statistics and teardown.
package bench

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/torosent/pubbench/internal/dispatch"
	"github.com/torosent/pubbench/internal/metrics"
	"github.com/torosent/pubbench/internal/tracing"
	"github.com/torosent/pubbench/internal/transport"
)

// State identifies one phase of the run lifecycle.
type State string

const (
	StateConfiguring        State = "configuring"
	StateWarmingUp          State = "warming_up"
	StateSending            State = "sending"
	StateAwaitingCompletion State = "awaiting_completion"
	StateReporting          State = "reporting"
	StateTearingDown        State = "tearing_down"
	StateDone               State = "done"
	StateAborted            State = "aborted"
)

// Result is the structured outcome of a completed run.
type Result struct {
	Messages        int           `json:"messages"`
	Stripes         int           `json:"stripes"`
	SendDuration    time.Duration `json:"-"`
	ConsumeDuration time.Duration `json:"-"`

	SendDurationMs    float64 `json:"send_duration_ms"`
	ConsumeDurationMs float64 `json:"consume_duration_ms"`

	SendThroughput    float64 `json:"send_msgs_per_sec"`
	ConsumeThroughput float64 `json:"consume_msgs_per_sec"`

	Summary metrics.Summary `json:"summary"`
}

// Options configure an Orchestrator.
type Options struct {
	Messages      int
	Stripes       int
	PayloadSize   int
	RatePerSecond int
	WarmUp        time.Duration // settle delay between transport start and dispatch
	Transport     transport.Transport
	Logger        zerolog.Logger
	Tracer        trace.Tracer // nil disables span creation
}

// Orchestrator drives one benchmark run through its state machine. It owns the
// metric store for the run; a new Orchestrator is needed for every run.
type Orchestrator struct {
	opt   Options
	store *metrics.Store
	state atomic.Value // State
}

// New creates an Orchestrator and its run-scoped metric store.
func New(opt Options) *Orchestrator {
	capacity := opt.Messages
	if capacity < 0 {
		capacity = 0
	}
	o := &Orchestrator{
		opt:   opt,
		store: metrics.NewStore(capacity, opt.Logger),
	}
	o.state.Store(StateConfiguring)
	return o
}

// validate rejects a bad configuration before any broker work starts.
func (o Options) validate() error {
	if o.Transport == nil {
		return errors.New("bench: transport is required")
	}
	if o.Messages <= 0 {
		return fmt.Errorf("bench: message count must be > 0, got %d", o.Messages)
	}
	if o.Stripes <= 0 {
		return fmt.Errorf("bench: stripe count must be > 0, got %d", o.Stripes)
	}
	if o.Messages%o.Stripes != 0 {
		return fmt.Errorf("bench: message count %d is not divisible by stripe count %d",
			o.Messages, o.Stripes)
	}
	return nil
}

// Store exposes the run's metric store for progress reporting.
func (o *Orchestrator) Store() *metrics.Store { return o.store }

// State returns the current lifecycle state.
func (o *Orchestrator) State() State { return o.state.Load().(State) }

// Run executes the full benchmark lifecycle. The transport is released on
// every exit path, including aborts. A non-nil error leaves the orchestrator
// in the aborted state.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	if err = o.opt.validate(); err != nil {
		o.transition(StateAborted)
		return nil, err
	}

	// An asynchronous send failure (nack, failed publish ack) cancels the
	// run context so neither dispatch nor the completion waits stall on a
	// message that will never be acked.
	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	sink := &runSink{store: o.store, abort: abort}

	defer func() {
		o.transition(StateTearingDown)
		if closeErr := o.opt.Transport.Close(); closeErr != nil {
			o.opt.Logger.Warn().Err(closeErr).Msg("transport close failed")
		}
		if err != nil {
			o.transition(StateAborted)
		} else {
			o.transition(StateDone)
		}
	}()

	if err = o.runPhase(runCtx, "transport start", func(ctx context.Context) error {
		return o.opt.Transport.Start(ctx, sink)
	}); err != nil {
		return nil, fmt.Errorf("bench: transport start: %w", err)
	}

	// Let subscriptions settle before load starts, otherwise the first
	// messages can be published into a not-yet-bound consumer.
	o.transition(StateWarmingUp)
	if o.opt.WarmUp > 0 {
		select {
		case <-time.After(o.opt.WarmUp):
		case <-runCtx.Done():
			return nil, runCtx.Err()
		}
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Messages:      o.opt.Messages,
		Stripes:       o.opt.Stripes,
		PayloadSize:   o.opt.PayloadSize,
		RatePerSecond: o.opt.RatePerSecond,
		Store:         o.store,
		Transport:     o.opt.Transport,
		Logger:        o.opt.Logger,
	})
	if err != nil {
		return nil, err
	}

	o.transition(StateSending)
	o.store.Start()
	if err = o.runPhase(runCtx, "dispatch", dispatcher.Run); err != nil {
		if sendErr := sink.sendError(); sendErr != nil {
			err = sendErr
		}
		return nil, fmt.Errorf("bench: dispatch: %w", err)
	}

	o.transition(StateAwaitingCompletion)
	var sendDur, consumeDur time.Duration
	if err = o.runPhase(runCtx, "await completion", func(ctx context.Context) error {
		var waitErr error
		if sendDur, waitErr = o.store.AwaitAllSent(ctx); waitErr != nil {
			return fmt.Errorf("awaiting acks: %w", waitErr)
		}
		if consumeDur, waitErr = o.store.AwaitAllConsumed(ctx); waitErr != nil {
			return fmt.Errorf("awaiting consumes: %w", waitErr)
		}
		return nil
	}); err != nil {
		if sendErr := sink.sendError(); sendErr != nil {
			err = sendErr
		}
		return nil, fmt.Errorf("bench: %w", err)
	}

	o.transition(StateReporting)
	res = &Result{
		Messages:          o.opt.Messages,
		Stripes:           o.opt.Stripes,
		SendDuration:      sendDur,
		ConsumeDuration:   consumeDur,
		SendDurationMs:    float64(sendDur) / float64(time.Millisecond),
		ConsumeDurationMs: float64(consumeDur) / float64(time.Millisecond),
		Summary:           metrics.Summarize(o.store.Snapshot()),
	}
	if sendDur > 0 {
		res.SendThroughput = float64(o.opt.Messages) / sendDur.Seconds()
	}
	if consumeDur > 0 {
		res.ConsumeThroughput = float64(o.opt.Messages) / consumeDur.Seconds()
	}
	return res, nil
}

func (o *Orchestrator) transition(next State) {
	prev := o.State()
	if prev == next {
		return
	}
	o.state.Store(next)
	o.opt.Logger.Info().Str("from", string(prev)).Str("to", string(next)).
		Msg("benchmark state")
}

// runPhase wraps one lifecycle phase in a span when tracing is enabled.
func (o *Orchestrator) runPhase(ctx context.Context, name string, fn func(context.Context) error) error {
	if o.opt.Tracer == nil {
		return fn(ctx)
	}
	ctx, span := tracing.StartPhaseSpan(ctx, o.opt.Tracer, name,
		attribute.Int("pubbench.messages", o.opt.Messages),
		attribute.Int("pubbench.stripes", o.opt.Stripes),
	)
	err := fn(ctx)
	tracing.EndSpan(span, err)
	return err
}

// runSink adapts the metric store to the transport's event callbacks and
// aborts the run on the first asynchronous send failure.
type runSink struct {
	store *metrics.Store
	abort context.CancelFunc

	mu  sync.Mutex
	err error
}

func (s *runSink) OnAck(id ulid.ULID)     { s.store.RecordAck(id) }
func (s *runSink) OnConsume(id ulid.ULID) { s.store.RecordConsume(id) }

func (s *runSink) OnSendError(id ulid.ULID, err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("send %s: %w", id, err)
		s.abort()
	}
	s.mu.Unlock()
}

func (s *runSink) sendError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
