// Package dispatch partitions the benchmark message load over a fixed pool of
// concurrent publisher stripes.
package dispatch

import (
	"context"
	crand "crypto/rand"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Dispatcher splits the total message count into equal stripes and publishes
// each stripe from its own goroutine. Every message is registered with the
// metric store before its Send is issued, and each stripe keeps exactly one
// send in flight; concurrency comes from the stripe count.
type Dispatcher struct {
	opt Options
}

// New validates the partitioning and returns a Dispatcher.
func New(opt Options) (*Dispatcher, error) {
	opt.normalize()
	if opt.Messages <= 0 {
		return nil, fmt.Errorf("dispatch: message count must be > 0, got %d", opt.Messages)
	}
	if opt.Messages%opt.Stripes != 0 {
		return nil, fmt.Errorf("dispatch: message count %d is not divisible by stripe count %d",
			opt.Messages, opt.Stripes)
	}
	if opt.Store == nil || opt.Transport == nil {
		return nil, fmt.Errorf("dispatch: store and transport are required")
	}
	return &Dispatcher{opt: opt}, nil
}

// Run issues every send and returns once all stripes have finished. The first
// send failure cancels the remaining stripes and is returned; a completed Run
// with a nil error means every message was accepted by the transport, not that
// every message was acked or consumed.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limiter := d.opt.LimiterFactory(d.opt.RatePerSecond)
	perStripe := d.opt.Messages / d.opt.Stripes

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() {
			runErr = err
			cancel()
		})
	}

	wg.Add(d.opt.Stripes)
	for i := 0; i < d.opt.Stripes; i++ {
		go func(stripe int) {
			defer wg.Done()

			ids := newIDBatch(perStripe)
			payload := newPayload(d.opt.PayloadSize)
			for _, id := range ids {
				if err := limiter.Wait(ctx); err != nil {
					return
				}
				if _, err := d.opt.Store.RegisterSend(id); err != nil {
					fail(fmt.Errorf("stripe %d: register %s: %w", stripe, id, err))
					return
				}
				if err := d.opt.Transport.Send(ctx, id, payload); err != nil {
					fail(fmt.Errorf("stripe %d: send %s: %w", stripe, id, err))
					return
				}
			}
			d.opt.Logger.Debug().Int("stripe", stripe).Int("messages", perStripe).
				Msg("stripe finished issuing sends")
		}(i)
	}
	wg.Wait()

	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}

// newIDBatch generates the stripe's message ids up front. Each batch has its
// own monotonic ULID source over crypto/rand entropy, which keeps ids unique
// across the whole run, not just within a stripe.
func newIDBatch(n int) []ulid.ULID {
	entropy := ulid.Monotonic(crand.Reader, 0)
	now := ulid.Timestamp(time.Now())
	ids := make([]ulid.ULID, n)
	for i := range ids {
		ids[i] = ulid.MustNew(now, entropy)
	}
	return ids
}

func newPayload(size int) []byte {
	p := make([]byte, size)
	for i := range p {
		p[i] = 'A' + byte(rand.Intn(26))
	}
	return p
}
