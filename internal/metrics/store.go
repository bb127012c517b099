package metrics

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

// LatencyUnset marks a latency field that no event has written yet.
const LatencyUnset = time.Duration(-1)

// Metric holds the timing record for a single message. One slot is
// pre-allocated per message before dispatch starts; the hot path never
// allocates.
type Metric struct {
	ID             ulid.ULID
	SentAt         time.Time
	AckLatency     time.Duration
	ConsumeLatency time.Duration
}

const shardCount = 64

type shard struct {
	mu    sync.Mutex
	index map[ulid.ULID]int
}

// Store is a fixed-capacity, concurrency-safe table from message id to its
// timing slot. Registration and event recording are short critical sections
// keyed by id, so unrelated messages never contend on the same lock.
//
// The store tracks two completion counters. A message counts as sent once the
// broker has acknowledged it, and as consumed once a consumer has reported
// delivery. Each counter drives a one-shot signal that resolves with the
// elapsed wall time since the run started.
type Store struct {
	total    int
	slots    []Metric
	next     int64
	shards   [shardCount]shard
	sent     int64
	consumed int64

	start       atomic.Pointer[time.Time]
	allSent     *signal
	allConsumed *signal

	log zerolog.Logger
}

// Errors reported by RegisterSend. Both indicate a dispatcher bug rather than
// a broker condition.
var (
	ErrStoreFull   = errors.New("metrics: store capacity exhausted")
	ErrDuplicateID = errors.New("metrics: id already registered")
)

// NewStore creates a store with one slot per expected message.
func NewStore(total int, log zerolog.Logger) *Store {
	s := &Store{
		total:       total,
		slots:       make([]Metric, total),
		allSent:     newSignal(),
		allConsumed: newSignal(),
		log:         log,
	}
	for i := range s.slots {
		s.slots[i].AckLatency = LatencyUnset
		s.slots[i].ConsumeLatency = LatencyUnset
	}
	perShard := total/shardCount + 1
	for i := range s.shards {
		s.shards[i].index = make(map[ulid.ULID]int, perShard)
	}
	now := time.Now()
	s.start.Store(&now)
	return s
}

// Start marks the run start used as the origin for completion durations.
// Call it immediately before dispatch begins so warm-up time is excluded.
func (s *Store) Start() {
	now := time.Now()
	s.start.Store(&now)
}

// RegisterSend stamps the send time for id and returns its slot index.
// Ids are expected to be unique per run; a repeated id is rejected.
func (s *Store) RegisterSend(id ulid.ULID) (int, error) {
	idx := int(atomic.AddInt64(&s.next, 1)) - 1
	if idx >= s.total {
		atomic.AddInt64(&s.next, -1)
		return 0, ErrStoreFull
	}

	// Stamp the slot before publishing the id in the index so an event
	// arriving immediately after registration sees a complete record.
	slot := &s.slots[idx]
	slot.ID = id
	slot.SentAt = time.Now()

	sh := s.shardFor(id)
	sh.mu.Lock()
	if _, exists := sh.index[id]; exists {
		sh.mu.Unlock()
		return 0, ErrDuplicateID
	}
	sh.index[id] = idx
	sh.mu.Unlock()
	return idx, nil
}

// RecordAck stamps the broker-ack latency for id. The first-time ack that
// completes the configured total resolves the all-sent signal. Unknown ids and
// repeated acks are logged and ignored.
func (s *Store) RecordAck(id ulid.ULID) {
	if !s.record(id, ackField) {
		return
	}
	if atomic.AddInt64(&s.sent, 1) == int64(s.total) {
		s.allSent.resolve(s.sinceStart())
	}
}

// RecordConsume stamps the consumer-delivery latency for id. The first-time
// consume that completes the configured total resolves the all-consumed
// signal. Unknown ids and repeated consumes are logged and ignored.
func (s *Store) RecordConsume(id ulid.ULID) {
	if !s.record(id, consumeField) {
		return
	}
	if atomic.AddInt64(&s.consumed, 1) == int64(s.total) {
		s.allConsumed.resolve(s.sinceStart())
	}
}

type latencyField int

const (
	ackField latencyField = iota
	consumeField
)

func (f latencyField) String() string {
	if f == ackField {
		return "ack"
	}
	return "consume"
}

// record writes the latency for one event, first writer wins. It reports
// whether this call was the first write so the caller can move its counter.
func (s *Store) record(id ulid.ULID, field latencyField) bool {
	sh := s.shardFor(id)
	sh.mu.Lock()
	idx, ok := sh.index[id]
	if !ok {
		sh.mu.Unlock()
		s.log.Warn().Stringer("id", id).Str("event", field.String()).
			Msg("event for unknown message id, ignoring")
		return false
	}
	slot := &s.slots[idx]
	dst := &slot.AckLatency
	if field == consumeField {
		dst = &slot.ConsumeLatency
	}
	if *dst != LatencyUnset {
		sh.mu.Unlock()
		s.log.Warn().Stringer("id", id).Str("event", field.String()).
			Msg("duplicate event for message, keeping first value")
		return false
	}
	*dst = time.Since(slot.SentAt)
	sh.mu.Unlock()
	return true
}

// AwaitAllSent blocks until every message has been acknowledged by the broker
// and returns the elapsed time from run start to the final ack.
func (s *Store) AwaitAllSent(ctx context.Context) (time.Duration, error) {
	return s.allSent.await(ctx)
}

// AwaitAllConsumed blocks until every message has been delivered to the
// consumer and returns the elapsed time from run start to the final delivery.
func (s *Store) AwaitAllConsumed(ctx context.Context) (time.Duration, error) {
	return s.allConsumed.await(ctx)
}

// RegisteredCount returns the number of sends registered so far.
func (s *Store) RegisteredCount() int {
	n := atomic.LoadInt64(&s.next)
	if n > int64(s.total) {
		n = int64(s.total)
	}
	return int(n)
}

// SentCount returns the number of broker acks recorded so far.
func (s *Store) SentCount() int { return int(atomic.LoadInt64(&s.sent)) }

// ConsumedCount returns the number of consumer deliveries recorded so far.
func (s *Store) ConsumedCount() int { return int(atomic.LoadInt64(&s.consumed)) }

// Capacity returns the configured total message count.
func (s *Store) Capacity() int { return s.total }

// Snapshot returns a copy of the registered slots. Latencies are only fully
// populated once both completion signals have resolved.
func (s *Store) Snapshot() []Metric {
	return append([]Metric(nil), s.slots[:s.RegisteredCount()]...)
}

func (s *Store) shardFor(id ulid.ULID) *shard {
	// The trailing bytes of a ULID are random entropy; the leading ones are
	// a timestamp and would funnel a whole run into few shards.
	return &s.shards[id[15]&(shardCount-1)]
}

func (s *Store) sinceStart() time.Duration {
	return time.Since(*s.start.Load())
}

// signal is a one-shot completion notification carrying the elapsed duration
// at resolution time.
type signal struct {
	once    sync.Once
	ch      chan struct{}
	elapsed time.Duration
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) resolve(elapsed time.Duration) {
	s.once.Do(func() {
		s.elapsed = elapsed
		close(s.ch)
	})
}

func (s *signal) await(ctx context.Context) (time.Duration, error) {
	select {
	case <-s.ch:
		return s.elapsed, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
