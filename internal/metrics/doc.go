// Package metrics provides per-message latency capture and aggregation for
// benchmark runs.
//
// The central [Store] type pre-allocates one timing slot per expected message
// and records three moments for each: the publish call, the broker's ack and
// the consumer's delivery. The latter two arrive as out-of-order events from
// the transport's own goroutines; the store accepts them concurrently with
// ongoing registration.
//
//	store := metrics.NewStore(total, logger)
//	store.Start()
//
//	// Dispatcher side, before each publish:
//	idx, err := store.RegisterSend(id)
//
//	// Transport event side:
//	store.RecordAck(id)
//	store.RecordConsume(id)
//
//	// Orchestrator side:
//	sendDur, err := store.AwaitAllSent(ctx)
//	consumeDur, err := store.AwaitAllConsumed(ctx)
//	summary := metrics.Summarize(store.Snapshot())
//
// # Completion signals
//
// Two one-shot signals resolve when the ack and consume counters reach the
// configured total, each carrying the elapsed wall time since [Store.Start].
// They resolve independently; consumes may finish after or concurrently with
// acks.
//
// # Thread safety
//
// The id index is sharded by the ULID's entropy bytes so unrelated messages
// never share a lock. Events for unknown ids and duplicate events are logged
// and ignored; the first recorded value of each latency always wins.
//
// # Statistics
//
// [Summarize] and its helpers are pure functions over a finished snapshot:
// min, max, mean, median and nearest-rank p95 per latency kind, plus a
// fixed-bucket linear histogram of the consume latencies. [Distribution]
// additionally builds an HDR histogram for cumulative percentile export.
package metrics
