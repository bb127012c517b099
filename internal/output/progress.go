package output

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/torosent/pubbench/internal/metrics"
)

// ProgressReporter displays real-time progress updates while a run is active.
type ProgressReporter struct {
	store    *metrics.Store
	ticker   *time.Ticker
	done     chan struct{}
	finished chan struct{}
	writer   io.Writer
	active   int32
}

// NewProgressReporter creates a progress reporter that updates at the given interval.
func NewProgressReporter(store *metrics.Store, interval time.Duration, writer io.Writer) *ProgressReporter {
	if writer == nil {
		writer = io.Discard
	}
	return &ProgressReporter{
		store:    store,
		ticker:   time.NewTicker(interval),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
		writer:   writer,
	}
}

// Start begins displaying progress updates in a background goroutine.
func (p *ProgressReporter) Start() {
	if !atomic.CompareAndSwapInt32(&p.active, 0, 1) {
		return // already running
	}
	go p.run()
}

// Stop halts progress updates.
func (p *ProgressReporter) Stop() {
	if atomic.CompareAndSwapInt32(&p.active, 1, 0) {
		close(p.done)
		p.ticker.Stop()
		<-p.finished
	}
}

func (p *ProgressReporter) run() {
	defer close(p.finished)
	total := p.store.Capacity()
	for {
		select {
		case <-p.ticker.C:
			fmt.Fprintf(p.writer, "\rPublished: %d/%d | Acked: %d | Consumed: %d",
				p.store.RegisteredCount(), total, p.store.SentCount(), p.store.ConsumedCount())
		case <-p.done:
			return
		}
	}
}
