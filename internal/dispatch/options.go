package dispatch

import (
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/torosent/pubbench/internal/metrics"
	"github.com/torosent/pubbench/internal/transport"
)

// Options configure the Dispatcher.
type Options struct {
	Messages      int                 // total messages to publish (required, > 0)
	Stripes       int                 // concurrent publisher goroutines; must divide Messages
	PayloadSize   int                 // message body size in bytes (0 means empty body)
	RatePerSecond int                 // publish pacing across all stripes (0 means unlimited)
	Store         *metrics.Store      // timing registration target (required)
	Transport     transport.Transport // publish target (required)
	Logger        zerolog.Logger

	LimiterFactory func(rps int) *rate.Limiter // optional injection for tests
}

func (o *Options) normalize() {
	if o.Stripes <= 0 {
		o.Stripes = 1
	}
	if o.PayloadSize < 0 {
		o.PayloadSize = 0
	}
	if o.RatePerSecond < 0 {
		o.RatePerSecond = 0
	}
	if o.LimiterFactory == nil {
		o.LimiterFactory = func(rps int) *rate.Limiter {
			if rps <= 0 {
				return rate.NewLimiter(rate.Inf, 0)
			}
			// Burst equal to rps to smooth pacing across stripes.
			return rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}
