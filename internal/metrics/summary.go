package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// HistogramBuckets is the fixed bucket count for the consume-latency histogram.
const HistogramBuckets = 10

// LatencyStats aggregates one latency kind across the run.
type LatencyStats struct {
	Count  int           `json:"count"`
	Min    time.Duration `json:"-"`
	Max    time.Duration `json:"-"`
	Mean   time.Duration `json:"-"`
	Median time.Duration `json:"-"`
	P95    time.Duration `json:"-"`

	// JSON-friendly millisecond fields.
	MinMs    float64 `json:"min_ms"`
	MaxMs    float64 `json:"max_ms"`
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// Bucket is one row of the consume-latency histogram.
type Bucket struct {
	LowerBound   time.Duration `json:"-"`
	UpperBound   time.Duration `json:"-"`
	Count        int           `json:"count"`
	LowerBoundMs float64       `json:"lower_bound_ms"`
	UpperBoundMs float64       `json:"upper_bound_ms"`
}

// Summary is the structured statistical result over a finished metric set.
type Summary struct {
	Messages  int          `json:"messages"`
	Ack       LatencyStats `json:"ack"`
	Consume   LatencyStats `json:"consume"`
	Histogram []Bucket     `json:"histogram"`
}

// Summarize computes the full summary for a finished snapshot. It is a pure
// function of its input; slots whose latency was never recorded are skipped.
func Summarize(snapshot []Metric) Summary {
	acks := make([]time.Duration, 0, len(snapshot))
	consumes := make([]time.Duration, 0, len(snapshot))
	for _, m := range snapshot {
		if m.AckLatency != LatencyUnset {
			acks = append(acks, m.AckLatency)
		}
		if m.ConsumeLatency != LatencyUnset {
			consumes = append(consumes, m.ConsumeLatency)
		}
	}
	return Summary{
		Messages:  len(snapshot),
		Ack:       ComputeStats(acks),
		Consume:   ComputeStats(consumes),
		Histogram: ComputeHistogram(consumes, HistogramBuckets),
	}
}

// ComputeStats aggregates min, max, mean, median and 95th percentile for one
// latency kind. The percentile uses the nearest-rank rule without
// interpolation: the ceil(0.95*n)-th sorted value, 1-based. The median is the
// midpoint of the two central values for even counts.
func ComputeStats(latencies []time.Duration) LatencyStats {
	n := len(latencies)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}

	stats := LatencyStats{
		Count:  n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: median(sorted),
		P95:    nearestRank(sorted, 0.95),
	}
	stats.MinMs = durationMs(stats.Min)
	stats.MaxMs = durationMs(stats.Max)
	stats.MeanMs = durationMs(stats.Mean)
	stats.MedianMs = durationMs(stats.Median)
	stats.P95Ms = durationMs(stats.P95)
	return stats
}

// ComputeHistogram distributes the latencies into a fixed number of linear
// buckets over [min, max]. Values equal to max land in the last bucket; a zero
// range collapses everything into bucket 0.
func ComputeHistogram(latencies []time.Duration, buckets int) []Bucket {
	if buckets <= 0 || len(latencies) == 0 {
		return nil
	}

	lo, hi := latencies[0], latencies[0]
	for _, v := range latencies[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	width := float64(hi-lo) / float64(buckets)
	out := make([]Bucket, buckets)
	for i := range out {
		out[i].LowerBound = lo + time.Duration(float64(i)*width)
		out[i].UpperBound = lo + time.Duration(float64(i+1)*width)
		out[i].LowerBoundMs = durationMs(out[i].LowerBound)
		out[i].UpperBoundMs = durationMs(out[i].UpperBound)
	}
	out[buckets-1].UpperBound = hi
	out[buckets-1].UpperBoundMs = durationMs(hi)

	for _, v := range latencies {
		idx := 0
		if width > 0 {
			idx = int(float64(v-lo) / width)
			if idx >= buckets {
				idx = buckets - 1
			}
		}
		out[idx].Count++
	}
	return out
}

// Distribution builds an HDR histogram over the latencies for cumulative
// percentile export. Values are tracked in microseconds from 1µs to 60s with
// three significant figures, saturating at the bounds.
func Distribution(latencies []time.Duration) *hdrhistogram.Histogram {
	h := hdrhistogram.New(1, 60_000_000, 3)
	for _, v := range latencies {
		us := v.Microseconds()
		if us < h.LowestTrackableValue() {
			us = h.LowestTrackableValue()
		}
		if us > h.HighestTrackableValue() {
			us = h.HighestTrackableValue()
		}
		_ = h.RecordValue(us)
	}
	return h
}

// Latencies extracts the recorded values of one kind from a snapshot.
func Latencies(snapshot []Metric, consume bool) []time.Duration {
	out := make([]time.Duration, 0, len(snapshot))
	for _, m := range snapshot {
		v := m.AckLatency
		if consume {
			v = m.ConsumeLatency
		}
		if v != LatencyUnset {
			out = append(out, v)
		}
	}
	return out
}

func median(sorted []time.Duration) time.Duration {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func nearestRank(sorted []time.Duration, q float64) time.Duration {
	n := len(sorted)
	rank := int(math.Ceil(q * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
