// Package output renders benchmark results for the console and for machine
// consumption.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/torosent/pubbench/internal/bench"
	"github.com/torosent/pubbench/internal/metrics"
)

// histogramBarWidth is the bar length of the largest histogram bucket.
const histogramBarWidth = 40

// PrintReport outputs a human-readable summary report.
func PrintReport(w io.Writer, res bench.Result) {
	fmt.Fprintln(w, "\n--- Benchmark Results ---")
	fmt.Fprintf(w, "Messages:          %d\n", res.Messages)
	fmt.Fprintf(w, "Stripes:           %d\n", res.Stripes)
	fmt.Fprintf(w, "Acked:             %d\n", res.Summary.Ack.Count)
	fmt.Fprintf(w, "Consumed:          %d\n", res.Summary.Consume.Count)
	fmt.Fprintf(w, "Send Duration:     %s (%.1f msg/s)\n", res.SendDuration, res.SendThroughput)
	fmt.Fprintf(w, "Consume Duration:  %s (%.1f msg/s)\n", res.ConsumeDuration, res.ConsumeThroughput)

	fmt.Fprintln(w, "\nAck Latency:")
	printLatencyStats(w, res.Summary.Ack)
	fmt.Fprintln(w, "\nConsume Latency:")
	printLatencyStats(w, res.Summary.Consume)

	if len(res.Summary.Histogram) > 0 {
		fmt.Fprintln(w, "\nConsume Latency Distribution:")
		printHistogram(w, res.Summary.Histogram)
	}
}

// PrintJSONReport outputs a JSON-formatted report.
func PrintJSONReport(w io.Writer, res bench.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func printLatencyStats(w io.Writer, stats metrics.LatencyStats) {
	fmt.Fprintf(w, "  Min:             %s\n", stats.Min)
	fmt.Fprintf(w, "  Max:             %s\n", stats.Max)
	fmt.Fprintf(w, "  Mean:            %s\n", stats.Mean)
	fmt.Fprintf(w, "  Median:          %s\n", stats.Median)
	fmt.Fprintf(w, "  P95:             %s\n", stats.P95)
}

// printHistogram renders one row per bucket with a bar scaled so the largest
// bucket fills the fixed maximum width.
func printHistogram(w io.Writer, buckets []metrics.Bucket) {
	largest := 0
	for _, b := range buckets {
		if b.Count > largest {
			largest = b.Count
		}
	}
	if largest == 0 {
		largest = 1
	}
	for _, b := range buckets {
		bar := strings.Repeat("#", b.Count*histogramBarWidth/largest)
		fmt.Fprintf(w, "  %10.3fms - %10.3fms [%7d] %s\n",
			b.LowerBoundMs, b.UpperBoundMs, b.Count, bar)
	}
}
