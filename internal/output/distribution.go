package output

import (
	"fmt"
	"io"
	"time"

	"github.com/torosent/pubbench/internal/metrics"
)

// WriteDistributions writes the cumulative percentile distribution of both
// latency kinds in HdrHistogram's textual format, suitable for plotting.
func WriteDistributions(w io.Writer, snapshot []metrics.Metric) error {
	if err := writeDistribution(w, "ack", metrics.Latencies(snapshot, false)); err != nil {
		return err
	}
	return writeDistribution(w, "consume", metrics.Latencies(snapshot, true))
}

func writeDistribution(w io.Writer, kind string, latencies []time.Duration) error {
	h := metrics.Distribution(latencies)
	if _, err := fmt.Fprintf(w, "# %s latency (us)\nValue\tPercentile\tTotalCount\t1/(1-Percentile)\n", kind); err != nil {
		return err
	}
	for _, b := range h.CumulativeDistribution() {
		inverted := 1.0
		if b.Quantile < 100 {
			inverted = 1.0 / (1.0 - b.Quantile/100.0)
		}
		if _, err := fmt.Fprintf(w, "%d\t%.6f\t%d\t%.2f\n",
			b.ValueAt, b.Quantile/100.0, b.Count, inverted); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(w)
	return err
}
