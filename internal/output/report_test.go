package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/torosent/pubbench/internal/bench"
	"github.com/torosent/pubbench/internal/metrics"
)

func sampleResult() bench.Result {
	lats := []time.Duration{
		10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond,
		40 * time.Millisecond, 50 * time.Millisecond,
	}
	return bench.Result{
		Messages:        5,
		Stripes:         1,
		SendDuration:    100 * time.Millisecond,
		ConsumeDuration: 150 * time.Millisecond,
		Summary: metrics.Summary{
			Messages:  5,
			Ack:       metrics.ComputeStats(lats),
			Consume:   metrics.ComputeStats(lats),
			Histogram: metrics.ComputeHistogram(lats, metrics.HistogramBuckets),
		},
	}
}

func TestPrintReportContainsSections(t *testing.T) {
	var buf bytes.Buffer
	PrintReport(&buf, sampleResult())

	out := buf.String()
	for _, want := range []string{
		"Benchmark Results",
		"Messages:",
		"Send Duration:",
		"Consume Duration:",
		"Ack Latency:",
		"Consume Latency:",
		"Median:",
		"P95:",
		"Consume Latency Distribution:",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintJSONReportSchema(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintJSONReport(&buf, sampleResult()); err != nil {
		t.Fatalf("print json: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	for _, key := range []string{"messages", "send_duration_ms", "consume_duration_ms", "summary"} {
		if _, ok := decoded[key]; !ok {
			t.Fatalf("json report missing %q: %s", key, buf.String())
		}
	}
	summary, ok := decoded["summary"].(map[string]interface{})
	if !ok {
		t.Fatalf("summary is not an object: %s", buf.String())
	}
	for _, key := range []string{"ack", "consume", "histogram"} {
		if _, ok := summary[key]; !ok {
			t.Fatalf("summary missing %q", key)
		}
	}
}

// TestHistogramBarScaling ensures the largest bucket gets the full bar and
// empty buckets get none.
func TestHistogramBarScaling(t *testing.T) {
	var buf bytes.Buffer
	buckets := []metrics.Bucket{
		{Count: 100},
		{Count: 50},
		{Count: 0},
	}
	printHistogram(&buf, buckets)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if got := strings.Count(lines[0], "#"); got != histogramBarWidth {
		t.Fatalf("largest bucket bar = %d, want %d", got, histogramBarWidth)
	}
	if got := strings.Count(lines[1], "#"); got != histogramBarWidth/2 {
		t.Fatalf("half bucket bar = %d, want %d", got, histogramBarWidth/2)
	}
	if strings.Contains(lines[2], "#") {
		t.Fatal("empty bucket should have no bar")
	}
}

func TestWriteDistributions(t *testing.T) {
	snapshot := []metrics.Metric{
		{AckLatency: time.Millisecond, ConsumeLatency: 2 * time.Millisecond},
		{AckLatency: 3 * time.Millisecond, ConsumeLatency: 4 * time.Millisecond},
	}
	var buf bytes.Buffer
	if err := WriteDistributions(&buf, snapshot); err != nil {
		t.Fatalf("write distributions: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "# ack latency") || !strings.Contains(out, "# consume latency") {
		t.Fatalf("distribution output missing sections:\n%s", out)
	}
	if !strings.Contains(out, "Percentile") {
		t.Fatalf("distribution output missing header:\n%s", out)
	}
}
