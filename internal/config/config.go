package config

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind selects which broker implementation a run targets.
type TransportKind string

const (
	TransportLoopback  TransportKind = "loopback"
	TransportRabbit    TransportKind = "rabbit"
	TransportJetStream TransportKind = "jetstream"
)

// Config is the full benchmark configuration assembled from file settings and
// flag overrides.
type Config struct {
	Transport   TransportKind `mapstructure:"transport"`
	Messages    int           `mapstructure:"messages"`
	Stripes     int           `mapstructure:"stripes"`
	PayloadSize int           `mapstructure:"payload_size"`
	Durable     bool          `mapstructure:"durable"`
	Prefetch    int           `mapstructure:"prefetch"`
	Rate        int           `mapstructure:"rate"`
	WarmUp      time.Duration `mapstructure:"warmup"`

	JSONOutput   bool   `mapstructure:"json_output"`
	Distribution string `mapstructure:"distribution"`
	LogLevel     string `mapstructure:"log_level"`
	LogFormat    string `mapstructure:"log_format"`
	ConfigFile   string `mapstructure:"-"`

	Rabbit    RabbitConfig    `mapstructure:"rabbit"`
	JetStream JetStreamConfig `mapstructure:"jetstream"`
	Loopback  LoopbackConfig  `mapstructure:"loopback"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// RabbitConfig configures the RabbitMQ transport.
type RabbitConfig struct {
	URL   string `mapstructure:"url"`
	Queue string `mapstructure:"queue"`
}

// JetStreamConfig configures the NATS JetStream transport.
type JetStreamConfig struct {
	URL     string `mapstructure:"url"`
	Stream  string `mapstructure:"stream"`
	Subject string `mapstructure:"subject"`
}

// LoopbackConfig configures the in-process loopback transport.
type LoopbackConfig struct {
	AckDelay     time.Duration `mapstructure:"ack_delay"`
	ConsumeDelay time.Duration `mapstructure:"consume_delay"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	Protocol    string  `mapstructure:"protocol"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Insecure    bool    `mapstructure:"insecure"`
}

// Enabled reports whether tracing should be initialized.
func (t TracingConfig) Enabled() bool {
	return strings.TrimSpace(t.Endpoint) != ""
}

// ValidationError aggregates every configuration issue found during Validate.
type ValidationError struct {
	issues []string
}

func (e ValidationError) Error() string {
	if len(e.issues) == 0 {
		return "validation failed"
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(e.issues, "; "))
}

// Issues returns the individual validation problems.
func (e ValidationError) Issues() []string {
	return append([]string(nil), e.issues...)
}

// Validate checks the configuration before any broker work starts. A run with
// an invalid configuration never begins.
func (c Config) Validate() error {
	var issues []string

	switch c.Transport {
	case TransportLoopback, TransportRabbit, TransportJetStream:
	default:
		issues = append(issues, fmt.Sprintf("unknown transport %q (use loopback, rabbit or jetstream)", c.Transport))
	}

	if c.Messages < 1 {
		issues = append(issues, "messages must be >= 1")
	}
	if c.Stripes < 1 {
		issues = append(issues, "stripes must be >= 1")
	}
	if c.Messages >= 1 && c.Stripes >= 1 && c.Messages%c.Stripes != 0 {
		issues = append(issues, fmt.Sprintf("messages (%d) must be evenly divisible by stripes (%d)", c.Messages, c.Stripes))
	}
	if c.PayloadSize < 0 {
		issues = append(issues, "payload-size must be >= 0")
	}
	if c.Prefetch < 0 {
		issues = append(issues, "prefetch must be >= 0")
	}
	if c.Rate < 0 {
		issues = append(issues, "rate must be >= 0")
	}
	if c.WarmUp < 0 {
		issues = append(issues, "warmup must be >= 0")
	}

	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		issues = append(issues, fmt.Sprintf("log-format %q must be \"console\" or \"json\"", c.LogFormat))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1.0 {
		issues = append(issues, fmt.Sprintf("tracing sample_rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate))
	}

	if c.Transport == TransportRabbit && strings.TrimSpace(c.Rabbit.URL) == "" {
		issues = append(issues, "rabbit transport requires a broker URL")
	}
	if c.Transport == TransportJetStream && strings.TrimSpace(c.JetStream.URL) == "" {
		issues = append(issues, "jetstream transport requires a broker URL")
	}

	if len(issues) > 0 {
		return ValidationError{issues: issues}
	}
	return nil
}
