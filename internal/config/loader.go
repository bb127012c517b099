package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader handles loading configuration from files and command-line arguments.
type Loader struct{}

// ErrHelpRequested is returned when the user requests help via --help flag.
var ErrHelpRequested = errors.New("help requested")

// NewLoader creates a new configuration Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses command-line arguments and configuration files to produce a
// Config. Flags override file settings.
func (Loader) Load(args []string) (*Config, error) {
	cmd := newFlagCommand()
	if err := cmd.Flags().Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
		return nil, err
	}

	flagSet := cmd.Flags()
	if helpFlag := flagSet.Lookup("help"); helpFlag != nil {
		if wantsHelp, err := strconv.ParseBool(helpFlag.Value.String()); err == nil && wantsHelp {
			displayHelp(cmd)
			return nil, ErrHelpRequested
		}
	}

	configPath := flagSet.Lookup("config").Value.String()
	cfgViper := viper.New()
	if configPath != "" {
		cfgViper.SetConfigFile(configPath)
		if err := cfgViper.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	settings := cfgViper.AllSettings()

	cfg := &Config{
		Transport:  TransportLoopback,
		Messages:   10000,
		Stripes:    10,
		WarmUp:     time.Second,
		LogLevel:   "info",
		LogFormat:  "console",
		ConfigFile: configPath,
		Rabbit:     RabbitConfig{Queue: "pubbench"},
		JetStream:  JetStreamConfig{Stream: "PUBBENCH", Subject: "pubbench.messages"},
		Tracing:    TracingConfig{Protocol: "grpc", SampleRate: 1.0},
	}

	if err := applyConfigSettings(cfg, settings); err != nil {
		return nil, err
	}

	if err := applyFlagOverrides(cfg, flagSet); err != nil {
		return nil, err
	}

	cfg.Transport = TransportKind(strings.ToLower(strings.TrimSpace(string(cfg.Transport))))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))

	return cfg, nil
}

// applyConfigSettings applies settings from a config file to the Config struct.
func applyConfigSettings(cfg *Config, settings map[string]interface{}) error {
	if len(settings) == 0 {
		return nil
	}

	if raw, ok := lookupSetting(settings, "transport"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("transport: %w", err)
		}
		cfg.Transport = TransportKind(strings.TrimSpace(val))
	}

	if raw, ok := lookupSetting(settings, "messages"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("messages: %w", err)
		}
		cfg.Messages = val
	}

	if raw, ok := lookupSetting(settings, "stripes"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("stripes: %w", err)
		}
		cfg.Stripes = val
	}

	if raw, ok := lookupSetting(settings, "payloadsize", "payload_size", "payload-size"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("payloadSize: %w", err)
		}
		cfg.PayloadSize = val
	}

	if raw, ok := lookupSetting(settings, "durable"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("durable: %w", err)
		}
		cfg.Durable = val
	}

	if raw, ok := lookupSetting(settings, "prefetch"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("prefetch: %w", err)
		}
		cfg.Prefetch = val
	}

	if raw, ok := lookupSetting(settings, "rate"); ok {
		val, err := asInt(raw)
		if err != nil {
			return fmt.Errorf("rate: %w", err)
		}
		cfg.Rate = val
	}

	if raw, ok := lookupSetting(settings, "warmup"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("warmup: %w", err)
		}
		cfg.WarmUp = dur
	}

	if raw, ok := lookupSetting(settings, "jsonoutput", "json_output", "json-output"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("jsonOutput: %w", err)
		}
		cfg.JSONOutput = val
	}

	if raw, ok := lookupSetting(settings, "distribution"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("distribution: %w", err)
		}
		cfg.Distribution = val
	}

	if raw, ok := lookupSetting(settings, "loglevel", "log_level", "log-level"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("logLevel: %w", err)
		}
		cfg.LogLevel = val
	}

	if raw, ok := lookupSetting(settings, "logformat", "log_format", "log-format"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("logFormat: %w", err)
		}
		cfg.LogFormat = val
	}

	if raw, ok := lookupSetting(settings, "rabbit"); ok {
		section, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("rabbit: %w", err)
		}
		if err := applyRabbitSettings(&cfg.Rabbit, section); err != nil {
			return fmt.Errorf("rabbit: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "jetstream"); ok {
		section, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
		if err := applyJetStreamSettings(&cfg.JetStream, section); err != nil {
			return fmt.Errorf("jetstream: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "loopback"); ok {
		section, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
		if err := applyLoopbackSettings(&cfg.Loopback, section); err != nil {
			return fmt.Errorf("loopback: %w", err)
		}
	}

	if raw, ok := lookupSetting(settings, "tracing"); ok {
		section, err := toStringKeyMap(raw)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		if err := applyTracingSettings(&cfg.Tracing, section); err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}

	return nil
}

func applyRabbitSettings(cfg *RabbitConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "url"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		cfg.URL = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(section, "queue"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("queue: %w", err)
		}
		cfg.Queue = val
	}
	return nil
}

func applyJetStreamSettings(cfg *JetStreamConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "url"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("url: %w", err)
		}
		cfg.URL = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(section, "stream"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("stream: %w", err)
		}
		cfg.Stream = val
	}
	if raw, ok := lookupSetting(section, "subject"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("subject: %w", err)
		}
		cfg.Subject = val
	}
	return nil
}

func applyLoopbackSettings(cfg *LoopbackConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "ackdelay", "ack_delay", "ack-delay"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("ackDelay: %w", err)
		}
		cfg.AckDelay = dur
	}
	if raw, ok := lookupSetting(section, "consumedelay", "consume_delay", "consume-delay"); ok {
		dur, err := asDuration(raw)
		if err != nil {
			return fmt.Errorf("consumeDelay: %w", err)
		}
		cfg.ConsumeDelay = dur
	}
	return nil
}

func applyTracingSettings(cfg *TracingConfig, section map[string]interface{}) error {
	if raw, ok := lookupSetting(section, "endpoint"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("endpoint: %w", err)
		}
		cfg.Endpoint = strings.TrimSpace(val)
	}
	if raw, ok := lookupSetting(section, "servicename", "service_name", "service-name"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("serviceName: %w", err)
		}
		cfg.ServiceName = val
	}
	if raw, ok := lookupSetting(section, "protocol"); ok {
		val, err := asString(raw)
		if err != nil {
			return fmt.Errorf("protocol: %w", err)
		}
		cfg.Protocol = val
	}
	if raw, ok := lookupSetting(section, "samplerate", "sample_rate", "sample-rate"); ok {
		val, err := asFloat64(raw)
		if err != nil {
			return fmt.Errorf("sampleRate: %w", err)
		}
		cfg.SampleRate = val
	}
	if raw, ok := lookupSetting(section, "insecure"); ok {
		val, err := asBool(raw)
		if err != nil {
			return fmt.Errorf("insecure: %w", err)
		}
		cfg.Insecure = val
	}
	return nil
}
