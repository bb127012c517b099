package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/torosent/pubbench/internal/bench"
	"github.com/torosent/pubbench/internal/config"
	"github.com/torosent/pubbench/internal/output"
	"github.com/torosent/pubbench/internal/tracing"
	"github.com/torosent/pubbench/internal/transport"
	"github.com/torosent/pubbench/internal/transport/jetstream"
	"github.com/torosent/pubbench/internal/transport/loopback"
	"github.com/torosent/pubbench/internal/transport/rabbit"
)

const progressInterval = time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown failed")
		}
	}()

	tr, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	orch := bench.New(bench.Options{
		Messages:      cfg.Messages,
		Stripes:       cfg.Stripes,
		PayloadSize:   cfg.PayloadSize,
		RatePerSecond: cfg.Rate,
		WarmUp:        cfg.WarmUp,
		Transport:     tr,
		Logger:        logger,
		Tracer:        provider.Tracer(),
	})

	var progress *output.ProgressReporter
	if !cfg.JSONOutput {
		progress = output.NewProgressReporter(orch.Store(), progressInterval, os.Stdout)
		progress.Start()
	}

	res, err := orch.Run(ctx)

	if progress != nil {
		progress.Stop()
		fmt.Fprintln(os.Stdout)
	}
	if err != nil {
		return err
	}

	if cfg.JSONOutput {
		if err := output.PrintJSONReport(os.Stdout, *res); err != nil {
			return err
		}
	} else {
		output.PrintReport(os.Stdout, *res)
	}

	if cfg.Distribution != "" {
		if err := writeDistributionFile(cfg.Distribution, orch); err != nil {
			return err
		}
		logger.Info().Str("path", cfg.Distribution).Msg("latency distribution written")
	}
	return nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var w io.Writer = os.Stderr
	if cfg.LogFormat != "json" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newTransport(cfg *config.Config, logger zerolog.Logger) (transport.Transport, error) {
	opts := transport.Options{
		Durable:  cfg.Durable,
		Prefetch: cfg.Prefetch,
	}
	switch cfg.Transport {
	case config.TransportLoopback:
		return loopback.New(loopback.Config{
			AckDelay:     cfg.Loopback.AckDelay,
			ConsumeDelay: cfg.Loopback.ConsumeDelay,
		}), nil
	case config.TransportRabbit:
		return rabbit.New(rabbit.Config{
			URL:     cfg.Rabbit.URL,
			Queue:   cfg.Rabbit.Queue,
			Options: opts,
			Logger:  logger,
		}), nil
	case config.TransportJetStream:
		return jetstream.New(jetstream.Config{
			URL:     cfg.JetStream.URL,
			Stream:  cfg.JetStream.Stream,
			Subject: cfg.JetStream.Subject,
			Options: opts,
			Logger:  logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func writeDistributionFile(path string, orch *bench.Orchestrator) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return output.WriteDistributions(f, orch.Store().Snapshot())
}
