package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/binlog"
	"realtime-e2e/internal/config"
	"realtime-e2e/internal/filter"
	"realtime-e2e/internal/nats"
	"realtime-e2e/internal/preflight"
	"realtime-e2e/internal/realtime"
	"realtime-e2e/internal/runner"
	"realtime-e2e/internal/store"
)

// newSubscriber picks the change feed named by cfg.Source
func newSubscriber(cfg *config.Config, logger *logrus.Logger) (runner.Subscriber, error) {
	switch cfg.Source {
	case config.SourceRealtime:
		client := realtime.NewClient(cfg.Realtime.URL, cfg.Realtime.APIKey, cfg.Realtime.HeartbeatInterval, logger)
		return realtime.NewSubscriber(client, cfg.Realtime.Channel, cfg.Target.Schema, cfg.Target.Table), nil
	case config.SourceNATS:
		return nats.NewSubscriber(
			cfg.NATS.URL,
			cfg.NATS.Subject,
			cfg.Target.Schema,
			cfg.Target.Table,
			cfg.NATS.MaxReconnect,
			cfg.NATS.ReconnectWait,
			logger,
		), nil
	case config.SourceBinlog:
		return binlog.NewSubscriber(cfg.Database, cfg.Binlog, cfg.Target, logger), nil
	}
	return nil, fmt.Errorf("unsupported source: %s", cfg.Source)
}

func setupLogger(logger *logrus.Logger, cfg config.LoggingConfig) {
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
}

func main() {
	// Setup logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	setupLogger(logger, cfg.Logging)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("Received signal: %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := run(ctx, cfg, logger); err != nil {
		os.Exit(1)
	}
}

// run wires the configured components into a runner. Errors from the run
// itself are already logged by the runner.
func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	subscriber, err := newSubscriber(cfg, logger)
	if err != nil {
		logger.Errorf("Failed to create subscriber: %v", err)
		return err
	}

	pool, err := store.Open(ctx, cfg.Database, cfg.Target, logger)
	if err != nil {
		logger.Errorf("Failed to open database: %v", err)
		return err
	}

	r := runner.New(subscriber, pool, runner.Options{
		SubscribeTimeout: cfg.Timeouts.Subscribe,
		EventTimeout:     cfg.Timeouts.Event,
		Iterations:       cfg.Runner.Iterations,
	}, logger)

	if cfg.Preflight.Enabled {
		r.WithChecker(preflight.NewChecker(pool.Dialect(), cfg.Preflight.Publication, logger))
	}

	if cfg.Filter.Script != "" {
		f, err := filter.Load(cfg.Filter.Script, logger)
		if err != nil {
			pool.Close()
			logger.Errorf("Failed to load filter: %v", err)
			return err
		}
		r.WithFilter(f)
	}

	if cfg.NATS.ReportSubject != "" {
		publisher, err := nats.NewPublisher(
			cfg.NATS.URL,
			cfg.NATS.ReportSubject,
			cfg.NATS.MaxReconnect,
			cfg.NATS.ReconnectWait,
			logger,
		)
		if err != nil {
			pool.Close()
			logger.Errorf("Failed to create NATS publisher: %v", err)
			return err
		}
		defer publisher.Close()
		r.WithReporter(publisher)
	}

	reports, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if cfg.Runner.RequireAll {
		if err := runner.Verify(reports); err != nil {
			logger.Errorf("Verification failed: %v", err)
			return err
		}
	}
	return nil
}
