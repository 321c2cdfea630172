// Package main implements the entry point for the OpenRemote rules
// engine. The daemon consumes asset attribute events from NATS,
// evaluates them against deployed rulesets in a hierarchy of global,
// tenant and asset engines, and publishes fired actions back onto the
// platform.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ApollusEHS-OSS/openremote/asset"
	"github.com/ApollusEHS-OSS/openremote/config"
	"github.com/ApollusEHS-OSS/openremote/health"
	"github.com/ApollusEHS-OSS/openremote/input/attributes"
	"github.com/ApollusEHS-OSS/openremote/metric"
	"github.com/ApollusEHS-OSS/openremote/natsclient"
	"github.com/ApollusEHS-OSS/openremote/rulelang"
	"github.com/ApollusEHS-OSS/openremote/rulelang/celrules"
	"github.com/ApollusEHS-OSS/openremote/rulelang/jsonrules"
	"github.com/ApollusEHS-OSS/openremote/rules"
	"github.com/ApollusEHS-OSS/openremote/ruleset"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "openremote-rules"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Logging.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Logging.Format = cliCfg.LogFormat
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting OpenRemote rules engine",
		"version", Version,
		"instance", cfg.Platform.ID,
		"environment", cfg.Platform.Environment,
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	natsClient, err := createNATSClient(cfg, registry.Metrics)
	if err != nil {
		return fmt.Errorf("create NATS client: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	slog.Info("Connecting to NATS", "urls", cfg.NATS.URLs)
	if err := natsClient.Connect(connectCtx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer func() { _ = natsClient.Close() }()

	service, err := createService(ctx, cfg, natsClient, registry.Metrics, monitor)
	if err != nil {
		return err
	}

	input, err := attributes.NewInput(attributes.InputDeps{
		Subject:    cfg.NATS.AttributeEventSubject,
		QueueGroup: appName,
		NATSClient: natsClient,
		Sink:       service,
		Metrics:    registry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create attribute input: %w", err)
	}

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		metricsServer.SetHealthHandler(monitor.Handler(appName))
	}

	return runComponents(ctx, cliCfg.ShutdownTimeout, service, input, metricsServer)
}

// createNATSClient builds the managed NATS client from configuration.
func createNATSClient(cfg *config.Config, metrics *metric.Metrics) (*natsclient.Client, error) {
	url := "nats://localhost:4222"
	if len(cfg.NATS.URLs) > 0 {
		url = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait.Std()),
		natsclient.WithMetrics(metrics),
	}
	switch {
	case cfg.NATS.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	case cfg.NATS.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}

	return natsclient.NewClient(url, opts...)
}

// createService wires the ruleset store, compilers and publisher into
// the rules service.
func createService(
	ctx context.Context,
	cfg *config.Config,
	natsClient *natsclient.Client,
	metrics *metric.Metrics,
	monitor *health.Monitor,
) (*rules.Service, error) {
	bucket, err := natsClient.KeyValue(ctx, cfg.NATS.RulesetBucket)
	if err != nil {
		return nil, fmt.Errorf("open ruleset bucket: %w", err)
	}
	store := ruleset.NewKVStore(bucket)

	celCompiler, err := celrules.New()
	if err != nil {
		return nil, fmt.Errorf("create CEL compiler: %w", err)
	}
	compilers := rulelang.NewRegistry(jsonrules.New(), celCompiler)

	publisher, err := attributes.NewPublisher(natsClient,
		cfg.NATS.AttributeEventSubject, cfg.NATS.NotificationSubject)
	if err != nil {
		return nil, fmt.Errorf("create publisher: %w", err)
	}

	service := rules.NewService(rules.Config{
		EngineQueueSize:    cfg.Rules.EngineQueueSize,
		TickInterval:       cfg.Rules.TickInterval.Std(),
		MinEventExpiration: cfg.Rules.MinEventExpiration.Std(),
		ActionRateLimit:    rate.Limit(cfg.Rules.ActionRateLimit),
		ActionBurst:        cfg.Rules.ActionBurst,
	}, store, asset.NewMemoryStorage(), compilers, metrics, monitor, publisher)

	return service, nil
}

// runComponents starts everything, waits for a shutdown signal and
// stops components in reverse order.
func runComponents(
	ctx context.Context,
	shutdownTimeout time.Duration,
	service *rules.Service,
	input *attributes.Input,
	metricsServer *metric.Server,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := service.Start(signalCtx); err != nil {
		return fmt.Errorf("start rules service: %w", err)
	}
	if err := input.Start(signalCtx); err != nil {
		_ = service.Stop()
		return fmt.Errorf("start attribute input: %w", err)
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	if metricsServer != nil {
		group.Go(func() error {
			slog.Info("Metrics server listening", "address", metricsServer.Address())
			return metricsServer.Start()
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return metricsServer.Stop()
		})
	}

	slog.Info("OpenRemote rules engine started")
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		if err := input.Stop(); err != nil {
			slog.Error("Error stopping attribute input", "error", err)
		}
		if err := service.Stop(); err != nil {
			slog.Error("Error stopping rules service", "error", err)
		}
		if err := group.Wait(); err != nil {
			slog.Error("Error stopping metrics server", "error", err)
		}
	}()

	select {
	case <-shutdownDone:
	case <-time.After(shutdownTimeout):
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}

	slog.Info("OpenRemote rules engine shutdown complete")
	return nil
}
