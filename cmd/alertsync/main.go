package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"alertsync/internal/config"
	"alertsync/internal/consumer"
	"alertsync/internal/logging"
	secretstore "alertsync/internal/secrets"
	"alertsync/internal/server"
	"alertsync/internal/service"
	"alertsync/internal/transformer"
	"alertsync/internal/transport"
	"alertsync/internal/transport/memory"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/version"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		configPath string
		logLevel   string
	)
	app := kingpin.New(filepath.Base(os.Args[0]), "Grafana/CloudWatch alerts to GitHub issues.")
	app.HelpFlag.Short('h')
	app.Flag("config", "Path to the YAML configuration file.").Short('c').Envar("ALERTSYNC_CONFIG").PlaceHolder("PATH").StringVar(&configPath)
	app.Flag("log.level", "Log level override, one of [debug, info, warn, error].").EnumVar(&logLevel, "debug", "info", "warn", "error")
	app.Version(version.Print("alertsync"))

	gatewayCmd := app.Command("gateway", "Run the webhook gateway: authenticate and publish payloads to the fan-out topic.")
	consumerCmd := app.Command("consumer", "Run the queue consumer: normalize, deduplicate and sync GitHub issues.")
	serveCmd := app.Command("serve", "Run gateway and consumer in one process.")
	migrateCmd := app.Command("migrate", "Apply state table migrations and exit.")

	command, err := app.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, fmt.Errorf("failed to parse commandline arguments: %w", err))
		app.Usage(os.Args[1:])
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("version", version.Version).Logger()
	logger.Info().Str("command", command).Str("build", version.Info()).Msg("Starting alertsync")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case gatewayCmd.FullCommand():
		err = runGateway(ctx, cfg, logger)
	case consumerCmd.FullCommand():
		err = runConsumer(ctx, cfg, logger)
	case serveCmd.FullCommand():
		err = runServe(ctx, cfg, logger)
	case migrateCmd.FullCommand():
		err = runMigrate(ctx, cfg, logger)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Exiting with error")
		os.Exit(1)
	}
	logger.Info().Msg("Application stopped")
}

// --- Подкоманды ---

func runGateway(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Transport.Kind == "memory" {
		logger.Warn().Msg("Memory transport in gateway mode: nothing outside this process will receive the payloads")
	}
	publisher, closePub, err := newPublisher(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePub()

	secrets, err := newSecretProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	gw := server.New(publisher, webhookTokens(secrets, cfg.Server.WebhookSecretID), serverConfig(cfg), logger)
	return gw.Run(ctx)
}

func runConsumer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	receiver, closeRecv, err := newReceiver(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeRecv()

	secrets, err := newSecretProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	c, cleanup, err := buildConsumer(ctx, cfg, receiver, secrets, logger)
	if err != nil {
		return err
	}
	defer cleanup()
	return c.Run(ctx)
}

// runServe поднимает шлюз и обработчик в одном процессе. При транспорте memory
// они делят одну очередь.
func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	secrets, err := newSecretProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var (
		gw *server.Server
		c  *consumer.Consumer
	)
	if cfg.Transport.Kind == "memory" {
		queue := memory.NewQueue(cfg.Transport.Memory.Topic, cfg.Transport.Memory.MaxReceives)
		gw = server.New(queue, webhookTokens(secrets, cfg.Server.WebhookSecretID), serverConfig(cfg), logger)
		built, cleanup, err := buildConsumer(ctx, cfg, queue, secrets, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		c = built
	} else {
		publisher, closePub, err := newPublisher(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closePub()
		receiver, closeRecv, err := newReceiver(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer closeRecv()

		gw = server.New(publisher, webhookTokens(secrets, cfg.Server.WebhookSecretID), serverConfig(cfg), logger)
		built, cleanup, err := buildConsumer(ctx, cfg, receiver, secrets, logger)
		if err != nil {
			return err
		}
		defer cleanup()
		c = built
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gw.Run(gctx) })
	g.Go(func() error { return c.Run(gctx) })
	return g.Wait()
}

func runMigrate(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	if cfg.Store.Driver == "memory" {
		logger.Info().Msg("Memory store has no schema, nothing to migrate")
		return nil
	}
	cfg.Store.AutoMigrate = true
	_, closeStore, err := newStateRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closeStore()
	logger.Info().Str("table", cfg.Store.Table).Msg("Database migrations applied successfully")
	return nil
}

// buildConsumer собирает конвейер: хранилище, трекер, уведомления, метрики.
func buildConsumer(ctx context.Context, cfg *config.Config, receiver transport.Receiver, secrets *secretstore.Provider, logger zerolog.Logger) (*consumer.Consumer, func(), error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	states, closeStore, err := newStateRepository(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanups = append(cleanups, closeStore)

	tracker, err := newTracker(ctx, cfg, secrets, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	notifier, err := newNotifier(ctx, cfg, states, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	collector, stopMetrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanups = append(cleanups, stopMetrics)

	engine := service.NewSyncEngine(states, tracker, service.SyncConfig{
		Repo:            cfg.GitHub.Repo,
		IssuesEnabled:   cfg.GitHub.IssuesEnabled,
		LeaseTTL:        cfg.GitHub.LeaseTTL,
		LeaseWait:       cfg.GitHub.LeaseWait,
		ConflictRetries: cfg.GitHub.ConflictRetries,
	}, logger)
	if !cfg.GitHub.IssuesEnabled {
		logger.Warn().Msg("github.issues_enabled is false, running in dry-run mode")
	}
	pipeline := service.NewPipeline(transformer.Default(), engine, logger)

	c := consumer.New(receiver, pipeline, notifier, collector, consumer.Config{
		Workers: cfg.Consumer.Workers,
		Repo:    cfg.GitHub.Repo,
	}, logger)
	return c, cleanup, nil
}

func serverConfig(cfg *config.Config) server.Config {
	return server.Config{
		Addr:            cfg.Server.Addr,
		DefaultSource:   cfg.Server.DefaultSource,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
}
