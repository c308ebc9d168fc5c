package main

import (
	"context"
	"fmt"
	"os"

	"alertsync/internal/config"
	"alertsync/internal/metrics"
	"alertsync/internal/notify"
	"alertsync/internal/notify/ses"
	"alertsync/internal/notify/telegram"
	secretstore "alertsync/internal/secrets"
	"alertsync/internal/secrets/agefile"
	"alertsync/internal/secrets/awssm"
	"alertsync/internal/server"
	"alertsync/internal/service"
	storage_gorm "alertsync/internal/storage/gorm"
	"alertsync/internal/storage/inmemory"
	"alertsync/internal/storage/migrations"
	"alertsync/internal/storage/postgres"
	"alertsync/internal/tracker/github"
	"alertsync/internal/tracker/mock"
	"alertsync/internal/transport"
	"alertsync/internal/transport/awsq"
	kafkaq "alertsync/internal/transport/kafka"
	"alertsync/internal/transport/memory"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func nop() {}

// --- Хранилище состояния ---

func newStateRepository(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (service.StateRepository, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Warn().Msg("Memory state store: deduplication state is lost on restart")
		return inmemory.NewStateRepository(), nop, nil

	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Store.DSN), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		closeDB := func() { _ = sqlDB.Close() }
		if cfg.Store.AutoMigrate {
			if err := migrations.Up(sqlDB, migrations.DialectSQLite, cfg.Store.Table, logger); err != nil {
				closeDB()
				return nil, nil, err
			}
		}
		repo, err := storage_gorm.NewGormStateRepository(db, cfg.Store.Table)
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("failed to create state repository: %w", err)
		}
		return repo, closeDB, nil

	case "postgres":
		conn, err := postgres.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		closeDB := func() { _ = conn.Close() }
		if cfg.Store.AutoMigrate {
			if err := migrations.Up(conn, migrations.DialectPostgres, cfg.Store.Table, logger); err != nil {
				closeDB()
				return nil, nil, err
			}
		}
		repo, err := postgres.NewStateRepository(conn, cfg.Store.Table)
		if err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("failed to create state repository: %w", err)
		}
		return repo, closeDB, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// --- Транспорт ---

func newPublisher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transport.Publisher, func(), error) {
	switch cfg.Transport.Kind {
	case "memory":
		return memory.NewQueue(cfg.Transport.Memory.Topic, cfg.Transport.Memory.MaxReceives), nop, nil

	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Transport.AWS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		pub, err := awsq.NewPublisher(sns.NewFromConfig(awsCfg), cfg.Transport.AWS.TopicARN)
		if err != nil {
			return nil, nil, err
		}
		return pub, nop, nil

	case "kafka":
		writer, err := kafkaq.NewWriter(cfg.Transport.Kafka.Brokers)
		if err != nil {
			return nil, nil, err
		}
		pub, err := kafkaq.NewPublisher(writer, cfg.Transport.Kafka.Topic)
		if err != nil {
			_ = writer.Close()
			return nil, nil, err
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Kafka writer")
			}
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

func newReceiver(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transport.Receiver, func(), error) {
	switch cfg.Transport.Kind {
	case "memory":
		logger.Warn().Msg("Memory transport in consumer mode: only payloads published by this process are received")
		return memory.NewQueue(cfg.Transport.Memory.Topic, cfg.Transport.Memory.MaxReceives), nop, nil

	case "aws":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Transport.AWS.Region))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		recv, err := awsq.NewReceiver(sqs.NewFromConfig(awsCfg), awsq.ReceiverConfig{
			QueueURL:          cfg.Transport.AWS.QueueURL,
			TopicARN:          cfg.Transport.AWS.TopicARN,
			MaxMessages:       cfg.Transport.AWS.MaxMessages,
			WaitTimeSeconds:   cfg.Transport.AWS.WaitTimeSeconds,
			VisibilityTimeout: cfg.Transport.AWS.VisibilityTimeout,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return recv, nop, nil

	case "kafka":
		k := cfg.Transport.Kafka
		reader, err := kafkaq.NewReader(k.Brokers, k.Topic, k.GroupID)
		if err != nil {
			return nil, nil, err
		}
		// Writer нужен для повторной публикации и DLQ.
		writer, err := kafkaq.NewWriter(k.Brokers)
		if err != nil {
			_ = reader.Close()
			return nil, nil, err
		}
		recv, err := kafkaq.NewReceiver(reader, writer, kafkaq.ReceiverConfig{
			Topic:         k.Topic,
			DLQTopic:      k.DLQTopic,
			MaxDeliveries: k.MaxDeliveries,
		}, logger)
		if err != nil {
			_ = reader.Close()
			_ = writer.Close()
			return nil, nil, err
		}
		return recv, func() {
			if err := recv.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close Kafka reader")
			}
			_ = writer.Close()
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// --- Секреты ---

func newSecretProvider(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*secretstore.Provider, error) {
	var backend secretstore.Backend
	switch cfg.Secrets.Backend {
	case "env":
		backend = secretstore.EnvBackend{Prefix: cfg.Secrets.EnvPrefix}
	case "aws":
		b, err := awssm.New(ctx, cfg.Secrets.Region)
		if err != nil {
			return nil, err
		}
		backend = b
	case "age":
		b, err := agefile.New(cfg.Secrets.Dir, cfg.Secrets.IdentityFile)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Secrets.Backend)
	}
	return secretstore.NewProvider(backend, logger), nil
}

func webhookTokens(p *secretstore.Provider, secretID string) server.TokenSource {
	return server.TokenFunc(func(ctx context.Context) (string, error) {
		return p.WebhookToken(ctx, secretID)
	})
}

// --- Трекер ---

func newTracker(ctx context.Context, cfg *config.Config, secrets *secretstore.Provider, logger zerolog.Logger) (service.IssueTracker, error) {
	if cfg.GitHub.UseMock {
		logger.Warn().Msg("Using in-memory issue tracker mock")
		return mock.NewTrackerMock(), nil
	}

	ghCfg := github.Config{
		BaseURL:          cfg.GitHub.BaseURL,
		Logger:           logger,
		MaxRateLimitWait: cfg.GitHub.MaxRateLimitWait,
	}
	if cfg.GitHub.Token != "" {
		ghCfg.Token = cfg.GitHub.Token
	} else {
		creds, err := secrets.AppCredentials(ctx, cfg.GitHub.AppCredentialsSecretID)
		if err != nil {
			return nil, fmt.Errorf("load GitHub App credentials: %w", err)
		}
		ghCfg.AppID = creds.AppID
		ghCfg.PrivateKey = creds.PrivateKey
		ghCfg.InstallationID = creds.InstallationID
	}
	client, err := github.NewClient(ghCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GitHub client: %w", err)
	}
	return client, nil
}

// --- Канал оператора ---

func newNotifier(ctx context.Context, cfg *config.Config, states service.StateRepository, logger zerolog.Logger) (service.Notifier, error) {
	channels := notify.Multi{notify.NewLog(logger)}

	if cfg.Notify.Telegram.BotToken == "" {
		logger.Info().Msg("Telegram bot token is not set. Bot will not start.")
	} else {
		bot, err := telegram.NewBot(telegram.Config{
			Token:        cfg.Notify.Telegram.BotToken,
			ChatID:       cfg.Notify.Telegram.AlertChannelID,
			AllowedUsers: cfg.Notify.Telegram.AllowedUsers,
			Repo:         cfg.GitHub.Repo,
		}, states, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create bot: %w", err)
		}
		go bot.Start(ctx)
		channels = append(channels, bot)
	}

	if len(cfg.Notify.SES.To) > 0 {
		mailer, err := ses.New(ctx, cfg.Notify.SES.Region, cfg.Notify.SES.From, cfg.Notify.SES.To, logger)
		if err != nil {
			return nil, err
		}
		channels = append(channels, mailer)
	}
	return channels, nil
}

// --- Метрики ---

func newMetrics(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*metrics.Collector, func(), error) {
	instance := cfg.Metrics.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}

	var store metrics.Store
	closeStore := nop
	if cfg.Metrics.RedisAddr != "" {
		client, err := metrics.Connect(ctx, cfg.Metrics.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		store = client
		closeStore = func() { _ = client.Close() }
	}

	collector := metrics.NewCollector("alertsync-consumer", instance, store, logger)
	collector.SetReportInterval(cfg.Metrics.ReportInterval)
	collector.Start(ctx)
	return collector, func() {
		collector.Stop()
		closeStore()
	}, nil
}
