package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/FileFlow/internal/clock"
	"github.com/PaulBabatuyi/FileFlow/internal/config"
	"github.com/PaulBabatuyi/FileFlow/internal/database"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
	"github.com/PaulBabatuyi/FileFlow/internal/fetch"
	"github.com/PaulBabatuyi/FileFlow/internal/lock"
	"github.com/PaulBabatuyi/FileFlow/internal/notify"
	"github.com/PaulBabatuyi/FileFlow/internal/observability"
	"github.com/PaulBabatuyi/FileFlow/internal/scheduler"
	"github.com/PaulBabatuyi/FileFlow/internal/server"
	"github.com/PaulBabatuyi/FileFlow/internal/service"
	"github.com/PaulBabatuyi/FileFlow/internal/storage"
	"github.com/PaulBabatuyi/FileFlow/internal/worker"
)

// app holds what every subcommand needs: config, logger, store and object storage.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	clock   clock.Clock
	store   database.Store
	objects storage.ObjectStore
	closers []func() error
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.InitLogger(cfg.Log.Development, cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, clock: clock.Real()}
	a.closers = append(a.closers, func() error {
		// stdout sync fails on some platforms
		_ = logger.Sync()
		return nil
	})

	if a.store, err = openStore(ctx, cfg.Database); err != nil {
		a.close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	a.closers = append(a.closers, a.store.Close)

	if a.objects, err = openStorage(ctx, cfg.Storage, logger); err != nil {
		a.close()
		return nil, fmt.Errorf("open %s storage: %w", cfg.Storage.Backend, err)
	}
	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (database.Store, error) {
	if cfg.Driver == "memory" {
		return database.NewMemoryStore(), nil
	}
	return database.NewPostgresStore(ctx, cfg.URL, database.PoolConfig{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
	})
}

func openStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ObjectStore, error) {
	if cfg.Backend == "filesystem" {
		return storage.NewFilesystemStorage(cfg.BasePath, cfg.BaseURL)
	}
	client, err := storage.NewS3Client(ctx, storage.S3Config{
		Region:       cfg.S3.Region,
		Endpoint:     cfg.S3.Endpoint,
		UsePathStyle: cfg.S3.UsePathStyle,
		AccessKey:    cfg.S3.AccessKey,
		SecretKey:    cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}
	return storage.NewS3Storage(client, logger), nil
}

// close runs the registered closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close", zap.Error(err))
		}
	}
}

func (a *app) migrate(ctx context.Context) error {
	pg, ok := a.store.(*database.PostgresStore)
	if !ok {
		return errors.New("migrate needs the postgres driver (set FILEFLOW_DATABASE_URL)")
	}
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	a.logger.Info("schema applied")
	return nil
}

func (a *app) policies() (download, processing, webhook retry.Policy) {
	download = retry.FileDownload
	download.MaxRetries = a.cfg.Download.MaxRetries
	processing = retry.FileProcessing
	processing.MaxRetries = a.cfg.Pipeline.MaxRetries
	webhook = retry.Webhook
	webhook.MaxRetries = a.cfg.Webhook.MaxRetries
	return download, processing, webhook
}

func (a *app) service() *service.Service {
	download, processing, webhook := a.policies()
	return service.New(service.Config{
		DefaultBucket:     a.cfg.Storage.DefaultBucket,
		UploadTTL:         a.cfg.Sessions.UploadTTL.Std(),
		MultipartTTL:      a.cfg.Sessions.MultipartTTL.Std(),
		DownloadTTL:       a.cfg.Sessions.DownloadTTL.Std(),
		DownloadKeyPrefix: a.cfg.Sessions.DownloadKeyPrefix,
		DownloadPolicy:    download,
		ProcessingPolicy:  processing,
		EventPolicy:       webhook,
	}, a.store, a.objects, a.clock, a.logger)
}

func (a *app) locker() lock.Locker {
	if a.cfg.Redis.Addr == "" {
		a.logger.Warn("no redis configured, scheduler locks are process local")
		return lock.NewLocalLocker(a.clock)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	a.closers = append(a.closers, client.Close)
	return lock.NewRedisLocker(client, a.cfg.Redis.KeyPrefix)
}

func (a *app) publisher() notify.Publisher {
	var p notify.Publisher
	if len(a.cfg.Kafka.Brokers) == 0 {
		p = notify.NewLogPublisher(a.logger)
	} else {
		p = notify.NewKafkaPublisher(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic)
	}
	a.closers = append(a.closers, p.Close)
	return p
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	sc := cfg.Scheduler

	// 1. Observability
	metrics, err := observability.InitMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	tp, err := observability.InitTracerProvider(ctx, cfg.Tracing.Enabled, a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownTracerProvider(context.WithoutCancel(ctx), tp, a.logger)

	// 2. Workers, one per outbox kind
	download, processing, webhook := a.policies()
	webhooks := notify.NewHTTPWebhookSender(cfg.Webhook.Timeout.Std(), a.logger)
	fetcher := fetch.NewHTTPFetcher(fetch.Config{
		ConnectTimeout:        cfg.Download.ConnectTimeout.Std(),
		ResponseHeaderTimeout: cfg.Download.ResponseHeaderTimeout.Std(),
		UserAgent:             cfg.Download.UserAgent,
	}, a.logger)
	policies := worker.Policies{Processing: processing, Webhook: webhook, Event: webhook}

	downloads := worker.NewDownloadWorker(a.store, a.objects, fetcher, a.clock, policies, a.logger, metrics)
	pipeline := worker.NewPipelineWorker(worker.PipelineConfig{
		WorkflowURL:     cfg.Pipeline.WorkflowURL,
		WorkflowTimeout: cfg.Pipeline.WorkflowTimeout.Std(),
	}, a.store, worker.NewImageProcessor(a.objects, cfg.Pipeline.ThumbnailBucket), webhooks, a.clock, a.logger, metrics)

	// 3. Scheduler
	dispatcher := scheduler.NewDispatcher(scheduler.DispatcherConfig{
		BatchSize:      sc.BatchSize,
		MaxInFlight:    sc.MaxInFlight,
		StaleAfter:     sc.StaleAfter.Std(),
		HandlerTimeout: sc.HandlerTimeout.Std(),
	}, a.store, a.clock, a.logger, metrics)
	dispatcher.Register(outbox.KindExternalDownload, downloads, download)
	dispatcher.Register(outbox.KindFileProcessing, pipeline, processing)
	dispatcher.Register(outbox.KindWebhook, worker.NewWebhookHandler(webhooks, a.logger), webhook)
	dispatcher.Register(outbox.KindEventPublish, worker.NewEventHandler(a.publisher()), webhook)

	runner := scheduler.NewRunner(scheduler.RunnerConfig{
		Locker:    a.locker(),
		LockWait:  sc.LockWait.Std(),
		LockLease: sc.LockLease.Std(),
		Logger:    a.logger,
		Metrics:   metrics,
	},
		scheduler.Schedule{Job: dispatcher.DispatchJob(), Interval: sc.DispatchInterval.Std()},
		scheduler.Schedule{Job: dispatcher.RetryJob(), Interval: sc.RetryInterval.Std()},
		scheduler.Schedule{Job: scheduler.NewExpiryJob(a.store, a.objects, a.clock, a.logger, sc.BatchSize), Interval: sc.ExpiryInterval.Std()},
	)

	// 4. Admin surfaces
	metricsServer := observability.StartMetricsServer(cfg.Server.MetricsAddr, prometheus.DefaultGatherer, a.store.Ping, a.logger)
	admin := server.NewAdminServer(server.Config{APIKeys: cfg.Server.APIKeys}, a.logger, metrics, tp,
		server.ReadinessCheck{Name: "database", Check: a.store.Ping},
		server.ReadinessCheck{Name: "scheduler", Check: func(context.Context) error {
			if !runner.Running() {
				return errors.New("scheduler stopped")
			}
			return nil
		}},
	)
	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	// 5. Run until signalled
	runner.Start(ctx)
	served := make(chan error, 1)
	go func() { served <- admin.Serve(ctx, lis) }()

	a.logger.Info("fileflow started",
		zap.String("grpc_addr", cfg.Server.GRPCAddr),
		zap.String("metrics_addr", cfg.Server.MetricsAddr),
		zap.String("database", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend),
		zap.Int("pid", os.Getpid()),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-served:
	}

	// 6. Graceful shutdown: stop accepting work, then drain running handlers.
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sc.ShutdownTimeout.Std())
	defer cancel()

	admin.Stop(shutdownCtx)
	if err := runner.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler did not stop in time", zap.Error(err))
	}
	if err := dispatcher.Wait(shutdownCtx); err != nil {
		a.logger.Warn("outbox handlers still running", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics server shutdown", zap.Error(err))
	}
	return serveErr
}

func downloadRequest(sourceURL, fileName, bucket, keyPrefix, webhookURL string) session.DownloadRequest {
	return session.DownloadRequest{
		SourceURL:  sourceURL,
		FileName:   fileName,
		Bucket:     bucket,
		KeyPrefix:  keyPrefix,
		AccessType: session.AccessPrivate,
		WebhookURL: webhookURL,
	}
}

func userActor(name string) asset.Actor {
	if name == "" {
		name = os.Getenv("USER")
	}
	if name == "" {
		name = "cli"
	}
	return asset.User(name)
}
