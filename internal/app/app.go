package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Ammar-Knowledge/github-for-jira/internal/adapter/repository/postgres"
	"github.com/Ammar-Knowledge/github-for-jira/internal/api"
	"github.com/Ammar-Knowledge/github-for-jira/internal/clients"
	"github.com/Ammar-Knowledge/github-for-jira/internal/config"
	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
	"github.com/Ammar-Knowledge/github-for-jira/internal/queue"
	"github.com/Ammar-Knowledge/github-for-jira/internal/reconciler"
	syncpkg "github.com/Ammar-Knowledge/github-for-jira/internal/sync"
	"github.com/Ammar-Knowledge/github-for-jira/internal/webhook"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/db"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/githubapp"
	zaplog "github.com/Ammar-Knowledge/github-for-jira/pkg/log"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/metrics"
	"github.com/Ammar-Knowledge/github-for-jira/pkg/snowflake"
	"github.com/Ammar-Knowledge/github-for-jira/sql/migrations"
)

// RunServer starts the HTTP server, the queue consumers and the background
// reconciler.
func RunServer() {
	app := fx.New(
		fx.Provide(
			// Config
			config.Load,
			githubapp.LoadFromEnv,

			// Persistence (Bind Interfaces)
			fx.Annotate(
				postgres.NewSubscriptionRepository,
				fx.As(new(subscription.Repository)),
			),
			fx.Annotate(
				postgres.NewRepoSyncStore,
				fx.As(new(subscription.RepoSyncStore)),
			),
			fx.Annotate(
				postgres.NewGitHubServerAppStore,
				fx.As(new(subscription.GitHubServerAppStore)),
			),

			// Upstream clients
			fx.Annotate(
				clients.NewProvider,
				fx.As(new(syncpkg.GitHubClients)),
				fx.As(new(queue.RateLimitSource)),
			),
			fx.Annotate(
				clients.NewJiraProvider,
				fx.As(new(syncpkg.JiraClients)),
			),

			// Queue plumbing
			newQueueTransports,
			fx.Annotate(
				newBackfillSender,
				fx.As(new(syncpkg.BackfillEnqueuer)),
			),
			newBackfillConsumer,
			newPushConsumer,

			// Sync core
			syncpkg.DefaultProcessors,
			syncpkg.NewOrchestrator,
			syncpkg.NewHandler,
			webhook.NewPushHandler,
			newStuckSyncReconciler,

			// API
			api.NewRouter,
		),
		db.Module,
		snowflake.Module,
		zaplog.Module,
		metrics.Module,
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, db.DSN(cfg))
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		logger.Info("Migration up applied successfully")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied successfully")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

// queueTransports holds the broker connection of each logical queue.
type queueTransports struct {
	backfill queue.Transport
	push     queue.Transport
}

func newQueueTransports(cfg *config.Config, node *snowflake.Node, logger *zap.Logger) (queueTransports, error) {
	switch cfg.QueueBackend {
	case "sqs":
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(cfg.QueueRegion))
		if err != nil {
			return queueTransports{}, fmt.Errorf("load aws config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg)
		return queueTransports{
			backfill: queue.NewSQSTransport(client, cfg.BackfillQueueURL),
			push:     queue.NewSQSTransport(client, cfg.PushQueueURL),
		}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return queueTransports{
			backfill: queue.NewRedisTransport(rdb, node, cfg.BackfillQueueName),
			push:     queue.NewRedisTransport(rdb, node, cfg.PushQueueName),
		}, nil
	case "memory":
		logger.Warn("using in-memory queue transport, messages do not survive restarts")
		return queueTransports{
			backfill: queue.NewMemoryTransport(),
			push:     queue.NewMemoryTransport(),
		}, nil
	}
	return queueTransports{}, fmt.Errorf("unknown queue backend: %s", cfg.QueueBackend)
}

func newBackfillSender(cfg *config.Config, transports queueTransports, m *metrics.Metrics, logger *zap.Logger) *queue.Sender[queue.BackfillPayload] {
	return queue.NewSender[queue.BackfillPayload](cfg.BackfillQueueName, transports.backfill, m, logger)
}

func newBackfillConsumer(
	cfg *config.Config,
	transports queueTransports,
	handler *syncpkg.Handler,
	guardSource queue.RateLimitSource,
	m *metrics.Metrics,
	logger *zap.Logger,
) *queue.Consumer[queue.BackfillPayload] {
	settings := queue.Settings{
		Name:                   cfg.BackfillQueueName,
		TimeoutSec:             cfg.BackfillQueueTimeoutSec,
		MaxAttempts:            cfg.BackfillQueueMaxAttempts,
		LongPollingIntervalSec: cfg.LongPollingIntervalSec,
	}
	errorHandler := queue.WithFailureMetric(
		queue.JiraAndGitHubErrorsHandler[queue.BackfillPayload](nil), m, settings.Name)

	opts := consumerOptions[queue.BackfillPayload](cfg, settings.Name)
	if containsQueue(cfg.RateLimitGuardQueues, settings.Name) {
		guard := queue.NewRateLimitGuard(guardSource, cfg.PreemptiveRateLimitThreshold)
		opts = append(opts, queue.WithRateLimitGuard[queue.BackfillPayload](guard))
	}

	return queue.NewConsumer(settings, transports.backfill, handler.Handle, errorHandler, m, logger, opts...)
}

func newPushConsumer(
	cfg *config.Config,
	transports queueTransports,
	handler *webhook.PushHandler,
	m *metrics.Metrics,
	logger *zap.Logger,
) *queue.Consumer[queue.PushPayload] {
	settings := queue.Settings{
		Name:                   cfg.PushQueueName,
		TimeoutSec:             cfg.PushQueueTimeoutSec,
		MaxAttempts:            cfg.PushQueueMaxAttempts,
		LongPollingIntervalSec: cfg.LongPollingIntervalSec,
	}
	errorHandler := queue.WithWebhookMetric(
		queue.WithFailureMetric(
			queue.JiraAndGitHubErrorsHandler[queue.PushPayload](nil), m, settings.Name),
		m, "push")

	opts := consumerOptions[queue.PushPayload](cfg, settings.Name)

	return queue.NewConsumer(settings, transports.push, handler.Handle, errorHandler, m, logger, opts...)
}

// consumerOptions applies the per-queue configuration shared by every
// consumer: stale pruning and per-host verbose logging.
func consumerOptions[T queue.Payload](cfg *config.Config, name string) []queue.ConsumerOption[T] {
	var opts []queue.ConsumerOption[T]
	if cfg.RemoveStaleMessages && containsQueue(cfg.StaleMessageQueues, name) {
		opts = append(opts, queue.WithStalePruning[T]())
	}
	if len(cfg.VerboseLoggingHosts) > 0 {
		opts = append(opts, queue.WithVerboseHosts[T](cfg.VerboseLoggingFor))
	}
	return opts
}

func containsQueue(queues []string, name string) bool {
	for _, q := range queues {
		if q == name {
			return true
		}
	}
	return false
}

func newStuckSyncReconciler(cfg *config.Config, subs subscription.Repository, m *metrics.Metrics, logger *zap.Logger) *reconciler.StuckSyncReconciler {
	deadline := time.Duration(cfg.StuckSyncDeadlineMin) * time.Minute
	return reconciler.NewStuckSyncReconciler(subs, deadline, m, logger)
}

func registerHooks(
	lc fx.Lifecycle,
	router *api.Router,
	backfill *queue.Consumer[queue.BackfillPayload],
	push *queue.Consumer[queue.PushPayload],
	stuckSyncs *reconciler.StuckSyncReconciler,
	logger *zap.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting queue consumers and HTTP server")

			backfill.Start()
			push.Start()
			stuckSyncs.Start()

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down gracefully...")

			if err := backfill.Stop(ctx); err != nil {
				logger.Error("backfill consumer stop", zap.Error(err))
			}
			if err := push.Stop(ctx); err != nil {
				logger.Error("push consumer stop", zap.Error(err))
			}
			stuckSyncs.Stop()

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("Stopped gracefully")
			return nil
		},
	})
}
