// Package app wires the stores, the delivery core and the operator services
// for the api, scheduler and CLI processes.
package app

import (
	"context"
	"fmt"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/admin"
	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/deliverylog"
	"github.com/SirClappington/mailq/internal/domain"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/logging"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/provider"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/secret"
	"github.com/SirClappington/mailq/internal/storage"
	"github.com/SirClappington/mailq/internal/webhook"
	"github.com/SirClappington/mailq/internal/worker"
)

// Advisory lock keys: the leading scheduler holds the first for its whole
// life, every worker run takes the second when there is no Redis lease.
const (
	schedulerLockKey int64 = 42
	workerLockKey    int64 = 43
)

type App struct {
	Config      config.Config
	Settings    config.Provider
	Secrets     *secret.Store
	Log         *deliverylog.Log
	Queue       queue.Repository
	Scheduler   queue.Scheduler
	KV          kv.Store
	Provider    *provider.Client
	Interceptor *mailer.Interceptor
	Worker      *worker.Worker
	Maintenance *worker.Maintenance
	Admin       *admin.Service
	Webhook     *webhook.Handler

	store  *storage.Store
	redis  r.UniversalClient
	leader *storage.Leader
	logger *zap.Logger
}

// Build connects the configured backends and assembles every service.
func Build(ctx context.Context, cfg config.Config, base config.Settings, logger *zap.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	var (
		logStore      deliverylog.Store
		secretBackend secret.Backend
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		store, err := storage.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		a.store = store
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		logStore = deliverylog.NewPostgresStore(store.Pool())
		a.Queue = queue.NewPostgres(store.Pool())
		secretBackend = secret.NewPostgres(store.Pool())
	default:
		logStore = deliverylog.NewMemoryStore()
		a.Queue = queue.NewMemory()
		secretBackend = secret.NewMemory()
	}

	if cfg.RedisAddr != "" {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, multierr.Append(fmt.Errorf("ping redis: %w", err), a.Close())
		}
		a.redis = rdb
		a.KV = kv.NewRedis(rdb)
		a.Scheduler = queue.NewRedisScheduler(rdb)
	} else {
		a.KV = kv.NewMemory()
		a.Scheduler = queue.NewMemoryScheduler()
	}

	a.Secrets = secret.New(secretBackend, cfg.SecretKeyMaterial, secret.ParseCipher(cfg.SecretCipher))
	if err := a.seedSecrets(ctx); err != nil {
		return nil, multierr.Append(err, a.Close())
	}
	a.Settings = config.NewSource(base, a.Secrets)

	a.Log = deliverylog.New(logStore, logger)
	a.Provider = provider.New(cfg.ProviderBaseURL, cfg.ProviderTimeout)
	rec := mailer.NewRecorder(a.Log, a.KV, logger)

	var opts []mailer.Option
	if cfg.SMTPHost != "" {
		opts = append(opts, mailer.WithNative(mailer.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword)))
	}
	a.Interceptor = mailer.NewInterceptor(a.Log, a.Queue, a.Scheduler, a.Provider, rec, logger, opts...)

	a.Worker = worker.New(a.Settings, a.Queue, a.Scheduler, a.Provider, rec, a.KV, logger)
	if cfg.WorkerLeaseTTL > 0 {
		a.Worker.LeaseTTL = cfg.WorkerLeaseTTL
	}
	if a.store != nil && a.redis == nil {
		// a memory kv lease would only exclude runs within this process
		a.Worker.Lease = a.store.RunLock(workerLockKey)
	}
	a.Worker.OnTerminal = func(job domain.Job, err error, attempt int) {
		logger.Warn("job dead-lettered",
			zap.Int64("job_id", job.ID),
			zap.Int64("log_id", job.LogID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	a.Maintenance = worker.NewMaintenance(a.Settings, a.Log, a.Queue, a.KV, logger)
	a.Webhook = webhook.NewHandler(a.Settings, a.Log, a.KV, logger)

	a.Admin = admin.New(a.Settings, a.Log, a.Queue, a.Scheduler, a.Interceptor, a.Worker, a.KV, logger)
	a.Admin.Backend = cfg.StorageDriver
	if a.store != nil {
		a.Admin.Schema = a.store
		a.Admin.SchemaExpected = storage.SchemaVersion
	}

	logger.Info("services ready",
		zap.String("storage", cfg.StorageDriver),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("secrets_encrypted", a.Secrets.Encrypted()),
		zap.Bool("native_fallback", cfg.SMTPHost != ""))
	return a, nil
}

func (a *App) seedSecrets(ctx context.Context) error {
	seeds := map[string]string{
		config.SecretProviderToken: a.Config.SeedProviderToken,
		config.SecretWebhookSecret: a.Config.SeedWebhookSecret,
	}
	for name, value := range seeds {
		if value == "" {
			continue
		}
		cur, err := a.Secrets.Get(ctx, name)
		if err != nil {
			return err
		}
		if cur != "" {
			continue
		}
		if err := a.Secrets.Set(ctx, name, value); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		a.logger.Info("secret seeded from environment",
			zap.String("name", name),
			zap.String("value", logging.Redact(value)))
	}
	return nil
}

// Runner returns the background trigger. With Postgres only the holder of
// the scheduler advisory lock runs the jobs.
func (a *App) Runner() *worker.Runner {
	var elector worker.Elector
	if a.store != nil {
		a.leader = a.store.Leader(schedulerLockKey)
		elector = a.leader
	}
	run := worker.NewRunner(a.Worker, a.Maintenance, a.Scheduler, elector, a.logger)
	run.Tick = a.Config.SchedulerTick
	run.FallbackInterval = a.Config.SchedulerFallback
	run.CleanupInterval = a.Config.CleanupInterval
	run.AlertInterval = a.Config.AlertInterval
	return run
}

// Close releases the leader lock and closes every connection.
func (a *App) Close() error {
	var err error
	if a.leader != nil {
		a.leader.Release()
	}
	if a.redis != nil {
		err = multierr.Append(err, a.redis.Close())
	}
	if a.store != nil {
		a.store.Close()
	}
	return err
}
