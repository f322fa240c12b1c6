package app

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/mailq/internal/config"
	"github.com/SirClappington/mailq/internal/kv"
	"github.com/SirClappington/mailq/internal/mailer"
	"github.com/SirClappington/mailq/internal/queue"
	"github.com/SirClappington/mailq/internal/storage"
)

func memoryConfig() config.Config {
	return config.Config{
		StorageDriver:     config.DriverMemory,
		SecretKeyMaterial: "test-key-material",
		SecretCipher:      "aes-gcm",
		ProviderBaseURL:   "http://127.0.0.1:1",
		ProviderTimeout:   time.Second,
		SchedulerTick:     time.Second,
		SchedulerFallback: time.Minute,
		WorkerLeaseTTL:    30 * time.Second,
		CleanupInterval:   24 * time.Hour,
		AlertInterval:     time.Hour,
	}
}

func TestBuildMemory(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.SeedProviderToken = "server-token"

	a, err := Build(ctx, cfg, config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	s, err := a.Settings.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "server-token", s.ProviderToken)
	assert.Empty(t, s.WebhookSecret)
	assert.True(t, a.Secrets.Encrypted())

	assert.IsType(t, &kv.Memory{}, a.KV)
	assert.IsType(t, &queue.MemoryScheduler{}, a.Scheduler)
	assert.Equal(t, config.DriverMemory, a.Admin.Backend)
	assert.Equal(t, 30*time.Second, a.Worker.LeaseTTL)
	assert.Nil(t, a.Worker.Lease, "memory storage keeps the kv lease")

	run := a.Runner()
	assert.Equal(t, time.Second, run.Tick)
	assert.Equal(t, time.Minute, run.FallbackInterval)
}

func TestSeedKeepsStoredSecret(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	a, err := Build(ctx, cfg, config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, a.Secrets.Set(ctx, config.SecretWebhookSecret, "from-cli"))

	a.Config.SeedWebhookSecret = "from-env"
	require.NoError(t, a.seedSecrets(ctx))
	got, err := a.Secrets.Get(ctx, config.SecretWebhookSecret)
	require.NoError(t, err)
	assert.Equal(t, "from-cli", got)
}

func TestBuildWithRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisAddr = mr.Addr()

	a, err := Build(ctx, cfg, config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.IsType(t, &kv.Redis{}, a.KV)
	assert.IsType(t, &queue.RedisQ{}, a.Scheduler)

	require.NoError(t, a.Scheduler.ScheduleAt(ctx, time.Now().Add(time.Minute)))
	st, err := a.Admin.QueueStatus(ctx)
	require.NoError(t, err)
	assert.NotNil(t, st.NextRun)
}

func TestPostgresWithoutRedisUsesAdvisoryLease(t *testing.T) {
	dsn := os.Getenv("MAILQ_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MAILQ_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.StorageDriver = config.DriverPostgres
	cfg.PostgresDSN = dsn
	cfg.AutoMigrate = true

	a, err := Build(ctx, cfg, config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })
	assert.IsType(t, &storage.RunLock{}, a.Worker.Lease)

	other, err := storage.Connect(ctx, dsn)
	require.NoError(t, err)
	defer other.Close()
	release, ok, err := other.RunLock(workerLockKey).Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	rep, err := a.Admin.RunQueue(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped, "a run in another process holds the lease")
	release()
}

func TestBuildFailsOnUnreachableRedis(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisAddr = "127.0.0.1:1"
	_, err := Build(context.Background(), cfg, config.DefaultSettings(), zap.NewNop())
	assert.ErrorContains(t, err, "ping redis")
}

func TestInactiveWithoutToken(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, memoryConfig(), config.DefaultSettings(), zap.NewNop())
	require.NoError(t, err)

	res, err := a.Admin.Send(ctx, mailer.Message{To: []string{"user@example.com"}, Subject: "Hi"})
	require.NoError(t, err)
	assert.Equal(t, mailer.NotHandled, res.Outcome)
}
