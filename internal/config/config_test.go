package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.True(t, s.Enabled)
	assert.Equal(t, "outbound", s.MessageStream)
	assert.Equal(t, 5, s.QueueMaxAttempts)
	assert.Equal(t, time.Minute, s.QueueBaseDelay)
	assert.Equal(t, time.Hour, s.QueueMaxDelay)
	assert.Equal(t, 300*time.Second, s.WebhookReplayWindow)
	assert.Equal(t, 120, s.WebhookRateLimit)
	assert.Equal(t, int64(512<<10), s.WebhookMaxBodyBytes)
	assert.Equal(t, DetailMetadata, s.LogDetailMode)
	assert.Equal(t, "immediate", s.DeliveryMode)
	assert.False(t, s.Active())
}

func TestParseSettingsClamps(t *testing.T) {
	t.Setenv("MAIL_QUEUE_MAX_ATTEMPTS", "99")
	t.Setenv("MAIL_QUEUE_RETRY_BASE_DELAY", "2h")
	t.Setenv("MAIL_QUEUE_RETRY_MAX_DELAY", "30s")
	t.Setenv("MAIL_WEBHOOK_REPLAY_WINDOW", "1s")
	t.Setenv("MAIL_WEBHOOK_RATE_LIMIT_PER_MINUTE", "0")
	t.Setenv("MAIL_MESSAGE_STREAM", "-bad stream")
	t.Setenv("MAIL_TRACK_LINKS", "Everywhere")
	t.Setenv("MAIL_LOG_DETAIL_MODE", "verbose")
	t.Setenv("MAIL_DELIVERY_MODE", "queue")
	t.Setenv("MAIL_RETENTION_DAYS", "0")
	t.Setenv("MAIL_MAX_ATTACHMENT_BYTES", "2048")
	t.Setenv("MAIL_MAX_TOTAL_ATTACHMENT_BYTES", "1024")
	t.Setenv("MAIL_WEBHOOK_IP_ALLOWLIST", "10.0.0.0/8,192.0.2.7")

	s, err := ParseSettings()
	require.NoError(t, err)
	assert.Equal(t, 20, s.QueueMaxAttempts)
	assert.Equal(t, time.Hour, s.QueueBaseDelay)
	assert.Equal(t, time.Hour, s.QueueMaxDelay, "max delay never below base delay")
	assert.Equal(t, 30*time.Second, s.WebhookReplayWindow)
	assert.Equal(t, 1, s.WebhookRateLimit)
	assert.Equal(t, "outbound", s.MessageStream)
	assert.Equal(t, "None", s.TrackLinks)
	assert.Equal(t, DetailMetadata, s.LogDetailMode)
	assert.Equal(t, "queue", s.DeliveryMode)
	assert.Equal(t, 1, s.RetentionDays)
	assert.Equal(t, int64(2048), s.MaxTotalAttachmentBytes)
	assert.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, s.WebhookAllowlist)
}

func TestParseSettingsRejectsMalformed(t *testing.T) {
	t.Setenv("MAIL_QUEUE_MAX_ATTEMPTS", "many")
	_, err := ParseSettings()
	assert.Error(t, err)
}

func TestParseConfig(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("POSTGRES_DSN", "")
	_, err := Parse()
	assert.ErrorContains(t, err, "POSTGRES_DSN")

	t.Setenv("STORAGE_DRIVER", "sqlite")
	_, err = Parse()
	assert.ErrorContains(t, err, "unknown STORAGE_DRIVER")

	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("APP_ENV", "local")
	c, err := Parse()
	require.NoError(t, err)
	assert.True(t, c.Development())
	assert.Equal(t, ":8080", c.APIAddr)
	assert.Equal(t, 15*time.Second, c.ShutdownTimeout)

	t.Setenv("PROVIDER_TOKEN", "seed-token")
	t.Setenv("WEBHOOK_SECRET", "seed-hook")
	t.Setenv("PROVIDER_TIMEOUT", "5s")
	c, err = Parse()
	require.NoError(t, err)
	assert.Equal(t, "seed-token", c.SeedProviderToken)
	assert.Equal(t, "seed-hook", c.SeedWebhookSecret)
	assert.Equal(t, 5*time.Second, c.ProviderTimeout)
	assert.Equal(t, "https://api.postmarkapp.com", c.ProviderBaseURL)
}

type fakeSecrets map[string]string

func (f fakeSecrets) Get(_ context.Context, name string) (string, error) {
	if v, ok := f["error"]; ok {
		return "", errors.New(v)
	}
	return f[name], nil
}

func TestSourceReadsSecrets(t *testing.T) {
	ctx := context.Background()
	src := NewSource(DefaultSettings(), fakeSecrets{SecretProviderToken: "tok", SecretWebhookSecret: "hook"})
	s, err := src.Settings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok", s.ProviderToken)
	assert.Equal(t, "hook", s.WebhookSecret)
	assert.True(t, s.Active())

	_, err = NewSource(DefaultSettings(), fakeSecrets{"error": "backend down"}).Settings(ctx)
	assert.ErrorContains(t, err, "backend down")

	s, err = NewSource(DefaultSettings(), nil).Settings(ctx)
	require.NoError(t, err)
	assert.False(t, s.Active())
}
