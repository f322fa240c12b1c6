package config

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/SirClappington/mailq/internal/domain"
)

const (
	DetailMetadata = "metadata"
	DetailFull     = "full"
)

const (
	SecretProviderToken = "provider_token"
	SecretWebhookSecret = "webhook_secret"
)

var streamPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

var trackLinkModes = map[string]bool{"None": true, "HtmlAndText": true, "HtmlOnly": true, "TextOnly": true}

// Settings is the delivery configuration consumed read-only by the core.
// ProviderToken and WebhookSecret are filled from the secret store, never
// from the environment.
type Settings struct {
	Enabled       bool   `env:"ENABLED" envDefault:"true"`
	MessageStream string `env:"MESSAGE_STREAM" envDefault:"outbound"`
	FromEmail     string `env:"FROM_EMAIL"`
	FromName      string `env:"FROM_NAME"`
	ForceFrom     bool   `env:"FORCE_FROM"`
	AdminEmail    string `env:"ADMIN_EMAIL"`
	TrackOpens    bool   `env:"TRACK_OPENS"`
	TrackLinks    string `env:"TRACK_LINKS" envDefault:"None"`
	Debug         bool   `env:"DEBUG"`

	Retention     bool   `env:"RETENTION" envDefault:"true"`
	RetentionDays int    `env:"RETENTION_DAYS" envDefault:"90"`
	LogDetailMode string `env:"LOG_DETAIL_MODE" envDefault:"metadata"`

	DeliveryMode     string        `env:"DELIVERY_MODE" envDefault:"immediate"`
	FallbackToNative bool          `env:"FALLBACK_TO_NATIVE"`
	QueueMaxAttempts int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"5"`
	QueueBaseDelay   time.Duration `env:"QUEUE_RETRY_BASE_DELAY" envDefault:"60s"`
	QueueMaxDelay    time.Duration `env:"QUEUE_RETRY_MAX_DELAY" envDefault:"1h"`
	MaxJobsPerRun    int           `env:"QUEUE_MAX_JOBS_PER_RUN" envDefault:"25"`
	MaxRunTime       time.Duration `env:"QUEUE_MAX_RUNTIME" envDefault:"20s"`

	MaxAttachmentBytes      int64 `env:"MAX_ATTACHMENT_BYTES" envDefault:"10485760"`
	MaxTotalAttachmentBytes int64 `env:"MAX_TOTAL_ATTACHMENT_BYTES" envDefault:"10485760"`

	WebhookRequireSignature bool          `env:"WEBHOOK_REQUIRE_SIGNATURE"`
	WebhookReplayWindow     time.Duration `env:"WEBHOOK_REPLAY_WINDOW" envDefault:"300s"`
	WebhookRateLimit        int           `env:"WEBHOOK_RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	WebhookMaxBodyBytes     int64         `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"524288"`
	WebhookAllowlist        []string      `env:"WEBHOOK_IP_ALLOWLIST" envSeparator:","`
	WebhookTrustForwarded   bool          `env:"WEBHOOK_TRUST_FORWARDED"`

	ProviderToken string
	WebhookSecret string
}

// DefaultSettings returns the documented defaults.
func DefaultSettings() Settings {
	s := Settings{}
	_ = env.ParseWithOptions(&s, env.Options{Prefix: "MAIL_", Environment: map[string]string{}})
	return s.Normalize()
}

// ParseSettings reads MAIL_* variables.
func ParseSettings() (Settings, error) {
	var s Settings
	if err := env.ParseWithOptions(&s, env.Options{Prefix: "MAIL_"}); err != nil {
		return s, fmt.Errorf("parse settings: %w", err)
	}
	return s.Normalize(), nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDur(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Normalize clamps every value into its accepted range.
func (s Settings) Normalize() Settings {
	if !streamPattern.MatchString(s.MessageStream) {
		s.MessageStream = "outbound"
	}
	if !trackLinkModes[s.TrackLinks] {
		s.TrackLinks = "None"
	}
	if s.LogDetailMode != DetailFull {
		s.LogDetailMode = DetailMetadata
	}
	s.DeliveryMode = string(domain.ParseDeliveryMode(s.DeliveryMode, domain.ModeImmediate))
	s.RetentionDays = clampInt(s.RetentionDays, 1, 3650)
	s.QueueMaxAttempts = clampInt(s.QueueMaxAttempts, 1, 20)
	s.QueueBaseDelay = clampDur(s.QueueBaseDelay, 5*time.Second, time.Hour)
	s.QueueMaxDelay = clampDur(s.QueueMaxDelay, time.Minute, 24*time.Hour)
	if s.QueueMaxDelay < s.QueueBaseDelay {
		s.QueueMaxDelay = s.QueueBaseDelay
	}
	if s.MaxJobsPerRun < 1 {
		s.MaxJobsPerRun = 25
	}
	if s.MaxRunTime < time.Second {
		s.MaxRunTime = 20 * time.Second
	}
	if s.MaxAttachmentBytes < 1 {
		s.MaxAttachmentBytes = 10 << 20
	}
	if s.MaxTotalAttachmentBytes < s.MaxAttachmentBytes {
		s.MaxTotalAttachmentBytes = s.MaxAttachmentBytes
	}
	s.WebhookReplayWindow = clampDur(s.WebhookReplayWindow, 30*time.Second, 24*time.Hour)
	s.WebhookRateLimit = clampInt(s.WebhookRateLimit, 1, 5000)
	if s.WebhookMaxBodyBytes < 1024 {
		s.WebhookMaxBodyBytes = 1024
	}
	return s
}

func (s Settings) Mode() domain.DeliveryMode {
	return domain.ParseDeliveryMode(s.DeliveryMode, domain.ModeImmediate)
}

func (s Settings) FullDetail() bool { return s.LogDetailMode == DetailFull }

// Active reports whether provider delivery should intercept mail at all.
func (s Settings) Active() bool { return s.Enabled && s.ProviderToken != "" }

// Provider hands out a fresh Settings snapshot for each send or worker run.
type Provider interface {
	Settings(ctx context.Context) (Settings, error)
}

// Static is a Provider that always returns the same settings.
type Static Settings

func (s Static) Settings(context.Context) (Settings, error) { return Settings(s).Normalize(), nil }

type SecretReader interface {
	Get(ctx context.Context, name string) (string, error)
}

// Source combines environment settings with secrets read on each call.
type Source struct {
	base    Settings
	secrets SecretReader
}

func NewSource(base Settings, secrets SecretReader) *Source {
	return &Source{base: base.Normalize(), secrets: secrets}
}

func (s *Source) Settings(ctx context.Context) (Settings, error) {
	out := s.base
	if s.secrets == nil {
		return out, nil
	}
	token, err := s.secrets.Get(ctx, SecretProviderToken)
	if err != nil {
		return out, fmt.Errorf("read provider token: %w", err)
	}
	hook, err := s.secrets.Get(ctx, SecretWebhookSecret)
	if err != nil {
		return out, fmt.Errorf("read webhook secret: %w", err)
	}
	out.ProviderToken = token
	out.WebhookSecret = hook
	return out, nil
}
