package config

import (
	"fmt"
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the process configuration shared by the api, scheduler and CLI.
type Config struct {
	AppEnv          string        `env:"APP_ENV" envDefault:"production"`
	APIAddr         string        `env:"API_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	StorageDriver string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	AutoMigrate   bool   `env:"AUTO_MIGRATE" envDefault:"true"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	AdminToken         string  `env:"ADMIN_TOKEN"`
	AdminRatePerSecond float64 `env:"ADMIN_RATE_PER_SECOND" envDefault:"10"`
	AdminRateBurst     int     `env:"ADMIN_RATE_BURST" envDefault:"20"`
	SecretKeyMaterial  string  `env:"SECRET_KEY_MATERIAL"`
	SecretCipher       string  `env:"SECRET_CIPHER" envDefault:"aes-gcm"`

	// Seed values are written to the secret store at startup when it holds none.
	SeedProviderToken string `env:"PROVIDER_TOKEN"`
	SeedWebhookSecret string `env:"WEBHOOK_SECRET"`

	ProviderBaseURL string        `env:"PROVIDER_BASE_URL" envDefault:"https://api.postmarkapp.com"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"20s"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUser     string `env:"SMTP_USER"`
	SMTPPassword string `env:"SMTP_PASSWORD"`

	SchedulerTick     time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	SchedulerFallback time.Duration `env:"SCHEDULER_FALLBACK_INTERVAL" envDefault:"60s"`
	WorkerLeaseTTL    time.Duration `env:"WORKER_LEASE_TTL" envDefault:"60s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"24h"`
	AlertInterval     time.Duration `env:"ALERT_INTERVAL" envDefault:"1h"`
}

// Parse reads Config from the environment and validates it.
func Parse() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) Validate() error {
	switch c.StorageDriver {
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required for the %s storage driver", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if c.SchedulerTick <= 0 {
		return fmt.Errorf("SCHEDULER_TICK must be positive")
	}
	return nil
}

// Development reports whether the process runs with developer defaults.
func (c Config) Development() bool {
	switch c.AppEnv {
	case "dev", "development", "local":
		return true
	}
	return false
}
