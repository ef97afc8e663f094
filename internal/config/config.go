// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	validator "github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the marketplace server
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080" validate:"required"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"10s" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s" validate:"gt=0"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	Store       string `env:"STORE" envDefault:"postgres" validate:"oneof=postgres memory"`
	DatabaseURL string `env:"DATABASE_URL" validate:"required_if=Store postgres"`
	Migrate     bool   `env:"MIGRATE" envDefault:"true"`

	JWTSecret string        `env:"JWT_SECRET" envDefault:"your-secret-key" validate:"required,min=8"`
	TokenTTL  time.Duration `env:"TOKEN_TTL" envDefault:"24h" validate:"gt=0"`

	ReservationWindow  time.Duration `env:"RESERVATION_WINDOW" envDefault:"5m" validate:"gt=0"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"5s" validate:"gt=0"`
	StaleReservedAfter time.Duration `env:"STALE_RESERVED_AFTER" envDefault:"24h"`
	// active offers are dropped once their meeting time has passed
	CleanupPastMeetings bool `env:"CLEANUP_PAST_MEETINGS" envDefault:"true"`

	RedisURL      string        `env:"REDIS_URL"`
	RatesCacheTTL time.Duration `env:"RATES_CACHE_TTL" envDefault:"30s" validate:"gt=0"`
	RatesTimeout  time.Duration `env:"RATES_TIMEOUT" envDefault:"5s" validate:"gt=0"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"p2pmarket.reservations"`

	TelegramToken string `env:"TELEGRAM_BOT_TOKEN"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	LogFile  string `env:"LOG_FILE"`
}

// Load reads .env files when present, parses the environment and validates the result
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	// missing env files are fine, the process environment still applies
	_ = godotenv.Load(files...)

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &cfg, nil
}
