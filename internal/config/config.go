package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/LeventeLantos/notification-dispatcher/internal/dispatcher"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"

	EmailProviderSES  = "ses"
	EmailProviderSMTP = "smtp"

	SMSProviderSNS     = "sns"
	SMSProviderWebhook = "webhook"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Dedupe    DedupeConfig
	Email     EmailConfig
	SMTP      SMTPConfig
	SMS       SMSConfig
	AWS       AWSConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address string `envconfig:"SERVER_ADDRESS" default:":8080"`
}

type DatabaseConfig struct {
	Backend     string `envconfig:"QUEUE_BACKEND" default:"postgres"`
	PostgresURL string `envconfig:"POSTGRES_URL"`
}

type RedisConfig struct {
	Enabled    bool          `ignored:"true"`
	Address    string        `envconfig:"REDIS_ADDR"`
	Password   string        `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0"`
	ReceiptTTL time.Duration `envconfig:"REDIS_RECEIPT_TTL" default:"24h"`
}

type SchedulerConfig struct {
	Interval             time.Duration `envconfig:"DISPATCH_INTERVAL" default:"5m"`
	BatchSize            int           `envconfig:"DISPATCH_BATCH_SIZE" default:"50"`
	Workers              int           `envconfig:"DISPATCH_WORKERS" default:"10"`
	SendTimeout          time.Duration `envconfig:"DISPATCH_SEND_TIMEOUT" default:"30s"`
	HousekeepingInterval time.Duration `envconfig:"HOUSEKEEPING_INTERVAL" default:"1m"`
}

type QueueConfig struct {
	LeaseTimeout time.Duration `envconfig:"QUEUE_LEASE_TIMEOUT" default:"5m"`
	Retention    time.Duration `envconfig:"QUEUE_RETENTION" default:"168h"`
}

type RetryConfig struct {
	MaxAttempts int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	BaseDelay   time.Duration `envconfig:"RETRY_BASE_DELAY" default:"30s"`
	MaxDelay    time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30m"`
}

type DedupeConfig struct {
	Window time.Duration `envconfig:"DEDUPE_WINDOW" default:"5m"`
}

type EmailConfig struct {
	Provider      string `envconfig:"EMAIL_PROVIDER" default:"ses"`
	SenderAddress string `envconfig:"EMAIL_SENDER_ADDRESS"`
}

type SMTPConfig struct {
	Host       string `envconfig:"SMTP_HOST"`
	Port       int    `envconfig:"SMTP_PORT" default:"587"`
	Username   string `envconfig:"SMTP_USERNAME"`
	Password   string `envconfig:"SMTP_PASSWORD"`
	Encryption string `envconfig:"SMTP_ENCRYPTION" default:"starttls"`
}

type SMSConfig struct {
	Provider   string `envconfig:"SMS_PROVIDER" default:"sns"`
	WebhookURL string `envconfig:"SMS_WEBHOOK_URL"`
	MaxLength  int    `envconfig:"SMS_MAX_LENGTH" default:"160"`
}

type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`
}

type LogConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE"`
}

// LoadAll reads every section from the environment and validates the
// result. All problems are reported together.
func LoadAll() (*Config, error) {
	cfg := &Config{}

	var errs []error
	for _, section := range []any{
		&cfg.Server, &cfg.Database, &cfg.Redis, &cfg.Scheduler, &cfg.Queue, &cfg.Retry,
		&cfg.Dedupe, &cfg.Email, &cfg.SMTP, &cfg.SMS, &cfg.AWS, &cfg.Log,
	} {
		if err := envconfig.Process("", section); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, joinErrors(errs)
	}

	cfg.Redis.Enabled = cfg.Redis.Address != ""

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	switch cfg.Database.Backend {
	case BackendPostgres:
		check(cfg.Database.PostgresURL != "", "missing required env var: POSTGRES_URL")
	case BackendMemory:
	default:
		check(false, "QUEUE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.Database.Backend)
	}

	s := cfg.Scheduler
	check(s.Interval > 0, "DISPATCH_INTERVAL must be > 0")
	check(s.BatchSize > 0, "DISPATCH_BATCH_SIZE must be > 0")
	check(s.Workers > 0, "DISPATCH_WORKERS must be > 0")
	check(s.SendTimeout > 0, "DISPATCH_SEND_TIMEOUT must be > 0")
	check(s.HousekeepingInterval > 0, "HOUSEKEEPING_INTERVAL must be > 0")

	// Every lease of a batch starts at claim time, so the last message of a
	// full batch must still hold its lease after queueing for a worker.
	if s.BatchSize > 0 && s.Workers > 0 && s.SendTimeout > 0 {
		budget := dispatcher.LeaseBudget(s.BatchSize, s.Workers, s.SendTimeout)
		check(cfg.Queue.LeaseTimeout > budget,
			"QUEUE_LEASE_TIMEOUT (%s) must exceed ceil(DISPATCH_BATCH_SIZE/DISPATCH_WORKERS) x DISPATCH_SEND_TIMEOUT + %s (%s)",
			cfg.Queue.LeaseTimeout, dispatcher.ResolveTimeout, budget)
	}
	check(cfg.Queue.Retention > 0, "QUEUE_RETENTION must be > 0")

	check(cfg.Retry.MaxAttempts > 0, "RETRY_MAX_ATTEMPTS must be > 0")
	check(cfg.Retry.BaseDelay > 0, "RETRY_BASE_DELAY must be > 0")
	check(cfg.Retry.MaxDelay >= cfg.Retry.BaseDelay, "RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")

	check(cfg.Dedupe.Window > 0, "DEDUPE_WINDOW must be > 0")

	check(cfg.Email.SenderAddress != "", "missing required env var: EMAIL_SENDER_ADDRESS")
	switch cfg.Email.Provider {
	case EmailProviderSES:
	case EmailProviderSMTP:
		check(cfg.SMTP.Host != "", "missing required env var: SMTP_HOST")
		check(cfg.SMTP.Port > 0, "SMTP_PORT must be > 0")
	default:
		check(false, "EMAIL_PROVIDER must be %q or %q, got %q", EmailProviderSES, EmailProviderSMTP, cfg.Email.Provider)
	}

	switch cfg.SMS.Provider {
	case SMSProviderSNS:
	case SMSProviderWebhook:
		check(cfg.SMS.WebhookURL != "", "missing required env var: SMS_WEBHOOK_URL")
	default:
		check(false, "SMS_PROVIDER must be %q or %q, got %q", SMSProviderSNS, SMSProviderWebhook, cfg.SMS.Provider)
	}
	check(cfg.SMS.MaxLength > 0, "SMS_MAX_LENGTH must be > 0")

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		check(false, "LOG_LEVEL must be one of debug, info, warn, error, got %q", cfg.Log.Level)
	}

	if cfg.Redis.Enabled {
		check(cfg.Redis.ReceiptTTL > 0, "REDIS_RECEIPT_TTL must be > 0")
	}

	return joinErrors(errs)
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
