package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("EMAIL_SENDER_ADDRESS", "noreply@example.com")
}

func TestLoadAll_HappyPath_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Database.Backend != BackendPostgres {
		t.Fatalf("unexpected Backend default: %q", cfg.Database.Backend)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Scheduler.Interval != 5*time.Minute {
		t.Fatalf("unexpected Scheduler.Interval default: %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 50 {
		t.Fatalf("unexpected Scheduler.BatchSize default: %d", cfg.Scheduler.BatchSize)
	}
	if cfg.Scheduler.Workers != 10 {
		t.Fatalf("unexpected Scheduler.Workers default: %d", cfg.Scheduler.Workers)
	}
	if cfg.Queue.LeaseTimeout != 5*time.Minute {
		t.Fatalf("unexpected Queue.LeaseTimeout default: %v", cfg.Queue.LeaseTimeout)
	}
	if cfg.Retry.MaxAttempts != 5 || cfg.Retry.BaseDelay != 30*time.Second || cfg.Retry.MaxDelay != 30*time.Minute {
		t.Fatalf("unexpected Retry defaults: %+v", cfg.Retry)
	}
	if cfg.Dedupe.Window != 5*time.Minute {
		t.Fatalf("unexpected Dedupe.Window default: %v", cfg.Dedupe.Window)
	}
	if cfg.Email.Provider != EmailProviderSES || cfg.SMS.Provider != SMSProviderSNS {
		t.Fatalf("unexpected provider defaults: %q %q", cfg.Email.Provider, cfg.SMS.Provider)
	}
	if cfg.SMS.MaxLength != 160 {
		t.Fatalf("unexpected SMS.MaxLength default: %d", cfg.SMS.MaxLength)
	}
	if cfg.AWS.Region != "us-east-1" {
		t.Fatalf("unexpected AWS.Region default: %q", cfg.AWS.Region)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_RECEIPT_TTL", "42s")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.ReceiptTTL != 42*time.Second {
		t.Fatalf("unexpected Redis.ReceiptTTL: %v", cfg.Redis.ReceiptTTL)
	}
}

func TestLoadAll_MemoryBackendDoesNotNeedPostgres(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("EMAIL_SENDER_ADDRESS", "noreply@example.com")

	if _, err := LoadAll(); err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		set  map[string]string
		want string
	}{
		{
			name: "missing POSTGRES_URL",
			set:  map[string]string{"EMAIL_SENDER_ADDRESS": "noreply@example.com"},
			want: "POSTGRES_URL",
		},
		{
			name: "missing EMAIL_SENDER_ADDRESS",
			set:  map[string]string{"POSTGRES_URL": "postgres://localhost/db"},
			want: "EMAIL_SENDER_ADDRESS",
		},
		{
			name: "smtp without host",
			set: map[string]string{
				"POSTGRES_URL": "postgres://localhost/db", "EMAIL_SENDER_ADDRESS": "a@b.c", "EMAIL_PROVIDER": "smtp",
			},
			want: "SMTP_HOST",
		},
		{
			name: "webhook without url",
			set: map[string]string{
				"POSTGRES_URL": "postgres://localhost/db", "EMAIL_SENDER_ADDRESS": "a@b.c", "SMS_PROVIDER": "webhook",
			},
			want: "SMS_WEBHOOK_URL",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			for k, v := range tc.set {
				t.Setenv(k, v)
			}

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestLoadAll_InvalidValues(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid SMS_MAX_LENGTH", "SMS_MAX_LENGTH", "abc"},
		{"invalid DISPATCH_INTERVAL", "DISPATCH_INTERVAL", "nope"},
		{"invalid DISPATCH_BATCH_SIZE", "DISPATCH_BATCH_SIZE", "x"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid REDIS_RECEIPT_TTL", "REDIS_RECEIPT_TTL", "bad"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)

			// Enable redis only for redis-related invalid values.
			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}

			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"batch size <= 0", "DISPATCH_BATCH_SIZE", "0", "DISPATCH_BATCH_SIZE"},
		{"interval <= 0", "DISPATCH_INTERVAL", "0s", "DISPATCH_INTERVAL"},
		{"workers <= 0", "DISPATCH_WORKERS", "0", "DISPATCH_WORKERS"},
		{"sms max length <= 0", "SMS_MAX_LENGTH", "0", "SMS_MAX_LENGTH"},
		{"lease not above send timeout", "QUEUE_LEASE_TIMEOUT", "30s", "QUEUE_LEASE_TIMEOUT"},
		{"lease shorter than a full batch", "QUEUE_LEASE_TIMEOUT", "150s", "QUEUE_LEASE_TIMEOUT"},
		{"lease equal to batch budget", "QUEUE_LEASE_TIMEOUT", "160s", "QUEUE_LEASE_TIMEOUT"},
		{"unknown backend", "QUEUE_BACKEND", "sqlite", "QUEUE_BACKEND"},
		{"unknown email provider", "EMAIL_PROVIDER", "sendgrid", "EMAIL_PROVIDER"},
		{"unknown sms provider", "SMS_PROVIDER", "twilio", "SMS_PROVIDER"},
		{"max delay below base", "RETRY_MAX_DELAY", "1s", "RETRY_MAX_DELAY"},
		{"bad log level", "LOG_LEVEL", "verbose", "LOG_LEVEL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestLoadAll_LeaseCoversBatchWithMoreWorkers(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)
	t.Setenv("QUEUE_LEASE_TIMEOUT", "2m")
	t.Setenv("DISPATCH_WORKERS", "50")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Queue.LeaseTimeout != 2*time.Minute {
		t.Fatalf("unexpected lease: %v", cfg.Queue.LeaseTimeout)
	}
}

func TestLoadAll_ReportsAllViolations(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	t.Setenv("DISPATCH_BATCH_SIZE", "0")

	_, err := LoadAll()
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	for _, key := range []string{"POSTGRES_URL", "EMAIL_SENDER_ADDRESS", "DISPATCH_BATCH_SIZE"} {
		if !strings.Contains(err.Error(), key) {
			t.Fatalf("expected error mentioning %s, got: %v", key, err)
		}
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_ADDRESS",
		"QUEUE_BACKEND",
		"POSTGRES_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"REDIS_RECEIPT_TTL",
		"DISPATCH_INTERVAL",
		"DISPATCH_BATCH_SIZE",
		"DISPATCH_WORKERS",
		"DISPATCH_SEND_TIMEOUT",
		"HOUSEKEEPING_INTERVAL",
		"QUEUE_LEASE_TIMEOUT",
		"QUEUE_RETENTION",
		"RETRY_MAX_ATTEMPTS",
		"RETRY_BASE_DELAY",
		"RETRY_MAX_DELAY",
		"DEDUPE_WINDOW",
		"EMAIL_PROVIDER",
		"EMAIL_SENDER_ADDRESS",
		"SMTP_HOST",
		"SMTP_PORT",
		"SMTP_USERNAME",
		"SMTP_PASSWORD",
		"SMTP_ENCRYPTION",
		"SMS_PROVIDER",
		"SMS_WEBHOOK_URL",
		"SMS_MAX_LENGTH",
		"AWS_REGION",
		"LOG_LEVEL",
		"LOG_FILE",
	}
	for _, k := range keys {
		// Setenv registers the restore; Unsetenv then removes the value for this test.
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}
