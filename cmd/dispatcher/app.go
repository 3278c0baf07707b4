package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/notification-dispatcher/internal/api"
	"github.com/LeventeLantos/notification-dispatcher/internal/cache"
	"github.com/LeventeLantos/notification-dispatcher/internal/client"
	"github.com/LeventeLantos/notification-dispatcher/internal/config"
	"github.com/LeventeLantos/notification-dispatcher/internal/content"
	"github.com/LeventeLantos/notification-dispatcher/internal/dedupe"
	"github.com/LeventeLantos/notification-dispatcher/internal/dispatcher"
	"github.com/LeventeLantos/notification-dispatcher/internal/metrics"
	"github.com/LeventeLantos/notification-dispatcher/internal/queue"
	"github.com/LeventeLantos/notification-dispatcher/internal/retry"
	"github.com/LeventeLantos/notification-dispatcher/internal/scheduler"
	"github.com/LeventeLantos/notification-dispatcher/internal/sender"
	"github.com/LeventeLantos/notification-dispatcher/internal/service"
)

// app owns every long-lived component of a serve process.
type app struct {
	logger *slog.Logger

	store        queue.Store
	dispatch     *scheduler.Scheduler
	housekeeping *scheduler.Scheduler
	handler      http.Handler

	closers []io.Closer
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec, err := metrics.NewPrometheus(reg)
	if err != nil {
		return a, fmt.Errorf("registering metrics: %w", err)
	}

	if err := a.openStore(ctx, cfg); err != nil {
		return a, err
	}

	var (
		dd       dedupe.Deduplicator
		receipts cache.ReceiptStore
		memDD    *dedupe.Memory
	)
	if cfg.Redis.Enabled {
		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, rdb)
		dd = dedupe.NewRedis(rdb, cfg.Dedupe.Window)
		receipts = cache.NewRedisCache(rdb, cfg.Redis.ReceiptTTL)
	} else {
		memDD = dedupe.NewMemory(cfg.Dedupe.Window, nil)
		dd = memDD
	}

	senders, err := buildSenders(ctx, cfg, rec)
	if err != nil {
		return a, err
	}

	templates := content.Defaults()

	dopts := []dispatcher.Option{
		dispatcher.WithBatchSize(cfg.Scheduler.BatchSize),
		dispatcher.WithWorkers(cfg.Scheduler.Workers),
		dispatcher.WithSendTimeout(cfg.Scheduler.SendTimeout),
		dispatcher.WithMetrics(rec),
		dispatcher.WithLogger(logger),
	}
	if receipts != nil {
		dopts = append(dopts, dispatcher.WithReceipts(receipts))
	}
	disp := dispatcher.New(a.store, senders, templates, retry.Policy{
		Base:        cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, dopts...)

	a.dispatch, err = scheduler.New(cfg.Scheduler.Interval, func(ctx context.Context) {
		disp.RunOnce(ctx)
	}, scheduler.WithName("dispatch"), scheduler.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("dispatch scheduler: %w", err)
	}
	a.closers = append(a.closers, a.dispatch)

	a.housekeeping, err = scheduler.New(cfg.Scheduler.HousekeepingInterval,
		housekeeper(a.store, memDD, cfg.Queue.Retention, logger),
		scheduler.WithName("housekeeping"), scheduler.WithLogger(logger))
	if err != nil {
		return a, fmt.Errorf("housekeeping scheduler: %w", err)
	}
	a.closers = append(a.closers, a.housekeeping)

	acceptor := service.NewAcceptor(dd, a.store, templates,
		service.WithDedupeWindow(cfg.Dedupe.Window),
		service.WithMetrics(rec),
		service.WithLogger(logger),
	)

	h := api.NewHandler(acceptor, a.store, a.dispatch, disp, logger)
	a.handler = api.Router(h, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), loggingMiddleware)

	return a, nil
}

func (a *app) openStore(ctx context.Context, cfg *config.Config) error {
	qopts := []queue.Option{
		queue.WithLeaseTimeout(cfg.Queue.LeaseTimeout),
		queue.WithMaxAttempts(cfg.Retry.MaxAttempts),
		queue.WithLogger(a.logger),
	}

	switch cfg.Database.Backend {
	case config.BackendMemory:
		a.logger.Warn("using in-memory queue; messages do not survive a restart")
		a.store = queue.NewMemory(qopts...)
		return nil
	default:
		db, err := openPostgres(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db)
		a.store = queue.NewPostgres(db, qopts...)
		return nil
	}
}

func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

func buildSenders(ctx context.Context, cfg *config.Config, obs sender.SendObserver) (*sender.Registry, error) {
	var (
		email, sms sender.Sender
		awsCfg     *aws.Config
	)
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			ac, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
			if err != nil {
				return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
			}
			awsCfg = &ac
		}
		return *awsCfg, nil
	}

	switch cfg.Email.Provider {
	case config.EmailProviderSMTP:
		email = sender.NewSMTPEmail(sender.SMTPConfig{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			Username:      cfg.SMTP.Username,
			Password:      cfg.SMTP.Password,
			Encryption:    cfg.SMTP.Encryption,
			SenderAddress: cfg.Email.SenderAddress,
		})
	default:
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		email = sender.NewSESEmail(sesv2.NewFromConfig(ac), cfg.Email.SenderAddress)
	}

	switch cfg.SMS.Provider {
	case config.SMSProviderWebhook:
		gw := client.NewSMSGateway(cfg.SMS.WebhookURL, cfg.Scheduler.SendTimeout)
		sms = sender.NewWebhookSMS(gw, cfg.SMS.MaxLength)
	default:
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		sms = sender.NewSNSSMS(sns.NewFromConfig(ac), cfg.SMS.MaxLength)
	}

	return sender.NewRegistry(
		sender.WithMetrics(sender.WithTracing(email), obs),
		sender.WithMetrics(sender.WithTracing(sms), obs),
	)
}

// housekeeper evicts expired in-memory dedupe entries and purges terminal
// messages past retention. mem is nil when dedupe lives in Redis.
func housekeeper(p queue.Purger, mem *dedupe.Memory, retention time.Duration, logger *slog.Logger) func(context.Context) {
	return func(ctx context.Context) {
		if mem != nil {
			if n := mem.Evict(ctx); n > 0 {
				logger.Debug("evicted dedupe entries", "count", n)
			}
		}
		if retention <= 0 {
			return
		}
		n, err := p.Purge(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			logger.Error("purge failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("purged terminal messages", "count", n)
		}
	}
}

// Close releases resources in reverse acquisition order.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
